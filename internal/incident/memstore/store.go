// Package memstore adapts incident.MemoryRepository to retryexec.ClaimStore
// and orchestrator.Store for the in-memory/dev-mode path. incident itself
// cannot implement these interfaces directly: retryexec and recompute both
// import incident for the domain types they operate on, so incident taking
// a dependency back on either would be a cycle. This package sits above
// incident the same way internal/incident/postgres does, translating the
// two lifecycle packages' result types into the plain-field mutation
// methods MemoryRepository exposes.
package memstore

import (
	"context"
	"time"

	"github.com/r3e-network/invoice-qa-engine/internal/incident"
	"github.com/r3e-network/invoice-qa-engine/internal/recompute"
	"github.com/r3e-network/invoice-qa-engine/internal/retryexec"
)

// Store is an in-memory incident.AdminRepository that also satisfies
// retryexec.ClaimStore and orchestrator.Store, for running the full
// retry/recompute lifecycle without a database.
type Store struct {
	*incident.MemoryRepository
}

// New builds an empty in-memory Store.
func New() *Store {
	return &Store{MemoryRepository: incident.NewMemoryRepository()}
}

// ApplyResult implements retryexec.ClaimStore.
func (s *Store) ApplyResult(ctx context.Context, id string, result retryexec.ApplyResult, now time.Time) error {
	return s.MemoryRepository.ApplyRetryAttempt(ctx, id, result.NewStatus, result.AttemptCount,
		result.RetryEligibleAt, result.RetryExhaustedAt, result.Success, result.ResolutionReason, now)
}

// ApplyRecompute implements orchestrator.Store.
func (s *Store) ApplyRecompute(ctx context.Context, id string, result recompute.Result, now time.Time) error {
	return s.MemoryRepository.ApplyRecomputeMutation(ctx, id, string(result.Outcome), result.NewPrimaryFlag,
		result.NewCategory, result.NewSeverity, result.NewSecondaryFlags, result.NewAllFlags,
		result.NewActionHint, result.ResolutionReason, now)
}
