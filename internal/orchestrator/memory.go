package orchestrator

import (
	"context"
	"time"

	"github.com/r3e-network/invoice-qa-engine/internal/incident"
	"github.com/r3e-network/invoice-qa-engine/internal/recompute"
	"github.com/r3e-network/invoice-qa-engine/internal/retryexec"
)

// MemoryStore layers C12's recompute mutations on top of C11's in-memory
// claim store, for tests and single-process deployments.
type MemoryStore struct {
	*retryexec.MemoryClaimStore
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{MemoryClaimStore: retryexec.NewMemoryClaimStore()}
}

// ApplyRecompute implements Store.
func (m *MemoryStore) ApplyRecompute(_ context.Context, id string, result recompute.Result, now time.Time) error {
	inc, ok := m.Get(id)
	if !ok {
		return nil
	}
	recompute.Apply(inc, result, now)
	m.Put(*inc)
	return nil
}

// ApplyRecomputeLimitExceeded implements Store.
func (m *MemoryStore) ApplyRecomputeLimitExceeded(_ context.Context, id string, now time.Time) error {
	inc, ok := m.Get(id)
	if !ok {
		return nil
	}
	inc.Status = incident.StatusOpen
	inc.ResolutionReason = incident.ResolutionRecomputeLimitExceeded
	inc.UpdatedAt = now
	m.Put(*inc)
	return nil
}

// FindStuckPendingRecompute implements Store.
func (m *MemoryStore) FindStuckPendingRecompute(_ context.Context, olderThan time.Time) ([]incident.Incident, error) {
	var stuck []incident.Incident
	for _, inc := range m.All() {
		if inc.Status == incident.StatusPendingRecompute && inc.UpdatedAt.Before(olderThan) {
			stuck = append(stuck, inc)
		}
	}
	return stuck, nil
}
