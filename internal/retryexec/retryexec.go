// Package retryexec implements the C11 retry executor: race-safe claim of
// PENDING_RETRY incidents, backoff scheduling, and exhaust semantics. The
// executor never sets RESOLVED — that authority belongs to C12.
package retryexec

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/r3e-network/invoice-qa-engine/internal/incident"
)

// MaxAttempts is the fixed number of retry attempts before exhaust.
const MaxAttempts = 4

// LockDuration is how long a claim holds exclusive ownership of an incident.
const LockDuration = 5 * time.Minute

// BackoffSchedule maps attempt-count (1-indexed, the count *after*
// incrementing on a failure) to the delay until the incident becomes
// eligible again.
var BackoffSchedule = []time.Duration{
	30 * time.Minute,
	2 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// WorkerID builds the hostname:pid:uuid8 diagnostic identity used to tag
// claims for post-mortem debugging.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

// ClaimStore is the race-safe claim backend. Two implementations are
// expected: a SKIP-LOCKED postgres store and an optimistic-concurrency one.
type ClaimStore interface {
	ClaimNext(ctx context.Context, workerID string, now time.Time, lockUntil time.Time) (*incident.Incident, error)
	ApplyResult(ctx context.Context, id string, result ApplyResult, now time.Time) error
	ReleaseLock(ctx context.Context, id string) error
}

// LookupFunc performs the provider call whose outcome drives the retry
// state machine (e.g. re-running a market-price or tariff lookup).
type LookupFunc func(ctx context.Context, inc *incident.Incident) error

// ApplyResult is what Execute computed for one claimed incident, handed to
// ClaimStore.ApplyResult to persist.
type ApplyResult struct {
	Success          bool
	NewStatus        incident.Status
	AttemptCount     int
	RetryEligibleAt  *time.Time
	RetryExhaustedAt *time.Time
	ResolutionReason incident.ResolutionReason
}

// Executor runs the claim -> lookup -> apply-result cycle.
type Executor struct {
	store    ClaimStore
	lookup   LookupFunc
	workerID string
	clock    func() time.Time
}

// New builds an Executor with a fresh process-local worker identity.
func New(store ClaimStore, lookup LookupFunc) *Executor {
	return &Executor{store: store, lookup: lookup, workerID: WorkerID(), clock: time.Now}
}

// ClaimAndExecute claims the next eligible incident (if any) and executes
// one retry attempt against it. Returns (nil, nil) when nothing is eligible.
func (e *Executor) ClaimAndExecute(ctx context.Context) (*ApplyResult, error) {
	now := e.clock().UTC()
	inc, err := e.store.ClaimNext(ctx, e.workerID, now, now.Add(LockDuration))
	if err != nil {
		return nil, fmt.Errorf("claim next incident: %w", err)
	}
	if inc == nil {
		return nil, nil
	}

	result := e.execute(ctx, inc, now)
	if err := e.store.ApplyResult(ctx, inc.ID, result, now); err != nil {
		return nil, fmt.Errorf("apply retry result: %w", err)
	}
	return &result, nil
}

func (e *Executor) execute(ctx context.Context, inc *incident.Incident, now time.Time) ApplyResult {
	err := e.lookup(ctx, inc)
	return Compute(inc.RetryAttemptCount, err, now)
}

// Compute derives the ApplyResult for one attempt outcome. Exported so
// callers that claim and dispatch the lookup themselves (the C13
// orchestrator, which needs the claimed incident for its own recompute
// step) can reuse the exact backoff/exhaust rules without going through
// ClaimAndExecute.
func Compute(priorAttemptCount int, lookupErr error, now time.Time) ApplyResult {
	if lookupErr == nil {
		return ApplyResult{Success: true, NewStatus: incident.StatusPendingRecompute, AttemptCount: priorAttemptCount}
	}

	attempt := priorAttemptCount + 1
	if attempt >= MaxAttempts {
		exhausted := now
		return ApplyResult{
			Success: false, NewStatus: incident.StatusOpen, AttemptCount: attempt,
			RetryExhaustedAt: &exhausted, ResolutionReason: incident.ResolutionRetryExhausted,
		}
	}

	eligible := now.Add(BackoffSchedule[attempt-1])
	return ApplyResult{
		Success: false, NewStatus: incident.StatusPendingRetry, AttemptCount: attempt,
		RetryEligibleAt: &eligible,
	}
}

// ParseWorkerPID extracts the pid component of a worker id, for diagnostics.
func ParseWorkerPID(workerID string) (int, bool) {
	parts := strings.Split(workerID, ":")
	if len(parts) != 3 {
		return 0, false
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return pid, true
}
