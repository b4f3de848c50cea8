// Package orchestrator implements the C13 retry orchestrator: it couples
// C11's claim/backoff cycle with C12's recompute service, enforcing the
// invariant that only a recompute pass, the limit guard below, or C11's
// retry exhaustion may move an incident out of the retry loop for good.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/r3e-network/invoice-qa-engine/internal/incident"
	"github.com/r3e-network/invoice-qa-engine/internal/quality"
	"github.com/r3e-network/invoice-qa-engine/internal/recompute"
	"github.com/r3e-network/invoice-qa-engine/internal/retryexec"
)

// MaxRecomputeCount is the default recompute_count ceiling (MAX_RECOMPUTE_COUNT).
const MaxRecomputeCount = 5

// DefaultStuckAfter is the default STUCK_MINUTES window for the
// PENDING_RECOMPUTE sweep.
const DefaultStuckAfter = 10 * time.Minute

// Store is everything the orchestrator needs from the durable incident
// store: the C11 claim/apply cycle plus C12's resolve/reclassify mutation
// and the stuck-state sweep scan.
type Store interface {
	retryexec.ClaimStore
	ApplyRecompute(ctx context.Context, id string, result recompute.Result, now time.Time) error
	ApplyRecomputeLimitExceeded(ctx context.Context, id string, now time.Time) error
	FindStuckPendingRecompute(ctx context.Context, olderThan time.Time) ([]incident.Incident, error)
}

// ContextProvider gathers a recompute.Context for a claimed incident. The
// default reads the re-scored flag snapshot embedded at routing time under
// routed_payload["recompute_context"]; a test double can return a fixed
// context without re-running extraction/validation/calculation.
type ContextProvider func(ctx context.Context, inc *incident.Incident) (recompute.Context, error)

// Summary is the result of one batch or sweep pass.
type Summary struct {
	Claimed          int
	RetrySuccess     int
	RetryFail        int
	Resolved         int
	Reclassified     int
	Exhausted        int
	RecomputeLimited int
	Errors           []error
}

// Orchestrator drives one worker's claim -> retry -> recompute loop.
type Orchestrator struct {
	store             Store
	lookup            retryexec.LookupFunc
	contextProvider   ContextProvider
	maxRecomputeCount int
	stuckAfter        time.Duration
	clock             func() time.Time
}

// New builds an Orchestrator. A nil contextProvider falls back to
// DefaultContextProvider; a non-positive maxRecomputeCount falls back to
// MaxRecomputeCount; a non-positive stuckAfter falls back to DefaultStuckAfter.
func New(store Store, lookup retryexec.LookupFunc, contextProvider ContextProvider, maxRecomputeCount int, stuckAfter time.Duration) *Orchestrator {
	if contextProvider == nil {
		contextProvider = DefaultContextProvider
	}
	if maxRecomputeCount <= 0 {
		maxRecomputeCount = MaxRecomputeCount
	}
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	return &Orchestrator{
		store: store, lookup: lookup, contextProvider: contextProvider,
		maxRecomputeCount: maxRecomputeCount, stuckAfter: stuckAfter, clock: time.Now,
	}
}

// outcome records what happened to one claimed or swept incident, for
// Summary aggregation.
type outcome struct {
	retrySuccess     bool
	retryFail        bool
	resolved         bool
	reclassified     bool
	exhausted        bool
	recomputeLimited bool
}

// CountStuck reports how many incidents currently qualify for SweepStuck,
// for the readiness probe's queue-health check.
func (o *Orchestrator) CountStuck(ctx context.Context) (int, error) {
	now := o.clock().UTC()
	stuck, err := o.store.FindStuckPendingRecompute(ctx, now.Add(-o.stuckAfter))
	if err != nil {
		return 0, fmt.Errorf("find stuck incidents: %w", err)
	}
	return len(stuck), nil
}

// ProcessBatch repeatedly claims and processes incidents until nothing is
// eligible or max attempts have been made, whichever comes first.
func (o *Orchestrator) ProcessBatch(ctx context.Context, max int) *Summary {
	summary := &Summary{}
	for i := 0; i < max; i++ {
		out, err := o.processOne(ctx)
		if err != nil {
			summary.Errors = append(summary.Errors, err)
			continue
		}
		if out == nil {
			break
		}
		summary.Claimed++
		apply(summary, out)
	}
	return summary
}

// processOne executes spec §4.13 steps 1-4 for a single claimed incident.
// Returns (nil, nil) when nothing is eligible to claim.
func (o *Orchestrator) processOne(ctx context.Context) (res *outcome, err error) {
	now := o.clock().UTC()
	inc, err := o.store.ClaimNext(ctx, retryexec.WorkerID(), now, now.Add(retryexec.LockDuration))
	if err != nil {
		return nil, fmt.Errorf("claim next incident: %w", err)
	}
	if inc == nil {
		return nil, nil
	}

	// Defensive lock release on any unexpected failure below, per spec:
	// "exceptions inside per-incident processing release the lock
	// defensively and continue with the next."
	defer func() {
		if err != nil {
			_ = o.store.ReleaseLock(ctx, inc.ID)
		}
	}()

	lookupErr := o.lookup(ctx, inc)
	retryResult := retryexec.Compute(inc.RetryAttemptCount, lookupErr, now)
	if applyErr := o.store.ApplyResult(ctx, inc.ID, retryResult, now); applyErr != nil {
		return nil, fmt.Errorf("apply retry result for %s: %w", inc.ID, applyErr)
	}

	if !retryResult.Success {
		out := &outcome{retryFail: true, exhausted: retryResult.NewStatus == incident.StatusOpen}
		return out, nil
	}

	out, recErr := o.recomputeAndApply(ctx, inc, now)
	if recErr != nil {
		return nil, fmt.Errorf("recompute incident %s: %w", inc.ID, recErr)
	}
	out.retrySuccess = true
	return out, nil
}

// SweepStuck scans for incidents left in PENDING_RECOMPUTE past
// STUCK_MINUTES (a worker likely crashed between marking retry success and
// finishing the recompute step) and re-invokes recompute directly.
func (o *Orchestrator) SweepStuck(ctx context.Context) *Summary {
	summary := &Summary{}
	now := o.clock().UTC()
	stuck, err := o.store.FindStuckPendingRecompute(ctx, now.Add(-o.stuckAfter))
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Errorf("find stuck incidents: %w", err))
		return summary
	}

	for i := range stuck {
		inc := stuck[i]
		out, err := o.recomputeAndApply(ctx, &inc, now)
		if err != nil {
			_ = o.store.ReleaseLock(ctx, inc.ID)
			summary.Errors = append(summary.Errors, fmt.Errorf("sweep incident %s: %w", inc.ID, err))
			continue
		}
		summary.Claimed++
		apply(summary, out)
	}
	return summary
}

func (o *Orchestrator) recomputeAndApply(ctx context.Context, inc *incident.Incident, now time.Time) (*outcome, error) {
	if inc.RecomputeCount >= o.maxRecomputeCount {
		if err := o.store.ApplyRecomputeLimitExceeded(ctx, inc.ID, now); err != nil {
			return nil, err
		}
		return &outcome{recomputeLimited: true}, nil
	}

	rctx, err := o.contextProvider(ctx, inc)
	if err != nil {
		return nil, fmt.Errorf("gather recompute context: %w", err)
	}

	result := recompute.Evaluate(rctx, inc.PrimaryFlag)
	if err := o.store.ApplyRecompute(ctx, inc.ID, result, now); err != nil {
		return nil, err
	}

	out := &outcome{}
	switch result.Outcome {
	case recompute.OutcomeResolved:
		out.resolved = true
	case recompute.OutcomeReclassified:
		out.reclassified = true
	}
	return out, nil
}

func apply(s *Summary, o *outcome) {
	if o.retrySuccess {
		s.RetrySuccess++
	}
	if o.retryFail {
		s.RetryFail++
	}
	if o.resolved {
		s.Resolved++
	}
	if o.reclassified {
		s.Reclassified++
	}
	if o.exhausted {
		s.Exhausted++
	}
	if o.recomputeLimited {
		s.RecomputeLimited++
	}
}

// recomputeContextSnapshot is the JSON shape DefaultContextProvider expects
// under routed_payload["recompute_context"] — the flag/mismatch/confidence
// evidence captured at routing time, so a recompute pass can re-derive a
// score without re-running extraction against the original document.
type recomputeContextSnapshot struct {
	Flags                []quality.FlagDetail   `json:"flags"`
	ExtractionConfidence float64                `json:"extraction_confidence"`
	Mismatch             *quality.MismatchInfo   `json:"mismatch"`
}

// DefaultContextProvider parses a recompute.Context out of the incident's
// stored routed_payload, per spec §4.13 ("default = parse from stored
// routed_payload"). Callers that re-run extraction/validation/calculation
// live should inject their own ContextProvider instead.
func DefaultContextProvider(_ context.Context, inc *incident.Incident) (recompute.Context, error) {
	raw, ok := inc.RoutedPayload["recompute_context"]
	if !ok {
		return recompute.Context{}, fmt.Errorf("incident %s has no embedded recompute_context", inc.ID)
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return recompute.Context{}, fmt.Errorf("marshal stored recompute_context: %w", err)
	}
	var snapshot recomputeContextSnapshot
	if err := json.Unmarshal(blob, &snapshot); err != nil {
		return recompute.Context{}, fmt.Errorf("unmarshal stored recompute_context: %w", err)
	}
	return recompute.Context{
		Score:                quality.Score{FlagDetails: snapshot.Flags},
		ExtractionConfidence: snapshot.ExtractionConfidence,
		Mismatch:             snapshot.Mismatch,
	}, nil
}
