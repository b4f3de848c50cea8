package incident

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/r3e-network/invoice-qa-engine/internal/quality"
)

// MemoryRepository is an in-memory Repository, used for tests and
// single-process dev/pilot mode.
type MemoryRepository struct {
	mu         sync.Mutex
	incidents  map[string]*Incident
}

// NewMemoryRepository builds an empty in-memory Repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{incidents: make(map[string]*Incident)}
}

func (r *MemoryRepository) FindActiveByDedupeKey(_ context.Context, dedupeKey string, since time.Time) (*Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inc := range r.incidents {
		if inc.DedupeKey != dedupeKey {
			continue
		}
		if inc.Status == StatusResolved {
			continue
		}
		if inc.CreatedAt.Before(since) {
			continue
		}
		cp := *inc
		return &cp, nil
	}
	return nil, nil
}

func (r *MemoryRepository) IncrementOccurrence(_ context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil
	}
	inc.OccurrenceCount++
	inc.LastSeenAt = now
	inc.UpdatedAt = now
	return nil
}

func (r *MemoryRepository) Insert(_ context.Context, inc Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := inc
	r.incidents[inc.ID] = &cp
	return nil
}

// Get returns a copy of the stored incident by id, for test assertions.
func (r *MemoryRepository) Get(id string) (*Incident, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil, false
	}
	cp := *inc
	return &cp, true
}

// List implements AdminRepository.List with in-process filtering and
// pagination; page/pageSize are 1-indexed, matching marketprice.ListFilter.
func (r *MemoryRepository) List(_ context.Context, f ListFilter) (ListResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]Incident, 0, len(r.incidents))
	for _, inc := range r.incidents {
		if f.TenantID != "" && inc.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.Category != "" && string(inc.Category) != f.Category {
			continue
		}
		if f.Severity != "" && string(inc.Severity) != f.Severity {
			continue
		}
		matched = append(matched, *inc)
	}

	page, pageSize := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 25
	}
	start := (page - 1) * pageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return ListResult{Items: matched[start:end], Total: len(matched)}, nil
}

// GetByID implements AdminRepository.GetByID.
func (r *MemoryRepository) GetByID(_ context.Context, id string) (*Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil, nil
	}
	cp := *inc
	return &cp, nil
}

// UpdateStatus implements AdminRepository.UpdateStatus, the manual-override
// path an operator uses to acknowledge or force-resolve an incident outside
// the automated retry/recompute lifecycle.
func (r *MemoryRepository) UpdateStatus(_ context.Context, id string, status Status, reason ResolutionReason, actor string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil
	}
	inc.Status = status
	if status == StatusResolved {
		inc.ResolutionReason = reason
		resolvedAt := now
		inc.ResolvedAt = &resolvedAt
	}
	inc.UpdatedAt = now
	_ = actor // audit trail captures the acting admin at the HTTP layer
	return nil
}

// RecordFeedback implements AdminRepository.RecordFeedback, storing the
// operator's verdict on whether the action hint was correct (C14 input).
func (r *MemoryRepository) RecordFeedback(_ context.Context, id string, feedback map[string]interface{}, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil
	}
	inc.Feedback = feedback
	inc.UpdatedAt = now
	return nil
}

// ClaimNext implements retryexec.ClaimStore over the in-memory map: scans
// for the earliest-eligible unlocked PENDING_RETRY incident and locks it.
// There is no SELECT ... FOR UPDATE SKIP LOCKED equivalent here, so the
// mutex held for the whole scan-and-lock is what keeps concurrent workers
// from claiming the same incident.
func (r *MemoryRepository) ClaimNext(_ context.Context, workerID string, now time.Time, lockUntil time.Time) (*Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Incident
	for _, inc := range r.incidents {
		if inc.Status != StatusPendingRetry {
			continue
		}
		if inc.RetryExhaustedAt != nil {
			continue
		}
		if inc.RetryEligibleAt == nil || inc.RetryEligibleAt.After(now) {
			continue
		}
		if inc.RetryLockUntil != nil && inc.RetryLockUntil.After(now) {
			continue
		}
		if best == nil || inc.RetryEligibleAt.Before(*best.RetryEligibleAt) {
			best = inc
		}
	}
	if best == nil {
		return nil, nil
	}

	best.RetryLockUntil = &lockUntil
	best.RetryLockBy = workerID
	best.UpdatedAt = now

	cp := *best
	return &cp, nil
}

// ApplyRetryAttempt persists the outcome of one claimed retry attempt and
// releases the lock it held. It takes plain fields rather than
// retryexec.ApplyResult directly: retryexec imports this package to define
// ClaimStore, so this package cannot import retryexec back. The memstore
// adapter package unpacks retryexec.ApplyResult into this call.
func (r *MemoryRepository) ApplyRetryAttempt(_ context.Context, id string, newStatus Status, attemptCount int, retryEligibleAt, retryExhaustedAt *time.Time, success bool, resolutionReason ResolutionReason, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil
	}
	inc.Status = newStatus
	inc.RetryAttemptCount = attemptCount
	inc.RetryEligibleAt = retryEligibleAt
	inc.RetryExhaustedAt = retryExhaustedAt
	inc.RetrySuccess = success
	inc.RetryLastAttemptAt = &now
	inc.RetryLockUntil = nil
	inc.RetryLockBy = ""
	if resolutionReason != "" {
		inc.ResolutionReason = resolutionReason
	}
	inc.UpdatedAt = now
	return nil
}

// ReleaseLock implements retryexec.ClaimStore for defensive cleanup when a
// claimed incident's processing raised an unexpected error mid-batch.
func (r *MemoryRepository) ReleaseLock(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil
	}
	inc.RetryLockUntil = nil
	inc.RetryLockBy = ""
	return nil
}

// ApplyRecomputeMutation persists the outcome of a C12 recompute pass,
// mirroring the postgres Store's column-level mutation per outcome, except
// that a reclassification here also stores the new action hint, which the
// postgres Store does not persist. It
// takes the outcome's fields directly rather than recompute.Result: the
// recompute package imports this package for the incident domain types it
// reclassifies, so this package cannot import recompute back. The memstore
// adapter package unpacks recompute.Result into this call. outcome is one
// of "resolved", "reclassified", "unchanged".
func (r *MemoryRepository) ApplyRecomputeMutation(_ context.Context, id string, outcome string, newPrimaryFlag string, newCategory quality.Category, newSeverity quality.Severity, newSecondaryFlags, newAllFlags []string, newActionHint *quality.ActionHint, resolutionReason ResolutionReason, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil
	}
	switch outcome {
	case "resolved":
		inc.Status = StatusResolved
		inc.ResolutionReason = resolutionReason
		resolvedAt := now
		inc.ResolvedAt = &resolvedAt
	case "reclassified":
		inc.PreviousPrimaryFlag = inc.PrimaryFlag
		inc.PrimaryFlag = newPrimaryFlag
		inc.Category = newCategory
		inc.Severity = newSeverity
		inc.SecondaryFlags = newSecondaryFlags
		inc.AllFlags = newAllFlags
		inc.ActionHint = newActionHint
		reclassifiedAt := now
		inc.ReclassifiedAt = &reclassifiedAt
		inc.RecomputeCount++
	case "unchanged":
		inc.RecomputeCount++
	}
	inc.UpdatedAt = now
	return nil
}

// ApplyRecomputeLimitExceeded implements orchestrator.Store for the
// recompute_count >= MAX_RECOMPUTE_COUNT short-circuit, which never calls
// into C12 at all.
func (r *MemoryRepository) ApplyRecomputeLimitExceeded(_ context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil
	}
	inc.Status = StatusOpen
	inc.ResolutionReason = ResolutionRecomputeLimitExceeded
	inc.UpdatedAt = now
	return nil
}

// FindStuckPendingRecompute implements orchestrator.Store's stuck sweep:
// incidents left in PENDING_RECOMPUTE past the configured STUCK_MINUTES,
// typically because a worker crashed between the retry success and the
// recompute step.
func (r *MemoryRepository) FindStuckPendingRecompute(_ context.Context, olderThan time.Time) ([]Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Incident
	for _, inc := range r.incidents {
		if inc.Status != StatusPendingRecompute || !inc.UpdatedAt.Before(olderThan) {
			continue
		}
		out = append(out, *inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
