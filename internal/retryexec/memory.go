package retryexec

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/invoice-qa-engine/internal/incident"
)

// MemoryClaimStore is an in-memory, single-process ClaimStore used for
// tests. A single mutex held across the whole scan-and-lock stands in for
// the WHERE lock_until IS NULL OR lock_until < now pattern a SQL backend uses.
type MemoryClaimStore struct {
	mu    sync.Mutex
	items map[string]*incident.Incident
}

// NewMemoryClaimStore builds an empty MemoryClaimStore.
func NewMemoryClaimStore() *MemoryClaimStore {
	return &MemoryClaimStore{items: make(map[string]*incident.Incident)}
}

// Put seeds an incident for claiming.
func (m *MemoryClaimStore) Put(inc incident.Incident) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := inc
	m.items[inc.ID] = &cp
}

// Get returns a copy of the stored incident, for assertions.
func (m *MemoryClaimStore) Get(id string) (*incident.Incident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.items[id]
	if !ok {
		return nil, false
	}
	cp := *inc
	return &cp, true
}

func (m *MemoryClaimStore) ClaimNext(_ context.Context, workerID string, now time.Time, lockUntil time.Time) (*incident.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *incident.Incident
	for _, inc := range m.items {
		if inc.Status != incident.StatusPendingRetry {
			continue
		}
		if inc.RetryEligibleAt != nil && inc.RetryEligibleAt.After(now) {
			continue
		}
		if inc.RetryLockUntil != nil && inc.RetryLockUntil.After(now) {
			continue
		}
		if inc.RetryExhaustedAt != nil {
			continue
		}
		if oldest == nil || inc.FirstSeenAt.Before(oldest.FirstSeenAt) {
			oldest = inc
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.RetryLockUntil = &lockUntil
	oldest.RetryLockBy = workerID
	cp := *oldest
	return &cp, nil
}

func (m *MemoryClaimStore) ApplyResult(_ context.Context, id string, result ApplyResult, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.items[id]
	if !ok {
		return nil
	}
	inc.Status = result.NewStatus
	inc.RetryAttemptCount = result.AttemptCount
	inc.RetryEligibleAt = result.RetryEligibleAt
	inc.RetryExhaustedAt = result.RetryExhaustedAt
	inc.RetrySuccess = result.Success
	inc.RetryLastAttemptAt = &now
	inc.UpdatedAt = now
	inc.RetryLockUntil = nil
	inc.RetryLockBy = ""
	if result.ResolutionReason != "" {
		inc.ResolutionReason = result.ResolutionReason
	}
	return nil
}

// All returns a snapshot of every stored incident, for sweep scans that
// need to scan by status/updated_at rather than claim eligibility.
func (m *MemoryClaimStore) All() []incident.Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]incident.Incident, 0, len(m.items))
	for _, inc := range m.items {
		out = append(out, *inc)
	}
	return out
}

func (m *MemoryClaimStore) ReleaseLock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inc, ok := m.items[id]; ok {
		inc.RetryLockUntil = nil
		inc.RetryLockBy = ""
	}
	return nil
}
