package marketprice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/r3e-network/invoice-qa-engine/pkg/logger"
)

// Business-rule errors surfaced by Store.Upsert per spec §4.7.
var (
	ErrPeriodLocked            = errors.New("PERIOD_LOCKED")
	ErrStatusDowngradeForbidden = errors.New("STATUS_DOWNGRADE_FORBIDDEN")
	ErrFinalRecordProtected     = errors.New("FINAL_RECORD_PROTECTED")
	ErrChangeReasonRequired     = errors.New("CHANGE_REASON_REQUIRED")
	ErrPeriodNotFound           = errors.New("PERIOD_NOT_FOUND")
	ErrFuturePeriod             = errors.New("FUTURE_PERIOD")
	ErrInvalidSortField         = errors.New("INVALID_SORT_FIELD")
	ErrInvalidSortOrder         = errors.New("INVALID_SORT_ORDER")
)

// HistoryStore appends and lists audit rows. Append is best-effort: a
// failure is logged by the caller and never fails the parent operation.
type HistoryStore interface {
	Append(ctx context.Context, entry HistoryEntry) error
	ListByRecord(ctx context.Context, priceRecordID string) ([]HistoryEntry, error)
}

// RecordStore persists MarketPriceRecord rows.
type RecordStore interface {
	Get(ctx context.Context, priceType, period string) (*Record, error)
	Insert(ctx context.Context, r Record) error
	Update(ctx context.Context, r Record) error
	List(ctx context.Context, f ListFilter) (ListResult, error)
}

// Store is the C7 admin store: validation is already applied by the
// caller (C6); Store enforces the status-transition and audit rules.
type Store struct {
	records RecordStore
	history HistoryStore
	log     *logger.Logger
	clock   func() time.Time
}

// New builds a Store over the given persistence backends.
func New(records RecordStore, history HistoryStore, log *logger.Logger) *Store {
	return &Store{records: records, history: history, log: log, clock: time.Now}
}

// ForCalculationResult is the record used for a tariff calculation, with a
// flag indicating the result is provisional.
type ForCalculationResult struct {
	Record            Record
	IsProvisionalUsed bool
}

// GetForCalculation implements spec §4.7's get_for_calculation lookup.
func (s *Store) GetForCalculation(ctx context.Context, period string) (*ForCalculationResult, error) {
	now := time.Now().In(istanbul).Format("2006-01")
	if period > now {
		return nil, ErrFuturePeriod
	}
	rec, err := s.records.Get(ctx, DefaultPriceType, period)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrPeriodNotFound
	}
	return &ForCalculationResult{Record: *rec, IsProvisionalUsed: rec.Status == StatusProvisional}, nil
}

// upsertDecision is the pure, side-effect-free outcome of the C7 rule
// ordering: lookup -> locked -> downgrade -> final-protected -> no-op ->
// change-reason-required. Upsert and CheckUpsert both run this chain so
// the rules are expressed exactly once.
type upsertDecision struct {
	action    string // "created" or "updated" (a no-op update keeps "updated" with changed=false)
	changed   bool
	record    Record
	oldValue  float64
	oldStatus Status
}

func decideUpsert(existing *Record, in UpsertInput, now time.Time, source Source) (upsertDecision, error) {
	if existing == nil {
		return upsertDecision{
			action:  "created",
			changed: true,
			record: Record{
				ID: uuid.NewString(), PriceType: in.PriceType, Period: in.Period,
				Value: in.Value, Status: in.Status, Source: source, CapturedAt: now,
				ChangeReason: in.ChangeReason, UpdatedBy: in.Actor, CreatedAt: now, UpdatedAt: now,
			},
		}, nil
	}

	if existing.IsLocked {
		return upsertDecision{}, ErrPeriodLocked
	}
	if existing.Status == StatusFinal && in.Status == StatusProvisional {
		return upsertDecision{}, ErrStatusDowngradeForbidden
	}
	if existing.Status == StatusFinal && in.Status == StatusFinal && existing.Value != in.Value && !in.ForceUpdate {
		return upsertDecision{}, ErrFinalRecordProtected
	}

	sameValue := existing.Value == in.Value
	sameStatus := existing.Status == in.Status
	if sameValue && sameStatus {
		return upsertDecision{action: "updated", changed: false, record: *existing}, nil
	}

	if in.ChangeReason == "" {
		return upsertDecision{}, ErrChangeReasonRequired
	}

	updated := *existing
	updated.Value = in.Value
	updated.Status = in.Status
	updated.Source = source
	updated.CapturedAt = now
	updated.ChangeReason = in.ChangeReason
	updated.UpdatedBy = in.Actor
	updated.UpdatedAt = now

	return upsertDecision{
		action: "updated", changed: true, record: updated,
		oldValue: existing.Value, oldStatus: existing.Status,
	}, nil
}

// CheckUpsert runs the same rule chain as Upsert against current store
// state without writing anything. Strict-mode bulk import uses this to
// validate an entire batch before committing any row, so a row that would
// be rejected can never leave the batch partially applied.
func (s *Store) CheckUpsert(ctx context.Context, in UpsertInput) error {
	existing, err := s.records.Get(ctx, in.PriceType, in.Period)
	if err != nil {
		return fmt.Errorf("lookup existing record: %w", err)
	}
	_, err = decideUpsert(existing, in, s.clock().UTC(), "")
	return err
}

// Upsert applies the C7 rule ordering: lookup -> locked -> downgrade ->
// final-protected -> no-op -> change-reason-required -> commit -> audit.
func (s *Store) Upsert(ctx context.Context, in UpsertInput, source Source, warnings []string) (*UpsertResult, error) {
	now := s.clock().UTC()

	existing, err := s.records.Get(ctx, in.PriceType, in.Period)
	if err != nil {
		return nil, fmt.Errorf("lookup existing record: %w", err)
	}

	decision, err := decideUpsert(existing, in, now, source)
	if err != nil {
		return nil, err
	}

	switch {
	case decision.action == "created":
		if err := s.records.Insert(ctx, decision.record); err != nil {
			return nil, fmt.Errorf("insert record: %w", err)
		}
		s.appendHistoryBestEffort(ctx, HistoryEntry{
			ID: uuid.NewString(), PriceRecordID: decision.record.ID, PriceType: decision.record.PriceType,
			Period: decision.record.Period, Action: ActionInsert, NewValue: decision.record.Value,
			NewStatus: decision.record.Status, ChangeReason: decision.record.ChangeReason,
			UpdatedBy: decision.record.UpdatedBy, Source: source, CreatedAt: now,
		})
	case decision.changed:
		if err := s.records.Update(ctx, decision.record); err != nil {
			return nil, fmt.Errorf("update record: %w", err)
		}
		oldValue, oldStatus := decision.oldValue, decision.oldStatus
		s.appendHistoryBestEffort(ctx, HistoryEntry{
			ID: uuid.NewString(), PriceRecordID: decision.record.ID, PriceType: decision.record.PriceType,
			Period: decision.record.Period, Action: ActionUpdate, OldValue: &oldValue, NewValue: decision.record.Value,
			OldStatus: &oldStatus, NewStatus: decision.record.Status, ChangeReason: decision.record.ChangeReason,
			UpdatedBy: decision.record.UpdatedBy, Source: source, CreatedAt: now,
		})
	}

	return &UpsertResult{Action: decision.action, Changed: decision.changed, Record: decision.record, Warnings: warnings}, nil
}

func (s *Store) appendHistoryBestEffort(ctx context.Context, entry HistoryEntry) {
	if err := s.history.Append(ctx, entry); err != nil {
		s.log.WithFields(map[string]interface{}{
			"price_type": entry.PriceType,
			"period":     entry.Period,
			"action":     entry.Action,
		}).Warn("market price audit history write failed: " + err.Error())
	}
}

// History returns the audit trail for (priceType, period), newest-first.
func (s *Store) History(ctx context.Context, priceType, period string) ([]HistoryEntry, error) {
	rec, err := s.records.Get(ctx, priceType, period)
	if err != nil {
		return nil, fmt.Errorf("lookup record: %w", err)
	}
	if rec == nil {
		return nil, ErrPeriodNotFound
	}
	entries, err := s.history.ListByRecord(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	return entries, nil
}

// SetLocked toggles is_locked on a record.
func (s *Store) SetLocked(ctx context.Context, priceType, period string, locked bool) (*Record, error) {
	rec, err := s.records.Get(ctx, priceType, period)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrPeriodNotFound
	}
	rec.IsLocked = locked
	rec.UpdatedAt = s.clock().UTC()
	if err := s.records.Update(ctx, *rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// List validates the sort whitelist then delegates to the backend.
func (s *Store) List(ctx context.Context, f ListFilter) (ListResult, error) {
	if f.SortBy != "" && !SortWhitelist[f.SortBy] {
		return ListResult{}, ErrInvalidSortField
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 25
	}
	return s.records.List(ctx, f)
}

// --- In-memory backend (used for tests and pilot/dev mode) ---

// MemoryRecordStore is an in-memory RecordStore, guarded by a mutex.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*Record // key: priceType + "|" + period
}

// NewMemoryRecordStore builds an empty in-memory RecordStore.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*Record)}
}

func recordKey(priceType, period string) string { return priceType + "|" + period }

func (m *MemoryRecordStore) Get(_ context.Context, priceType, period string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordKey(priceType, period)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryRecordStore) Insert(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(r.PriceType, r.Period)
	if _, exists := m.records[key]; exists {
		return fmt.Errorf("record already exists for %s", key)
	}
	cp := r
	m.records[key] = &cp
	return nil
}

func (m *MemoryRecordStore) Update(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(r.PriceType, r.Period)
	if _, exists := m.records[key]; !exists {
		return fmt.Errorf("record not found for %s", key)
	}
	cp := r
	m.records[key] = &cp
	return nil
}

func (m *MemoryRecordStore) List(_ context.Context, f ListFilter) (ListResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Record
	for _, r := range m.records {
		if f.PriceType != "" && r.PriceType != f.PriceType {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.FromPeriod != "" && r.Period < f.FromPeriod {
			continue
		}
		if f.ToPeriod != "" && r.Period > f.ToPeriod {
			continue
		}
		matched = append(matched, *r)
	}

	sortBy := f.SortBy
	if sortBy == "" {
		sortBy = "period"
	}
	sort.Slice(matched, func(i, j int) bool {
		less := compareRecords(matched[i], matched[j], sortBy)
		if f.SortDesc {
			return !less && matched[i] != matched[j]
		}
		return less
	})

	total := len(matched)
	start := (f.Page - 1) * f.PageSize
	if start > total {
		start = total
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}
	return ListResult{Items: matched[start:end], Total: total}, nil
}

func compareRecords(a, b Record, sortBy string) bool {
	switch sortBy {
	case "value":
		return a.Value < b.Value
	case "status":
		return a.Status < b.Status
	case "updated_at":
		return a.UpdatedAt.Before(b.UpdatedAt)
	default:
		return a.Period < b.Period
	}
}

// MemoryHistoryStore is an in-memory HistoryStore.
type MemoryHistoryStore struct {
	mu      sync.Mutex
	entries []HistoryEntry
}

// NewMemoryHistoryStore builds an empty in-memory HistoryStore.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{}
}

func (m *MemoryHistoryStore) Append(_ context.Context, entry HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryHistoryStore) ListByRecord(_ context.Context, priceRecordID string) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for _, e := range m.entries {
		if e.PriceRecordID == priceRecordID {
			out = append(out, e)
		}
	}
	return out, nil
}
