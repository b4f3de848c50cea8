// Package postgres adapts incident.Repository and the retry claim/apply
// cycle onto the incidents table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/r3e-network/invoice-qa-engine/internal/incident"
	"github.com/r3e-network/invoice-qa-engine/internal/quality"
	"github.com/r3e-network/invoice-qa-engine/internal/recompute"
	"github.com/r3e-network/invoice-qa-engine/internal/retryexec"
)

// Store is the postgres-backed incident.Repository and retryexec.ClaimStore.
type Store struct {
	db *sqlx.DB
}

// New wraps an open sqlx connection.
func New(db *sqlx.DB) *Store { return &Store{db: db} }

type incidentRow struct {
	ID                  string         `db:"id"`
	TenantID            string         `db:"tenant_id"`
	TraceID             string         `db:"trace_id"`
	Fingerprint         string         `db:"fingerprint"`
	DedupeKey           string         `db:"dedupe_key"`
	Severity            string         `db:"severity"`
	Category            string         `db:"category"`
	PrimaryFlag         string         `db:"primary_flag"`
	PreviousPrimaryFlag string         `db:"previous_primary_flag"`
	SecondaryFlags      pq.StringArray `db:"secondary_flags"`
	AllFlags            pq.StringArray `db:"all_flags"`
	Status              string         `db:"status"`
	ResolutionReason    string         `db:"resolution_reason"`
	ActionType          string         `db:"action_type"`
	ActionOwner         string         `db:"action_owner"`
	ActionCode          string         `db:"action_code"`
	ActionHint          string         `db:"action_hint"`
	RoutedPayload       []byte         `db:"routed_payload"`
	OccurrenceCount     int            `db:"occurrence_count"`
	FirstSeenAt         time.Time      `db:"first_seen_at"`
	LastSeenAt          time.Time      `db:"last_seen_at"`
	ResolvedAt          sql.NullTime   `db:"resolved_at"`
	ReclassifiedAt      sql.NullTime   `db:"reclassified_at"`
	RetryAttemptCount   int            `db:"retry_attempt_count"`
	RetryEligibleAt     sql.NullTime   `db:"retry_eligible_at"`
	RetryLockUntil      sql.NullTime   `db:"retry_lock_until"`
	RetryLockBy         string         `db:"retry_lock_by"`
	RetryLastAttemptAt  sql.NullTime   `db:"retry_last_attempt_at"`
	RetryExhaustedAt    sql.NullTime   `db:"retry_exhausted_at"`
	RetrySuccess        bool           `db:"retry_success"`
	RecomputeCount      int            `db:"recompute_count"`
	Feedback            []byte         `db:"feedback"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func (r incidentRow) toDomain() incident.Incident {
	var payload, feedback map[string]interface{}
	_ = json.Unmarshal(r.RoutedPayload, &payload)
	if len(r.Feedback) > 0 {
		_ = json.Unmarshal(r.Feedback, &feedback)
	}
	return incident.Incident{
		ID: r.ID, TenantID: r.TenantID, TraceID: r.TraceID, Fingerprint: r.Fingerprint, DedupeKey: r.DedupeKey,
		Severity: quality.Severity(r.Severity), Category: quality.Category(r.Category),
		PrimaryFlag: r.PrimaryFlag, PreviousPrimaryFlag: r.PreviousPrimaryFlag,
		SecondaryFlags: []string(r.SecondaryFlags), AllFlags: []string(r.AllFlags),
		Status: incident.Status(r.Status), ResolutionReason: incident.ResolutionReason(r.ResolutionReason),
		Action: incident.Action{
			Type: quality.ActionType(r.ActionType), Owner: quality.ActionOwner(r.ActionOwner),
			Code: r.ActionCode, Hint: r.ActionHint,
		},
		RoutedPayload: payload, OccurrenceCount: r.OccurrenceCount,
		FirstSeenAt: r.FirstSeenAt, LastSeenAt: r.LastSeenAt,
		ResolvedAt: timePtr(r.ResolvedAt), ReclassifiedAt: timePtr(r.ReclassifiedAt),
		RetryAttemptCount: r.RetryAttemptCount, RetryEligibleAt: timePtr(r.RetryEligibleAt),
		RetryLockUntil: timePtr(r.RetryLockUntil), RetryLockBy: r.RetryLockBy,
		RetryLastAttemptAt: timePtr(r.RetryLastAttemptAt), RetryExhaustedAt: timePtr(r.RetryExhaustedAt),
		RetrySuccess: r.RetrySuccess, RecomputeCount: r.RecomputeCount, Feedback: feedback,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// FindActiveByDedupeKey implements incident.Repository.
func (s *Store) FindActiveByDedupeKey(ctx context.Context, dedupeKey string, since time.Time) (*incident.Incident, error) {
	var row incidentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, tenant_id, trace_id, fingerprint, dedupe_key, severity, category, primary_flag,
		       previous_primary_flag, secondary_flags, all_flags, status, resolution_reason,
		       action_type, action_owner, action_code, action_hint, routed_payload, occurrence_count,
		       first_seen_at, last_seen_at, resolved_at, reclassified_at, retry_attempt_count,
		       retry_eligible_at, retry_lock_until, retry_lock_by, retry_last_attempt_at,
		       retry_exhausted_at, retry_success, recompute_count, feedback, created_at, updated_at
		FROM incidents
		WHERE dedupe_key = $1 AND status != 'RESOLVED' AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1`, dedupeKey, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active incident: %w", err)
	}
	inc := row.toDomain()
	return &inc, nil
}

// IncrementOccurrence implements incident.Repository.
func (s *Store) IncrementOccurrence(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET occurrence_count = occurrence_count + 1, last_seen_at = $1, updated_at = $1
		WHERE id = $2`, now, id)
	if err != nil {
		return fmt.Errorf("increment occurrence: %w", err)
	}
	return nil
}

// Insert implements incident.Repository.
func (s *Store) Insert(ctx context.Context, inc incident.Incident) error {
	payload, err := json.Marshal(inc.RoutedPayload)
	if err != nil {
		return fmt.Errorf("marshal routed payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents
			(id, tenant_id, trace_id, fingerprint, dedupe_key, severity, category, primary_flag,
			 secondary_flags, all_flags, status, action_type, action_owner, action_code, action_hint,
			 routed_payload, occurrence_count, first_seen_at, last_seen_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		inc.ID, inc.TenantID, inc.TraceID, inc.Fingerprint, inc.DedupeKey, string(inc.Severity), string(inc.Category),
		inc.PrimaryFlag, pq.Array(inc.SecondaryFlags), pq.Array(inc.AllFlags), string(inc.Status),
		string(inc.Action.Type), string(inc.Action.Owner), inc.Action.Code, inc.Action.Hint,
		payload, inc.OccurrenceCount, inc.FirstSeenAt, inc.LastSeenAt, inc.CreatedAt, inc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert incident: %w", err)
	}
	return nil
}

// ClaimNext implements retryexec.ClaimStore with a FOR UPDATE SKIP LOCKED
// transaction: contended rows are skipped rather than blocked on, so
// multiple worker processes can claim distinct incidents concurrently.
func (s *Store) ClaimNext(ctx context.Context, workerID string, now time.Time, lockUntil time.Time) (*incident.Incident, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row incidentRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, tenant_id, trace_id, fingerprint, dedupe_key, severity, category, primary_flag,
		       previous_primary_flag, secondary_flags, all_flags, status, resolution_reason,
		       action_type, action_owner, action_code, action_hint, routed_payload, occurrence_count,
		       first_seen_at, last_seen_at, resolved_at, reclassified_at, retry_attempt_count,
		       retry_eligible_at, retry_lock_until, retry_lock_by, retry_last_attempt_at,
		       retry_exhausted_at, retry_success, recompute_count, feedback, created_at, updated_at
		FROM incidents
		WHERE status = 'PENDING_RETRY'
		  AND retry_eligible_at <= $1
		  AND (retry_lock_until IS NULL OR retry_lock_until < $1)
		  AND retry_exhausted_at IS NULL
		ORDER BY retry_eligible_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable incident: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE incidents SET retry_lock_until = $1, retry_lock_by = $2, updated_at = $3 WHERE id = $4`,
		lockUntil, workerID, now, row.ID); err != nil {
		return nil, fmt.Errorf("lock claimed incident: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	inc := row.toDomain()
	inc.RetryLockBy = workerID
	inc.RetryLockUntil = &lockUntil
	return &inc, nil
}

// ApplyResult implements retryexec.ClaimStore: persists the retry outcome
// and clears the lock unconditionally (the claim already proved ownership).
func (s *Store) ApplyResult(ctx context.Context, id string, result retryexec.ApplyResult, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		SET status = $1, retry_attempt_count = $2, retry_eligible_at = $3, retry_exhausted_at = $4,
		    retry_success = $5, retry_last_attempt_at = $6, retry_lock_until = NULL, retry_lock_by = '',
		    resolution_reason = CASE WHEN $7 != '' THEN $7 ELSE resolution_reason END, updated_at = $6
		WHERE id = $8`,
		string(result.NewStatus), result.AttemptCount, nullableTime(result.RetryEligibleAt),
		nullableTime(result.RetryExhaustedAt), result.Success, now, string(result.ResolutionReason), id)
	if err != nil {
		return fmt.Errorf("apply retry result: %w", err)
	}
	return nil
}

// ReleaseLock implements retryexec.ClaimStore for defensive cleanup when a
// claimed incident's processing raised an unexpected error mid-batch.
func (s *Store) ReleaseLock(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE incidents SET retry_lock_until = NULL, retry_lock_by = '' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ApplyRecompute implements orchestrator.Store: persists the outcome of a
// C12 recompute pass. The structured quality.ActionHint carried on a
// reclassification result is not persisted as its own column — it is
// regenerable on demand from primary_flag and the current mismatch
// evidence, so only the primary/category/severity/flag-list state moves.
func (s *Store) ApplyRecompute(ctx context.Context, id string, result recompute.Result, now time.Time) error {
	var err error
	switch result.Outcome {
	case recompute.OutcomeResolved:
		_, err = s.db.ExecContext(ctx, `
			UPDATE incidents SET status = 'RESOLVED', resolution_reason = $1, resolved_at = $2, updated_at = $2
			WHERE id = $3`, string(result.ResolutionReason), now, id)
	case recompute.OutcomeReclassified:
		_, err = s.db.ExecContext(ctx, `
			UPDATE incidents
			SET previous_primary_flag = primary_flag, primary_flag = $1, category = $2, severity = $3,
			    secondary_flags = $4, all_flags = $5, reclassified_at = $6, recompute_count = recompute_count + 1,
			    updated_at = $6
			WHERE id = $7`,
			result.NewPrimaryFlag, string(result.NewCategory), string(result.NewSeverity),
			pq.Array(result.NewSecondaryFlags), pq.Array(result.NewAllFlags), now, id)
	case recompute.OutcomeUnchanged:
		_, err = s.db.ExecContext(ctx, `
			UPDATE incidents SET recompute_count = recompute_count + 1, updated_at = $1 WHERE id = $2`, now, id)
	}
	if err != nil {
		return fmt.Errorf("apply recompute result: %w", err)
	}
	return nil
}

// ApplyRecomputeLimitExceeded implements orchestrator.Store for the
// recompute_count >= MAX_RECOMPUTE_COUNT short-circuit, which never calls
// into C12 at all.
func (s *Store) ApplyRecomputeLimitExceeded(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET status = 'OPEN', resolution_reason = $1, updated_at = $2 WHERE id = $3`,
		string(incident.ResolutionRecomputeLimitExceeded), now, id)
	if err != nil {
		return fmt.Errorf("apply recompute limit exceeded: %w", err)
	}
	return nil
}

// FindStuckPendingRecompute implements orchestrator.Store's stuck sweep:
// incidents left in PENDING_RECOMPUTE past the configured STUCK_MINUTES,
// typically because a worker crashed between the retry success and the
// recompute step.
func (s *Store) FindStuckPendingRecompute(ctx context.Context, olderThan time.Time) ([]incident.Incident, error) {
	var rows []incidentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, trace_id, fingerprint, dedupe_key, severity, category, primary_flag,
		       previous_primary_flag, secondary_flags, all_flags, status, resolution_reason,
		       action_type, action_owner, action_code, action_hint, routed_payload, occurrence_count,
		       first_seen_at, last_seen_at, resolved_at, reclassified_at, retry_attempt_count,
		       retry_eligible_at, retry_lock_until, retry_lock_by, retry_last_attempt_at,
		       retry_exhausted_at, retry_success, recompute_count, feedback, created_at, updated_at
		FROM incidents
		WHERE status = 'PENDING_RECOMPUTE' AND updated_at < $1
		ORDER BY updated_at`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("find stuck pending-recompute incidents: %w", err)
	}
	out := make([]incident.Incident, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

const incidentColumns = `
	id, tenant_id, trace_id, fingerprint, dedupe_key, severity, category, primary_flag,
	previous_primary_flag, secondary_flags, all_flags, status, resolution_reason,
	action_type, action_owner, action_code, action_hint, routed_payload, occurrence_count,
	first_seen_at, last_seen_at, resolved_at, reclassified_at, retry_attempt_count,
	retry_eligible_at, retry_lock_until, retry_lock_by, retry_last_attempt_at,
	retry_exhausted_at, retry_success, recompute_count, feedback, created_at, updated_at`

// List implements incident.AdminRepository for the admin incident listing
// endpoint: filterable by tenant/status/category/severity, paginated.
func (s *Store) List(ctx context.Context, f incident.ListFilter) (incident.ListResult, error) {
	where := "WHERE 1=1"
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TenantID != "" {
		where += " AND tenant_id = " + arg(f.TenantID)
	}
	if f.Status != "" {
		where += " AND status = " + arg(string(f.Status))
	}
	if f.Category != "" {
		where += " AND category = " + arg(f.Category)
	}
	if f.Severity != "" {
		where += " AND severity = " + arg(f.Severity)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT count(*) FROM incidents "+where, args...); err != nil {
		return incident.ListResult{}, fmt.Errorf("count incidents: %w", err)
	}

	page, pageSize := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 25
	}
	offset := (page - 1) * pageSize
	limitArg, offsetArg := arg(pageSize), arg(offset)

	var rows []incidentRow
	query := fmt.Sprintf(`SELECT %s FROM incidents %s ORDER BY first_seen_at DESC LIMIT %s OFFSET %s`,
		incidentColumns, where, limitArg, offsetArg)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return incident.ListResult{}, fmt.Errorf("list incidents: %w", err)
	}

	items := make([]incident.Incident, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toDomain())
	}
	return incident.ListResult{Items: items, Total: total}, nil
}

// GetByID implements incident.AdminRepository.
func (s *Store) GetByID(ctx context.Context, id string) (*incident.Incident, error) {
	var row incidentRow
	err := s.db.GetContext(ctx, &row, "SELECT "+incidentColumns+" FROM incidents WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	inc := row.toDomain()
	return &inc, nil
}

// UpdateStatus implements incident.AdminRepository, the manual override an
// operator uses to acknowledge or force-resolve an incident.
func (s *Store) UpdateStatus(ctx context.Context, id string, status incident.Status, reason incident.ResolutionReason, actor string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE incidents
		SET status = $1,
		    resolution_reason = CASE WHEN $1 = 'RESOLVED' THEN $2 ELSE resolution_reason END,
		    resolved_at = CASE WHEN $1 = 'RESOLVED' THEN $3 ELSE resolved_at END,
		    updated_at = $3
		WHERE id = $4`, string(status), string(reason), now, id)
	if err != nil {
		return fmt.Errorf("update incident status: %w", err)
	}
	_ = actor // audit trail captures the acting admin at the HTTP layer
	return nil
}

// RecordFeedback implements incident.AdminRepository.
func (s *Store) RecordFeedback(ctx context.Context, id string, feedback map[string]interface{}, now time.Time) error {
	b, err := json.Marshal(feedback)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE incidents SET feedback = $1, updated_at = $2 WHERE id = $3`, b, now, id)
	if err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	return nil
}
