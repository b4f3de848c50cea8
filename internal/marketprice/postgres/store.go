// Package postgres adapts marketprice.RecordStore and marketprice.HistoryStore
// onto the market_price_records / price_change_history tables.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/r3e-network/invoice-qa-engine/internal/marketprice"
)

// RecordStore is the postgres-backed marketprice.RecordStore.
type RecordStore struct {
	db *sqlx.DB
}

// NewRecordStore wraps an open sqlx connection.
func NewRecordStore(db *sqlx.DB) *RecordStore { return &RecordStore{db: db} }

type recordRow struct {
	ID           string    `db:"id"`
	PriceType    string    `db:"price_type"`
	Period       string    `db:"period"`
	ValueCents   int64     `db:"value_cents"`
	Status       string    `db:"status"`
	Source       string    `db:"source"`
	CapturedAt   sql.NullTime `db:"captured_at"`
	ChangeReason string    `db:"change_reason"`
	UpdatedBy    string    `db:"updated_by"`
	IsLocked     bool      `db:"is_locked"`
	CreatedAt    sql.NullTime `db:"created_at"`
	UpdatedAt    sql.NullTime `db:"updated_at"`
}

func (r recordRow) toDomain() marketprice.Record {
	return marketprice.Record{
		ID:           r.ID,
		PriceType:    r.PriceType,
		Period:       r.Period,
		Value:        float64(r.ValueCents) / 100,
		Status:       marketprice.Status(r.Status),
		Source:       marketprice.Source(r.Source),
		CapturedAt:   r.CapturedAt.Time,
		ChangeReason: r.ChangeReason,
		UpdatedBy:    r.UpdatedBy,
		IsLocked:     r.IsLocked,
		CreatedAt:    r.CreatedAt.Time,
		UpdatedAt:    r.UpdatedAt.Time,
	}
}

// Get returns the record for (priceType, period), or nil if absent.
func (s *RecordStore) Get(ctx context.Context, priceType, period string) (*marketprice.Record, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, price_type, period, value_cents, status, source, captured_at,
		       change_reason, updated_by, is_locked, created_at, updated_at
		FROM market_price_records
		WHERE price_type = $1 AND period = $2`, priceType, period)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market price record: %w", err)
	}
	rec := row.toDomain()
	return &rec, nil
}

// Insert creates a new record row.
func (s *RecordStore) Insert(ctx context.Context, r marketprice.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_price_records
			(id, price_type, period, value_cents, status, source, captured_at,
			 change_reason, updated_by, is_locked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.PriceType, r.Period, int64(r.Value*100+0.5), string(r.Status), string(r.Source),
		r.CapturedAt, r.ChangeReason, r.UpdatedBy, r.IsLocked, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert market price record: %w", err)
	}
	return nil
}

// Update overwrites the row with r's id. The UPDATE matches on id only: it
// does not check the row's current value or status, so a concurrent admin
// write is not detected. Zero rows affected (no row with that id) is
// returned as an error.
func (s *RecordStore) Update(ctx context.Context, r marketprice.Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE market_price_records
		SET value_cents = $1, status = $2, source = $3, captured_at = $4,
		    change_reason = $5, updated_by = $6, is_locked = $7, updated_at = $8
		WHERE id = $9`,
		int64(r.Value*100+0.5), string(r.Status), string(r.Source), r.CapturedAt,
		r.ChangeReason, r.UpdatedBy, r.IsLocked, r.UpdatedAt, r.ID)
	if err != nil {
		return fmt.Errorf("update market price record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update market price record: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update market price record: no row for id %s", r.ID)
	}
	return nil
}

// List runs a filtered, paginated, whitelisted-sort query.
func (s *RecordStore) List(ctx context.Context, f marketprice.ListFilter) (marketprice.ListResult, error) {
	var conds []string
	var args []interface{}
	argN := 1
	add := func(cond string, v interface{}) {
		conds = append(conds, fmt.Sprintf(cond, argN))
		args = append(args, v)
		argN++
	}
	if f.PriceType != "" {
		add("price_type = $%d", f.PriceType)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.FromPeriod != "" {
		add("period >= $%d", f.FromPeriod)
	}
	if f.ToPeriod != "" {
		add("period <= $%d", f.ToPeriod)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	sortBy := f.SortBy
	if sortBy == "" {
		sortBy = "period"
	}
	if !marketprice.SortWhitelist[sortBy] {
		return marketprice.ListResult{}, marketprice.ErrInvalidSortField
	}
	sortCol := sortBy
	if sortBy == "value" {
		sortCol = "value_cents"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}

	var total int
	countQuery := "SELECT count(*) FROM market_price_records " + where
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return marketprice.ListResult{}, fmt.Errorf("count market price records: %w", err)
	}

	limitArg, offsetArg := argN, argN+1
	query := fmt.Sprintf(`
		SELECT id, price_type, period, value_cents, status, source, captured_at,
		       change_reason, updated_by, is_locked, created_at, updated_at
		FROM market_price_records
		%s
		ORDER BY %s %s
		LIMIT $%d OFFSET $%d`, where, sortCol, dir, limitArg, offsetArg)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return marketprice.ListResult{}, fmt.Errorf("list market price records: %w", err)
	}
	items := make([]marketprice.Record, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.toDomain())
	}
	return marketprice.ListResult{Items: items, Total: total}, nil
}

// HistoryStore is the postgres-backed marketprice.HistoryStore.
type HistoryStore struct {
	db *sqlx.DB
}

// NewHistoryStore wraps an open sqlx connection.
func NewHistoryStore(db *sqlx.DB) *HistoryStore { return &HistoryStore{db: db} }

// Append inserts an audit row. Failures are best-effort from the caller's
// perspective (marketprice.Store logs and continues).
func (h *HistoryStore) Append(ctx context.Context, e marketprice.HistoryEntry) error {
	var oldValueCents, oldStatus interface{}
	if e.OldValue != nil {
		oldValueCents = int64(*e.OldValue*100 + 0.5)
	}
	if e.OldStatus != nil {
		oldStatus = string(*e.OldStatus)
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO price_change_history
			(id, price_record_id, price_type, period, action, old_value_cents, new_value_cents,
			 old_status, new_status, change_reason, updated_by, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.PriceRecordID, e.PriceType, e.Period, string(e.Action),
		oldValueCents, int64(e.NewValue*100+0.5), oldStatus, string(e.NewStatus),
		e.ChangeReason, e.UpdatedBy, string(e.Source), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append price change history: %w", err)
	}
	return nil
}

type historyRow struct {
	ID            string        `db:"id"`
	PriceRecordID string        `db:"price_record_id"`
	PriceType     string        `db:"price_type"`
	Period        string        `db:"period"`
	Action        string        `db:"action"`
	OldValueCents sql.NullInt64 `db:"old_value_cents"`
	NewValueCents int64         `db:"new_value_cents"`
	OldStatus     sql.NullString `db:"old_status"`
	NewStatus     string        `db:"new_status"`
	ChangeReason  string        `db:"change_reason"`
	UpdatedBy     string        `db:"updated_by"`
	Source        string        `db:"source"`
	CreatedAt     sql.NullTime  `db:"created_at"`
}

func (r historyRow) toDomain() marketprice.HistoryEntry {
	e := marketprice.HistoryEntry{
		ID: r.ID, PriceRecordID: r.PriceRecordID, PriceType: r.PriceType, Period: r.Period,
		Action: marketprice.HistoryAction(r.Action), NewValue: float64(r.NewValueCents) / 100,
		NewStatus: marketprice.Status(r.NewStatus), ChangeReason: r.ChangeReason,
		UpdatedBy: r.UpdatedBy, Source: marketprice.Source(r.Source), CreatedAt: r.CreatedAt.Time,
	}
	if r.OldValueCents.Valid {
		v := float64(r.OldValueCents.Int64) / 100
		e.OldValue = &v
	}
	if r.OldStatus.Valid {
		st := marketprice.Status(r.OldStatus.String)
		e.OldStatus = &st
	}
	return e
}

// ListByRecord returns every audit row for a given price record.
func (h *HistoryStore) ListByRecord(ctx context.Context, priceRecordID string) ([]marketprice.HistoryEntry, error) {
	var rows []historyRow
	err := h.db.SelectContext(ctx, &rows, `
		SELECT id, price_record_id, price_type, period, action, old_value_cents, new_value_cents,
		       old_status, new_status, change_reason, updated_by, source, created_at
		FROM price_change_history
		WHERE price_record_id = $1`, priceRecordID)
	if err != nil {
		return nil, fmt.Errorf("list price change history: %w", err)
	}
	out := make([]marketprice.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
