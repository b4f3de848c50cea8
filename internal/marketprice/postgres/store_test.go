package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/r3e-network/invoice-qa-engine/internal/marketprice"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func TestRecordStore_Get_NoRowsReturnsNil(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewRecordStore(db)

	mock.ExpectQuery("SELECT id, price_type, period").
		WithArgs("PTF", "2025-01").
		WillReturnRows(sqlmock.NewRows(nil))

	rec, err := store.Get(context.Background(), "PTF", "2025-01")
	require.NoError(t, err)
	require.Nil(t, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStore_Get_MapsRow(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewRecordStore(db)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "price_type", "period", "value_cents", "status", "source",
		"captured_at", "change_reason", "updated_by", "is_locked", "created_at", "updated_at"}
	mock.ExpectQuery("SELECT id, price_type, period").
		WithArgs("PTF", "2025-01").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"rec-1", "PTF", "2025-01", int64(290000), "final", "epias_manual",
			now, "seed", "ops", false, now, now))

	rec, err := store.Get(context.Background(), "PTF", "2025-01")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, 2900.0, rec.Value)
	require.Equal(t, marketprice.StatusFinal, rec.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStore_Update_NoRowsAffectedErrors(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewRecordStore(db)

	mock.ExpectExec("UPDATE market_price_records").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), marketprice.Record{ID: "missing"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryStore_Append_InsertsRow(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewHistoryStore(db)

	mock.ExpectExec("INSERT INTO price_change_history").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Append(context.Background(), marketprice.HistoryEntry{
		ID: "h1", PriceRecordID: "rec-1", PriceType: "PTF", Period: "2025-01",
		Action: marketprice.ActionInsert, NewValue: 2900, NewStatus: marketprice.StatusProvisional,
		Source: marketprice.SourceSeed, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
