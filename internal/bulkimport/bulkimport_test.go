package bulkimport

import (
	"context"
	"fmt"
	"testing"

	"github.com/r3e-network/invoice-qa-engine/internal/breaker"
	"github.com/r3e-network/invoice-qa-engine/internal/config"
	"github.com/r3e-network/invoice-qa-engine/internal/marketprice"
	"github.com/r3e-network/invoice-qa-engine/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	store := marketprice.New(marketprice.NewMemoryRecordStore(), marketprice.NewMemoryHistoryStore(), logger.NewDefault("bulkimport_test"))
	return New(store)
}

func TestParseCSV_NormalizesHeaderSynonyms(t *testing.T) {
	csv := "Period,PTF_Value,Status\n2025-01,2900,provisional\n"
	rows, err := ParseCSV([]byte(csv))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2025-01", rows[0].period)
	assert.Equal(t, "2900", rows[0].value)
}

func TestParseJSON_AcceptsValueOrPTFValueSynonym(t *testing.T) {
	body := `[{"period":"2025-01","ptf_value":2900,"status":"final"}]`
	rows, err := ParseJSON([]byte(body))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2900", rows[0].value)
}

func TestParseJSON_NonObjectElementProducesPerRowErrorWithoutAbortingParse(t *testing.T) {
	body := `[{"period":"2025-01","value":2900,"status":"final"}, "not-an-object", {"period":"2025-02","value":3000,"status":"final"}]`
	rows, err := ParseJSON([]byte(body))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Nil(t, rows[0].parseErr)
	assert.Error(t, rows[1].parseErr)
	assert.Nil(t, rows[2].parseErr)
	assert.Equal(t, "2025-02", rows[2].period)
}

func TestApply_NonObjectRowIsRejectedIndividuallyInLenientMode(t *testing.T) {
	e := newTestEngine()
	rows := []Row{
		{line: 1, period: "2025-01", value: "2900", status: "final", changeReason: "initial"},
		{line: 2, parseErr: fmt.Errorf("row must be a JSON object")},
	}
	out, err := e.Apply(context.Background(), rows, false, "ops-alice")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Accepted)
	assert.Equal(t, 1, out.Rejected)
	assert.Equal(t, "INVALID_ROW_SHAPE", out.Rows[1].Error.Code)
}

func TestPreview_ClassifiesNewAndInvalidRows(t *testing.T) {
	e := newTestEngine()
	rows := []Row{
		{line: 2, period: "2025-01", value: "2900", status: "provisional"},
		{line: 3, period: "2025-2", value: "2900", status: "provisional"},
	}
	out, err := e.Preview(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 1, out.NewCount)
	assert.Equal(t, 1, out.InvalidRows)
	assert.Equal(t, 1, out.ValidRows)
}

func TestApply_StrictRollsBackWholeBatchOnAnyInvalidRow(t *testing.T) {
	e := newTestEngine()
	rows := []Row{
		{line: 2, period: "2025-01", value: "2900", status: "provisional"},
		{line: 3, period: "2025-02", value: "3,5", status: "provisional"},
	}
	out, err := e.Apply(context.Background(), rows, true, "ops-alice")
	require.NoError(t, err)
	assert.Equal(t, 0, out.Accepted)
	assert.Equal(t, 2, out.Rejected)
}

func TestApply_StrictDoesNotWriteAnyRowWhenALaterRowWouldBeRejectedByTheStore(t *testing.T) {
	store := marketprice.New(marketprice.NewMemoryRecordStore(), marketprice.NewMemoryHistoryStore(), logger.NewDefault("bulkimport_test"))
	e := New(store)

	_, err := store.Upsert(context.Background(), marketprice.UpsertInput{
		Period: "2020-01", Value: 100, Status: marketprice.StatusFinal, ChangeReason: "seed",
	}, marketprice.SourceSeed, nil)
	require.NoError(t, err)
	_, err = store.SetLocked(context.Background(), marketprice.DefaultPriceType, "2020-01", true)
	require.NoError(t, err)

	rows := []Row{
		{line: 1, period: "2020-02", value: "2900", status: "provisional"},
		{line: 2, period: "2020-01", value: "50", status: "provisional", changeReason: "correction"},
	}
	out, err := e.Apply(context.Background(), rows, true, "ops-alice")
	require.NoError(t, err)
	assert.Equal(t, 0, out.Accepted)
	assert.Equal(t, 2, out.Rejected)
	assert.Equal(t, "PERIOD_LOCKED", out.Rows[1].Error.Code)

	result, err := store.GetForCalculation(context.Background(), "2020-02")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, marketprice.ErrPeriodNotFound, "the first row must not have been written once the batch was rejected")
}

func TestApply_LenientAcceptsGoodRowsAndRejectsBadOnes(t *testing.T) {
	e := newTestEngine()
	rows := []Row{
		{line: 2, period: "2025-01", value: "2900", status: "provisional"},
		{line: 3, period: "2025-02", value: "3,5", status: "provisional"},
		{line: 4, period: "2025-03", value: "3000", status: "provisional"},
	}
	out, err := e.Apply(context.Background(), rows, false, "ops-alice")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Accepted)
	assert.Equal(t, 1, out.Rejected)
}

func TestApply_GuardedEngineStillWritesThroughTheBreaker(t *testing.T) {
	store := marketprice.New(marketprice.NewMemoryRecordStore(), marketprice.NewMemoryHistoryStore(), logger.NewDefault("bulkimport_test"))
	cfgs := map[string]config.DependencyConfig{
		"bulk_import_store": {FailureThreshold: 5, Retries: 0, TimeoutSeconds: 5},
	}
	breakers := breaker.New(cfgs, logger.NewDefault("bulkimport_test"))
	e := NewGuarded(store, cfgs, breakers)

	rows := []Row{{line: 1, period: "2025-01", value: "2900", status: "provisional"}}
	out, err := e.Apply(context.Background(), rows, false, "ops-alice")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Accepted)

	result, err := store.GetForCalculation(context.Background(), "2025-01")
	require.NoError(t, err)
	assert.Equal(t, 2900.0, result.Record.Value, "a guarded engine must still apply the write once the breaker allows it through")
}

func TestApply_SecondApplyOfSameRowIsUnchanged(t *testing.T) {
	e := newTestEngine()
	rows := []Row{{line: 2, period: "2025-01", value: "2900", status: "provisional"}}

	_, err := e.Apply(context.Background(), rows, false, "ops-alice")
	require.NoError(t, err)

	out, err := e.Apply(context.Background(), rows, false, "ops-alice")
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, OutcomeUnchanged, out.Rows[0].Outcome)
}
