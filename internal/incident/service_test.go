package incident

import (
	"context"
	"testing"

	"github.com/r3e-network/invoice-qa-engine/internal/quality"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseInput() ProcessInput {
	return ProcessInput{
		TenantID: "default",
		TraceID:  "trace-1",
		Fingerprint: FingerprintInputs{
			Supplier: "acme-energy", InvoiceNo: "INV-001", Period: "2025-01",
			ConsumptionKWh: 1200, TotalAmount: 48800,
		},
		Period: "2025-01",
		Score: quality.Score{
			FlagDetails: []quality.FlagDetail{
				{Code: quality.FlagCalcBug, Severity: quality.S1},
				{Code: quality.FlagLowConfidence, Severity: quality.S3},
			},
		},
		ExtractionConfidence: 0.95,
	}
}

func TestProcess_NoS1S2FlagsDoesNothing(t *testing.T) {
	repo := NewMemoryRepository()
	svc := New(repo)

	in := baseInput()
	in.Score.FlagDetails = []quality.FlagDetail{{Code: quality.FlagLowConfidence, Severity: quality.S3}}

	inc, created, err := svc.Process(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Nil(t, inc)
}

func TestProcess_InsertsNewIncidentWithPrimaryAndSecondary(t *testing.T) {
	repo := NewMemoryRepository()
	svc := New(repo)

	inc, created, err := svc.Process(context.Background(), baseInput())
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, quality.FlagCalcBug, inc.PrimaryFlag)
	assert.Equal(t, quality.CategoryCalcBug, inc.Category)
	assert.Equal(t, 1, inc.OccurrenceCount)
	assert.Equal(t, StatusOpen, inc.Status)
}

func TestProcess_SecondCallWithinWindowIncrementsOccurrence(t *testing.T) {
	repo := NewMemoryRepository()
	svc := New(repo)

	first, created, err := svc.Process(context.Background(), baseInput())
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.Process(context.Background(), baseInput())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.OccurrenceCount)

	stored, ok := repo.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, 2, stored.OccurrenceCount)
}

func TestProcess_DifferentInvoiceProducesSeparateIncident(t *testing.T) {
	repo := NewMemoryRepository()
	svc := New(repo)

	in1 := baseInput()
	in2 := baseInput()
	in2.Fingerprint.InvoiceNo = "INV-002"

	a, created, err := svc.Process(context.Background(), in1)
	require.NoError(t, err)
	require.True(t, created)

	b, created, err := svc.Process(context.Background(), in2)
	require.NoError(t, err)
	require.True(t, created)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestProcess_MismatchIncidentCarriesActionHint(t *testing.T) {
	repo := NewMemoryRepository()
	svc := New(repo)

	in := baseInput()
	mismatch := quality.MismatchInfo{HasMismatch: true, Severity: quality.S2, Delta: 380, Ratio: 0.008}
	in.Mismatch = &mismatch
	in.Score.FlagDetails = []quality.FlagDetail{{Code: quality.FlagInvoiceTotalMismatch, Severity: quality.S2}}

	inc, created, err := svc.Process(context.Background(), in)
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, inc.ActionHint)
	assert.Equal(t, quality.ActionClassVerifyInvoiceLogic, inc.ActionHint.ActionClass)
}
