package quality

import (
	"testing"

	"github.com/r3e-network/invoice-qa-engine/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultMismatchThresholds() config.MismatchThresholds {
	return config.MismatchThresholds{
		Ratio: 0.05, Absolute: 50.0, SevereRatio: 0.20, SevereAbsolute: 500.0,
		RoundingAbs: 10.0, RoundingRatio: 0.005, OCRSuspectRatio: 1.0,
	}
}

func TestClassifyMismatch_RoundingToleranceNoFlag(t *testing.T) {
	info := ClassifyMismatch(48500, 48495, 0.95, defaultMismatchThresholds(), 0.7)
	assert.False(t, info.HasMismatch)
	assert.True(t, info.RoundingAccept)
}

func TestClassifyMismatch_S2Band(t *testing.T) {
	info := ClassifyMismatch(48800, 48420, 0.90, defaultMismatchThresholds(), 0.7)
	require.True(t, info.HasMismatch)
	assert.Equal(t, S2, info.Severity)
}

func TestClassifyMismatch_S1SevereBand(t *testing.T) {
	info := ClassifyMismatch(100000, 48420, 0.95, defaultMismatchThresholds(), 0.7)
	require.True(t, info.HasMismatch)
	assert.Equal(t, S1, info.Severity)
}

func TestClassifyMismatch_OCRSuspectEscalatesToS1(t *testing.T) {
	info := ClassifyMismatch(100000, 48420, 0.55, defaultMismatchThresholds(), 0.7)
	require.True(t, info.HasMismatch)
	assert.Equal(t, "OCR_LOCALE_SUSPECT", info.SuspectReason)
	assert.Equal(t, S1, info.Severity)
}

func TestNormalizeFlags_DedupesAndOrdersByPriority(t *testing.T) {
	details := []FlagDetail{
		{Code: FlagLowConfidence},
		{Code: FlagCalcBug},
		{Code: FlagLowConfidence},
		{Code: FlagMarketPriceMissing},
	}
	normalized := NormalizeFlags(details)
	require.Len(t, normalized, 3)
	assert.Equal(t, FlagCalcBug, normalized[0].Code)
	assert.Equal(t, FlagMarketPriceMissing, normalized[1].Code)
	assert.Equal(t, FlagLowConfidence, normalized[2].Code)
}

func TestNormalizeFlags_IsIdempotent(t *testing.T) {
	details := []FlagDetail{{Code: FlagOutlierConsumption}, {Code: FlagCalcBug}}
	once := NormalizeFlags(details)
	twice := NormalizeFlags(once)
	assert.Equal(t, once, twice)
}

func TestPrimary_CalcBugBeatsMarketPriceMissingRegardlessOfOrder(t *testing.T) {
	a, ok := Primary([]FlagDetail{{Code: FlagMarketPriceMissing}, {Code: FlagCalcBug}})
	require.True(t, ok)
	b, ok := Primary([]FlagDetail{{Code: FlagCalcBug}, {Code: FlagMarketPriceMissing}})
	require.True(t, ok)
	assert.Equal(t, FlagCalcBug, a.Code)
	assert.Equal(t, a.Code, b.Code)
}

func TestDeriveFlags_ConsumptionMissingTakesPriorityOverGenericMissingFields(t *testing.T) {
	in := Input{Validation: &Validation{
		IsReadyForPricing: false,
		MissingFields:      []string{"consumption_kwh", "supplier"},
	}}
	details := DeriveFlags(in)
	require.Len(t, details, 1)
	assert.Equal(t, FlagConsumptionMissing, details[0].Code)
}

func TestDeriveFlags_CalcBugRequiresPositiveConsumptionAndResolvedSource(t *testing.T) {
	in := Input{Calculation: &Calculation{
		MetaDistributionSource: "found", DistributionTotal: 0, ConsumptionKWh: 1200,
	}}
	details := DeriveFlags(in)
	require.Len(t, details, 1)
	assert.Equal(t, FlagCalcBug, details[0].Code)
}

func TestDeriveFlags_MismatchCarriesSeverityFromPrecomputedInfo(t *testing.T) {
	mismatch := MismatchInfo{HasMismatch: true, Delta: 380, Ratio: 0.0078, Severity: S2}
	in := Input{
		Calculation: &Calculation{MetaTotalMismatch: true},
		Mismatch:    &mismatch,
	}
	details := DeriveFlags(in)
	require.Len(t, details, 1)
	assert.Equal(t, FlagInvoiceTotalMismatch, details[0].Code)
	assert.Equal(t, S2, details[0].Severity)
}

func TestCompute_ScoreAndGradeFromDeductions(t *testing.T) {
	in := Input{Validation: &Validation{IsReadyForPricing: false, MissingFields: []string{"supplier"}}}
	score := Compute(in)
	assert.Equal(t, 80, score.Value)
	assert.Equal(t, GradeOK, score.Grade)
}

func TestGenerateActionHint_OCRSuspectChecklist(t *testing.T) {
	mismatch := MismatchInfo{HasMismatch: true, SuspectReason: "OCR_LOCALE_SUSPECT"}
	hint := GenerateActionHint(FlagInvoiceTotalMismatch, &mismatch, 0.55)
	require.NotNil(t, hint)
	assert.Equal(t, ActionClassVerifyOCR, hint.ActionClass)
}

func TestGenerateActionHint_NonMismatchFlagReturnsNil(t *testing.T) {
	mismatch := MismatchInfo{HasMismatch: true}
	assert.Nil(t, GenerateActionHint(FlagCalcBug, &mismatch, 1.0))
}

func TestFlagToCategory_MapsKnownCodes(t *testing.T) {
	assert.Equal(t, CategoryCalcBug, FlagToCategory(FlagCalcBug))
	assert.Equal(t, CategoryMismatch, FlagToCategory(FlagInvoiceTotalMismatch))
	assert.Equal(t, CategoryOutlier, FlagToCategory(FlagOutlierPTF))
	assert.Equal(t, CategoryValidationFail, FlagToCategory(FlagValidationWarnings))
}
