package marketprice

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Valid(t *testing.T) {
	out, warnings, err := Normalize(RawInput{
		Period: "2026-01", Value: "2894.92", Status: "provisional", ChangeReason: "seed",
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, DefaultPriceType, out.PriceType)
	assert.Equal(t, "2026-01", out.Period)
	assert.Equal(t, 2894.92, out.Value)
	assert.Equal(t, StatusProvisional, out.Status)
}

func TestNormalize_RejectsMalformedPeriod(t *testing.T) {
	_, _, err := Normalize(RawInput{Period: "2026-2", Value: "2000"})
	require.Error(t, err)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "INVALID_PERIOD_FORMAT", ve.Code)
}

func TestNormalize_RejectsDecimalComma(t *testing.T) {
	_, _, err := Normalize(RawInput{Period: "2025-01", Value: "3,5"})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "DECIMAL_COMMA_NOT_ALLOWED", ve.Code)
}

func TestNormalize_RejectsScientificNotation(t *testing.T) {
	_, _, err := Normalize(RawInput{Period: "2025-01", Value: "2.5e3"})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "INVALID_DECIMAL_FORMAT", ve.Code)
}

func TestNormalize_RejectsOutOfRangeValue(t *testing.T) {
	_, _, err := Normalize(RawInput{Period: "2025-01", Value: "20000"})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "VALUE_OUT_OF_RANGE", ve.Code)
}

func TestNormalize_RejectsTooManyDecimals(t *testing.T) {
	_, _, err := Normalize(RawInput{Period: "2025-01", Value: "2000.123"})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "TOO_MANY_DECIMALS", ve.Code)
}

func TestNormalize_WarnsOutsideTypicalRange(t *testing.T) {
	out, warnings, err := Normalize(RawInput{Period: "2025-01", Value: "500"})
	require.NoError(t, err)
	assert.NotEmpty(t, warnings)
	assert.Equal(t, 500.0, out.Value)
}

func TestNormalize_RejectsInvalidStatus(t *testing.T) {
	_, _, err := Normalize(RawInput{Period: "2025-01", Value: "2000", Status: "Final"})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "INVALID_STATUS", ve.Code)
}

func TestNormalize_RejectsFuturePeriod(t *testing.T) {
	_, _, err := Normalize(RawInput{Period: "2999-01", Value: "2000"})
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "FUTURE_PERIOD", ve.Code)
}
