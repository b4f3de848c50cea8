package marketprice

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ValidationError is a stable enum-coded error raised by the validator.
// Codes are the closed set in spec §4.6.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func validationErr(code, msg string) error {
	return &ValidationError{Code: code, Message: msg}
}

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

var allowedPriceTypes = map[string]bool{DefaultPriceType: true}

var allowedStatuses = map[string]Status{
	"provisional": StatusProvisional,
	"final":       StatusFinal,
}

// istanbul is the fixed reporting timezone for period comparisons.
var istanbul = mustLoadIstanbul()

func mustLoadIstanbul() *time.Location {
	loc, err := time.LoadLocation("Europe/Istanbul")
	if err != nil {
		return time.FixedZone("Europe/Istanbul", 3*60*60)
	}
	return loc
}

// RawInput is the unnormalized request body accepted by Normalize.
type RawInput struct {
	PriceType    string
	Period       string
	Value        string
	Status       string
	ChangeReason string
	ForceUpdate  bool
}

// Normalize performs pure input normalization (trim only — no silent
// reformatting) and returns stable error_code failures per spec §4.6.
func Normalize(in RawInput) (UpsertInput, []string, error) {
	var warnings []string

	priceType := strings.TrimSpace(in.PriceType)
	if priceType == "" {
		priceType = DefaultPriceType
	}
	if !allowedPriceTypes[priceType] {
		return UpsertInput{}, nil, validationErr("INVALID_PRICE_TYPE", fmt.Sprintf("unknown price_type %q", priceType))
	}

	period := strings.TrimSpace(in.Period)
	if !periodPattern.MatchString(period) {
		return UpsertInput{}, nil, validationErr("INVALID_PERIOD_FORMAT", fmt.Sprintf("period %q does not match YYYY-MM", period))
	}
	if err := rejectFuturePeriod(period); err != nil {
		return UpsertInput{}, nil, err
	}

	valueStr := strings.TrimSpace(in.Value)
	if valueStr == "" {
		return UpsertInput{}, nil, validationErr("VALUE_REQUIRED", "value is required")
	}
	if strings.Contains(valueStr, ",") {
		return UpsertInput{}, nil, validationErr("DECIMAL_COMMA_NOT_ALLOWED", "value must use '.' as decimal separator")
	}
	if strings.ContainsAny(valueStr, "eE") {
		return UpsertInput{}, nil, validationErr("INVALID_DECIMAL_FORMAT", "scientific notation is not allowed")
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return UpsertInput{}, nil, validationErr("INVALID_DECIMAL_FORMAT", fmt.Sprintf("malformed numeric value %q", valueStr))
	}
	if value <= 0 || value > 10000 {
		return UpsertInput{}, nil, validationErr("VALUE_OUT_OF_RANGE", "value must be in (0, 10000]")
	}
	if decimalPlaces(valueStr) > 2 {
		return UpsertInput{}, nil, validationErr("TOO_MANY_DECIMALS", "value must have at most 2 fractional digits")
	}
	if value < 1000 || value > 5000 {
		warnings = append(warnings, fmt.Sprintf("value %.2f is outside the typical [1000, 5000] range", value))
	}

	statusRaw := strings.TrimSpace(in.Status)
	if statusRaw == "" {
		statusRaw = string(StatusProvisional)
	}
	status, ok := allowedStatuses[statusRaw]
	if !ok {
		return UpsertInput{}, nil, validationErr("INVALID_STATUS", fmt.Sprintf("status %q not in {provisional, final}", statusRaw))
	}

	return UpsertInput{
		PriceType:    priceType,
		Period:       period,
		Value:        roundTo2(value),
		Status:       status,
		ChangeReason: strings.TrimSpace(in.ChangeReason),
		ForceUpdate:  in.ForceUpdate,
	}, warnings, nil
}

func rejectFuturePeriod(period string) error {
	now := time.Now().In(istanbul)
	current := now.Format("2006-01")
	if period > current {
		return validationErr("FUTURE_PERIOD", fmt.Sprintf("period %q is in the future", period))
	}
	return nil
}

func decimalPlaces(valueStr string) int {
	idx := strings.IndexByte(valueStr, '.')
	if idx < 0 {
		return 0
	}
	return len(valueStr) - idx - 1
}

func roundTo2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
