package quality

import (
	"math"

	"github.com/r3e-network/invoice-qa-engine/internal/config"
)

// MismatchInfo is the computed classification of a total-amount delta.
type MismatchInfo struct {
	HasMismatch    bool
	Delta          float64
	Ratio          float64
	Severity       Severity
	SuspectReason  string // "" or "OCR_LOCALE_SUSPECT"
	RoundingAccept bool   // true when within tolerance: no flag emitted
}

// ClassifyMismatch compares an invoice's declared total against the
// calculated total and classifies the delta per spec §4.9.
func ClassifyMismatch(declaredTotal, calculatedTotal, extractionConfidence float64, th config.MismatchThresholds, lowConfidence float64) MismatchInfo {
	delta := math.Abs(declaredTotal - calculatedTotal)
	var ratio float64
	if calculatedTotal != 0 {
		ratio = delta / math.Abs(calculatedTotal)
	} else if delta > 0 {
		ratio = math.Inf(1)
	}

	if delta < th.RoundingAbs && ratio < th.RoundingRatio {
		return MismatchInfo{HasMismatch: false, Delta: delta, Ratio: ratio, RoundingAccept: true}
	}

	info := MismatchInfo{HasMismatch: true, Delta: delta, Ratio: ratio, Severity: S2}

	// Below both the S1 and S2 floors but outside rounding tolerance: still
	// reported at S2 rather than silently dropped.
	if (ratio >= th.SevereRatio && delta >= th.Absolute) || delta >= th.SevereAbsolute {
		info.Severity = S1
	}

	if extractionConfidence < lowConfidence && ratio >= th.OCRSuspectRatio {
		info.SuspectReason = "OCR_LOCALE_SUSPECT"
		info.Severity = S1
	}

	return info
}
