package quality

import "strings"

// ExtractionField is one OCR-extracted field with its confidence.
type ExtractionField struct {
	Value      interface{}
	Confidence float64
}

// Extraction carries per-field OCR confidence used for LOW_CONFIDENCE.
type Extraction struct {
	Fields map[string]ExtractionField
}

// Validation mirrors the invoice validator's diagnostic output.
type Validation struct {
	IsReadyForPricing           bool
	MissingFields                []string
	Warnings                     []string
	DistributionTariffMetaMissing bool
	DistributionTariffLookupFailed bool
	DistributionLineMismatch     bool
}

// Calculation mirrors the tariff calculator's diagnostic output.
type Calculation struct {
	MetaPricingSource              string // "", "found", "not_found", "default"
	MetaDistributionSource         string // "", "found", "not_found"
	MetaDistributionMismatchWarning bool
	MetaTotalMismatch              bool
	DistributionTotal              float64
	ConsumptionKWh                 float64
}

// DebugMeta carries extraction-pipeline debug flags.
type DebugMeta struct {
	JSONRepairApplied bool
}

// FlagDetail is one derived flag instance with optional mismatch evidence.
type FlagDetail struct {
	Code          string
	Severity      Severity
	Reason        string
	Delta         float64
	Ratio         float64
	SuspectReason string
}

// Input bundles every signal source the scorer reads.
type Input struct {
	Extraction       *Extraction
	Validation       *Validation
	Calculation      *Calculation
	CalculationError string
	DebugMeta        *DebugMeta
	LowConfidence    float64
	Mismatch         *MismatchInfo // precomputed via ClassifyMismatch, nil if no total to compare
}

// DeriveFlags walks the signal sources and emits FlagDetail entries,
// skipping duplicates of the same code (first writer wins, matching the
// source's add_flag-once-per-code behavior).
func DeriveFlags(in Input) []FlagDetail {
	seen := make(map[string]bool)
	var out []FlagDetail
	add := func(d FlagDetail) {
		if seen[d.Code] {
			return
		}
		seen[d.Code] = true
		out = append(out, d)
	}
	catalogSeverity := func(code string) Severity { return Catalog[code].Severity }

	if in.CalculationError != "" {
		lower := strings.ToLower(in.CalculationError)
		switch {
		case strings.Contains(lower, "market price") || strings.Contains(lower, "referans fiyat"):
			add(FlagDetail{Code: FlagMarketPriceMissing, Severity: catalogSeverity(FlagMarketPriceMissing), Reason: in.CalculationError})
		case strings.Contains(lower, "distribution") || strings.Contains(lower, "dagitim"):
			add(FlagDetail{Code: FlagDistributionMissing, Severity: catalogSeverity(FlagDistributionMissing), Reason: in.CalculationError})
		case strings.Contains(lower, "consumption") || strings.Contains(lower, "tuketim"):
			add(FlagDetail{Code: FlagConsumptionMissing, Severity: catalogSeverity(FlagConsumptionMissing), Reason: in.CalculationError})
		default:
			add(FlagDetail{Code: FlagTariffLookupFailed, Severity: catalogSeverity(FlagTariffLookupFailed), Reason: in.CalculationError})
		}
	}

	if v := in.Validation; v != nil {
		if !v.IsReadyForPricing && len(v.MissingFields) > 0 {
			if contains(v.MissingFields, "consumption_kwh") {
				add(FlagDetail{Code: FlagConsumptionMissing, Severity: catalogSeverity(FlagConsumptionMissing)})
			} else {
				add(FlagDetail{Code: FlagMissingFields, Severity: catalogSeverity(FlagMissingFields), Reason: strings.Join(v.MissingFields, ", ")})
			}
		}
		if len(v.Warnings) > 0 {
			add(FlagDetail{Code: FlagValidationWarnings, Severity: catalogSeverity(FlagValidationWarnings)})
		}
		if v.DistributionTariffMetaMissing {
			add(FlagDetail{Code: FlagTariffMetaMissing, Severity: catalogSeverity(FlagTariffMetaMissing)})
		} else if v.DistributionTariffLookupFailed {
			add(FlagDetail{Code: FlagTariffLookupFailed, Severity: catalogSeverity(FlagTariffLookupFailed)})
		}
		if v.DistributionLineMismatch {
			add(FlagDetail{Code: FlagDistributionMismatch, Severity: catalogSeverity(FlagDistributionMismatch)})
		}
	}

	if c := in.Calculation; c != nil {
		if c.MetaDistributionSource == "not_found" && !seen[FlagTariffMetaMissing] && !seen[FlagTariffLookupFailed] {
			add(FlagDetail{Code: FlagDistributionMissing, Severity: catalogSeverity(FlagDistributionMissing)})
		}
		if c.MetaDistributionMismatchWarning && !seen[FlagDistributionMismatch] {
			add(FlagDetail{Code: FlagDistributionMismatch, Severity: catalogSeverity(FlagDistributionMismatch)})
		}
		switch c.MetaPricingSource {
		case "not_found":
			add(FlagDetail{Code: FlagMarketPriceMissing, Severity: catalogSeverity(FlagMarketPriceMissing)})
		case "default":
			add(FlagDetail{Code: FlagMarketPriceMissing, Severity: catalogSeverity(FlagMarketPriceMissing), Reason: "default values used"})
		}
		if c.MetaDistributionSource != "" && c.MetaDistributionSource != "not_found" && c.DistributionTotal == 0 && c.ConsumptionKWh > 0 {
			add(FlagDetail{Code: FlagCalcBug, Severity: catalogSeverity(FlagCalcBug), Reason: "distribution computed as 0 TL"})
		}
		if c.MetaTotalMismatch && in.Mismatch != nil && in.Mismatch.HasMismatch {
			m := in.Mismatch
			add(FlagDetail{
				Code: FlagInvoiceTotalMismatch, Severity: m.Severity,
				Delta: m.Delta, Ratio: m.Ratio, SuspectReason: m.SuspectReason,
			})
		}
	}

	if d := in.DebugMeta; d != nil && d.JSONRepairApplied {
		add(FlagDetail{Code: FlagJSONRepairApplied, Severity: catalogSeverity(FlagJSONRepairApplied)})
	}

	if e := in.Extraction; e != nil && in.LowConfidence > 0 {
		for _, field := range e.Fields {
			if field.Confidence < in.LowConfidence {
				add(FlagDetail{Code: FlagLowConfidence, Severity: catalogSeverity(FlagLowConfidence)})
				break
			}
		}
	}

	return out
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

// NormalizeFlags dedupes by code and sorts ascending by priority rank.
// Idempotent: NormalizeFlags(NormalizeFlags(x)) == NormalizeFlags(x).
func NormalizeFlags(details []FlagDetail) []FlagDetail {
	byCode := make(map[string]FlagDetail, len(details))
	order := make([]string, 0, len(details))
	for _, d := range details {
		if _, ok := byCode[d.Code]; !ok {
			order = append(order, d.Code)
		}
		byCode[d.Code] = d
	}
	out := make([]FlagDetail, 0, len(order))
	for _, code := range order {
		out = append(out, byCode[code])
	}
	sortByPriority(out)
	return out
}

func sortByPriority(details []FlagDetail) {
	for i := 1; i < len(details); i++ {
		for j := i; j > 0 && priorityRank(details[j].Code) < priorityRank(details[j-1].Code); j-- {
			details[j], details[j-1] = details[j-1], details[j]
		}
	}
}

// Primary returns the single highest-priority flag, or the zero value and
// false if details is empty. Deterministic regardless of input order.
func Primary(details []FlagDetail) (FlagDetail, bool) {
	normalized := NormalizeFlags(details)
	if len(normalized) == 0 {
		return FlagDetail{}, false
	}
	return normalized[0], true
}
