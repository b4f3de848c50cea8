// Package quality implements the C9 quality scorer and flag contract: a
// closed catalog of defect flags, deterministic priority ordering, and the
// mismatch classifier feeding the incident pipeline (C10).
package quality

// Severity is the closed severity scale used across the flag catalog.
type Severity string

const (
	S1 Severity = "S1"
	S2 Severity = "S2"
	S3 Severity = "S3"
	S4 Severity = "S4"
)

// Flag codes. This is the exhaustive set any FlagDetail.Code may take.
const (
	FlagMarketPriceMissing      = "MARKET_PRICE_MISSING"
	FlagTariffLookupFailed      = "TARIFF_LOOKUP_FAILED"
	FlagDistributionMissing     = "DISTRIBUTION_MISSING"
	FlagTariffMetaMissing       = "TARIFF_META_MISSING"
	FlagConsumptionMissing      = "CONSUMPTION_MISSING"
	FlagMissingFields           = "MISSING_FIELDS"
	FlagTotalAvgUnitPriceUsed   = "TOTAL_AVG_UNIT_PRICE_USED"
	FlagDistributionMismatch    = "DISTRIBUTION_MISMATCH"
	FlagInvoiceTotalMismatch    = "INVOICE_TOTAL_MISMATCH"
	FlagCalcBug                 = "CALC_BUG"
	FlagJSONRepairApplied       = "JSON_REPAIR_APPLIED"
	FlagLowConfidence           = "LOW_CONFIDENCE"
	FlagValidationWarnings      = "VALIDATION_WARNINGS"
	FlagOutlierPTF               = "OUTLIER_PTF"
	FlagOutlierConsumption       = "OUTLIER_CONSUMPTION"
)

// QualityFlag is a catalog entry: every code emitted anywhere must appear here.
type QualityFlag struct {
	Code      string
	Severity  Severity
	Message   string
	Deduction int
}

// Catalog is the static flag registry.
var Catalog = map[string]QualityFlag{
	FlagMarketPriceMissing:    {FlagMarketPriceMissing, S1, "PTF/YEKDEM reference price not found", 50},
	FlagTariffLookupFailed:    {FlagTariffLookupFailed, S1, "distribution tariff lookup failed", 40},
	FlagDistributionMissing:   {FlagDistributionMissing, S1, "distribution unit price not found", 50},
	FlagTariffMetaMissing:     {FlagTariffMetaMissing, S1, "tariff meta information unreadable", 45},
	FlagConsumptionMissing:    {FlagConsumptionMissing, S1, "consumption value not found", 50},
	FlagMissingFields:         {FlagMissingFields, S2, "required fields missing", 20},
	FlagTotalAvgUnitPriceUsed: {FlagTotalAvgUnitPriceUsed, S2, "average unit price fallback used", 20},
	FlagDistributionMismatch:  {FlagDistributionMismatch, S2, "distribution price mismatch", 15},
	FlagInvoiceTotalMismatch:  {FlagInvoiceTotalMismatch, S2, "invoice total does not match calculated total", 25},
	FlagCalcBug:               {FlagCalcBug, S1, "calculation produced an invalid result", 50},
	FlagJSONRepairApplied:     {FlagJSONRepairApplied, S3, "JSON repair applied to extraction output", 10},
	FlagLowConfidence:         {FlagLowConfidence, S3, "low extraction confidence", 10},
	FlagValidationWarnings:    {FlagValidationWarnings, S3, "validation warnings present", 5},
	FlagOutlierPTF:            {FlagOutlierPTF, S4, "PTF value is statistically unusual", 5},
	FlagOutlierConsumption:    {FlagOutlierConsumption, S4, "consumption value is statistically unusual", 5},
}

// priority assigns a strictly-lower integer to higher-priority codes;
// unlisted codes sort last.
var priority = map[string]int{
	FlagCalcBug:               5,
	FlagMarketPriceMissing:    10,
	FlagConsumptionMissing:    15,
	FlagTariffLookupFailed:    20,
	FlagTariffMetaMissing:     25,
	FlagDistributionMissing:   30,
	FlagInvoiceTotalMismatch:  35,
	FlagMissingFields:         40,
	FlagTotalAvgUnitPriceUsed: 50,
	FlagDistributionMismatch:  60,
	FlagJSONRepairApplied:     70,
	FlagLowConfidence:         80,
	FlagValidationWarnings:    90,
	FlagOutlierPTF:            100,
	FlagOutlierConsumption:    110,
}

func priorityRank(code string) int {
	if r, ok := priority[code]; ok {
		return r
	}
	return 999
}
