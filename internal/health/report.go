package health

import (
	"sort"
	"time"

	"github.com/r3e-network/invoice-qa-engine/internal/incident"
	"github.com/r3e-network/invoice-qa-engine/internal/quality"
)

// AlertType is the drift-alert kind surfaced on the run summary.
type AlertType string

const (
	AlertS1RateDrift      AlertType = "S1_RATE_DRIFT"
	AlertOCRSuspectDrift  AlertType = "OCR_SUSPECT_DRIFT"
	AlertMismatchRateDrift AlertType = "MISMATCH_RATE_DRIFT"
)

// Period is one rate sample (a prior window and a current window) for drift
// comparison — e.g. last 24h vs the preceding 24h, for a single metric.
type Period struct {
	OldCount int
	OldTotal int
	NewCount int
	NewTotal int
}

func rate(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total)
}

// DetectDrift implements the triple-guard drift check: a genuine signal
// shift, not noise from a small sample or a tiny absolute change.
func DetectDrift(p Period, minSample, minAbsoluteDelta int, rateMultiplier float64) bool {
	if p.NewTotal < minSample {
		return false
	}
	delta := p.NewCount - p.OldCount
	if delta < 0 {
		delta = -delta
	}
	if delta < minAbsoluteDelta {
		return false
	}
	oldRate := rate(p.OldCount, p.OldTotal)
	newRate := rate(p.NewCount, p.NewTotal)
	if oldRate > 0 {
		return newRate >= rateMultiplier*oldRate
	}
	return p.NewCount >= minAbsoluteDelta
}

// MismatchHistogram buckets mismatch ratios into the five fixed bands.
// Each bound is a closed-open interval; the last bucket is the overflow.
type MismatchHistogram struct {
	Under2Pct  int
	From2To5   int
	From5To10  int
	From10To20 int
	Over20     int
}

// BucketMismatchRatio tallies one ratio into a histogram.
func BucketMismatchRatio(h *MismatchHistogram, ratio float64) {
	switch {
	case ratio < 0.02:
		h.Under2Pct++
	case ratio < 0.05:
		h.From2To5++
	case ratio < 0.10:
		h.From5To10++
	case ratio < 0.20:
		h.From10To20++
	default:
		h.Over20++
	}
}

// OffenderStat is one supplier/provider's tallies for the top-offenders report.
type OffenderStat struct {
	Name  string
	Count int
	Total int
}

func (o OffenderStat) rate() float64 { return rate(o.Count, o.Total) }

// TopOffendersByRate ranks by defect rate, suppressing providers below
// minVolume invoices to avoid noise from tiny sample sizes; ties break by
// name for determinism.
func TopOffendersByRate(stats []OffenderStat, minVolume, topN int) []OffenderStat {
	eligible := make([]OffenderStat, 0, len(stats))
	for _, s := range stats {
		if s.Total >= minVolume {
			eligible = append(eligible, s)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].rate() != eligible[j].rate() {
			return eligible[i].rate() > eligible[j].rate()
		}
		return eligible[i].Name < eligible[j].Name
	})
	if topN > 0 && len(eligible) > topN {
		eligible = eligible[:topN]
	}
	return eligible
}

// TopOffendersByCount ranks by raw defect count with no volume guard.
func TopOffendersByCount(stats []OffenderStat, topN int) []OffenderStat {
	out := make([]OffenderStat, len(stats))
	copy(out, stats)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// ActionClassDistribution counts the three hint classes. GenerateActionHint
// emits only VERIFY_OCR and VERIFY_INVOICE_LOGIC, so AcceptRoundingTolerance
// counts only hints that carry that class from elsewhere.
type ActionClassDistribution struct {
	VerifyOCR             int
	VerifyInvoiceLogic     int
	AcceptRoundingTolerance int
}

// TallyActionClass increments the bucket matching a hint's class.
func TallyActionClass(d *ActionClassDistribution, class quality.ActionClass) {
	switch class {
	case quality.ActionClassVerifyOCR:
		d.VerifyOCR++
	case quality.ActionClassVerifyInvoiceLogic:
		d.VerifyInvoiceLogic++
	case quality.ActionClassAcceptRoundingTolerance:
		d.AcceptRoundingTolerance++
	}
}

// FeedbackSample is one resolved incident's operator feedback, used for
// calibration reporting.
type FeedbackSample struct {
	ActionClass   quality.ActionClass
	HintWasCorrect bool
	HasFeedback    bool
	ResolutionTime time.Duration
	Resolved       bool
}

// ClassCalibration is the per-action-class slice of the calibration report.
type ClassCalibration struct {
	ActionClass        quality.ActionClass
	AccuracyRate       float64
	MeanResolutionTime time.Duration
	SampleSize         int
}

// CalibrationReport is null-safe throughout: every rate is 0 on an empty
// denominator rather than NaN or a division panic.
type CalibrationReport struct {
	OverallAccuracyRate float64
	Coverage            float64
	ByClass             []ClassCalibration
}

// ComputeCalibration derives hint-accuracy and coverage statistics.
func ComputeCalibration(samples []FeedbackSample) CalibrationReport {
	var withFeedback, correct, resolvedTotal, resolvedWithFeedback int
	byClass := map[quality.ActionClass][]FeedbackSample{}

	for _, s := range samples {
		if s.Resolved {
			resolvedTotal++
		}
		if s.HasFeedback {
			withFeedback++
			if s.Resolved {
				resolvedWithFeedback++
			}
			if s.HintWasCorrect {
				correct++
			}
			byClass[s.ActionClass] = append(byClass[s.ActionClass], s)
		}
	}

	report := CalibrationReport{
		OverallAccuracyRate: safeRate(correct, withFeedback),
		Coverage:            safeRate(resolvedWithFeedback, resolvedTotal),
	}

	classes := make([]quality.ActionClass, 0, len(byClass))
	for class := range byClass {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	for _, class := range classes {
		group := byClass[class]
		var classCorrect int
		var totalResolutionTime time.Duration
		var resolutionSamples int
		for _, s := range group {
			if s.HintWasCorrect {
				classCorrect++
			}
			if s.Resolved {
				totalResolutionTime += s.ResolutionTime
				resolutionSamples++
			}
		}
		var mean time.Duration
		if resolutionSamples > 0 {
			mean = totalResolutionTime / time.Duration(resolutionSamples)
		}
		report.ByClass = append(report.ByClass, ClassCalibration{
			ActionClass: class, AccuracyRate: safeRate(classCorrect, len(group)),
			MeanResolutionTime: mean, SampleSize: len(group),
		})
	}

	return report
}

func safeRate(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total)
}

// RetryFunnel tallies how retry attempts resolve into C11/C12's outcomes.
type RetryFunnel struct {
	AttemptsTotal      int
	AttemptsSuccess    int
	ResolvedAfterRetry int // success AND RESOLVED
	StillPending       int // success AND NOT RESOLVED (the false-success rate)
	Exhausted          int
}

// ComputeRetryFunnel derives the funnel from a set of incidents that have
// gone through at least one retry attempt.
func ComputeRetryFunnel(incidents []incident.Incident) RetryFunnel {
	var f RetryFunnel
	for _, inc := range incidents {
		if inc.RetryAttemptCount == 0 {
			continue
		}
		f.AttemptsTotal += inc.RetryAttemptCount
		if inc.RetrySuccess {
			f.AttemptsSuccess++
			if inc.Status == incident.StatusResolved {
				f.ResolvedAfterRetry++
			} else {
				f.StillPending++
			}
		}
		if inc.ResolutionReason == incident.ResolutionRetryExhausted {
			f.Exhausted++
		}
	}
	return f
}

// MTTR returns the mean time between first_seen_at and resolved_at across
// incidents whose resolution_reason is in incident.ResolvedSet, or zero
// when no such incident exists.
func MTTR(incidents []incident.Incident) time.Duration {
	var total time.Duration
	var n int
	for _, inc := range incidents {
		if !incident.ResolvedSet[inc.ResolutionReason] || inc.ResolvedAt == nil {
			continue
		}
		total += inc.ResolvedAt.Sub(inc.FirstSeenAt)
		n++
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// LatencyPercentiles captures p50/p95/p99 over an optional sample set.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// ComputeLatencyPercentiles sorts samples and, for each percentile p,
// returns the sample at index int(p*(n-1)), without interpolation.
// Returns the zero value for an empty sample set.
func ComputeLatencyPercentiles(samples []time.Duration) LatencyPercentiles {
	if len(samples) == 0 {
		return LatencyPercentiles{}
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	pick := func(p float64) time.Duration {
		idx := int(p * float64(len(sorted)-1))
		return sorted[idx]
	}
	return LatencyPercentiles{P50: pick(0.50), P95: pick(0.95), P99: pick(0.99)}
}

// RunSummary is the compact dashboard snapshot for one reporting pass.
type RunSummary struct {
	PeriodStart  time.Time
	PeriodEnd    time.Time
	TotalScored  int
	S1Count      int
	S2Count      int
	Histogram    MismatchHistogram
	ActionClasses ActionClassDistribution
	RetryFunnel  RetryFunnel
	MTTR         time.Duration
	Latency      LatencyPercentiles
	QueueDepth   int
	Stuck        bool
	Alerts       []AlertType
}
