package health

import (
	"testing"
	"time"

	"github.com/r3e-network/invoice-qa-engine/internal/incident"
	"github.com/r3e-network/invoice-qa-engine/internal/quality"
	"github.com/stretchr/testify/assert"
)

func TestDetectDrift_RequiresAllThreeGuards(t *testing.T) {
	// Fails min_sample.
	assert.False(t, DetectDrift(Period{OldCount: 1, OldTotal: 10, NewCount: 5, NewTotal: 15}, 20, 5, 2.0))
	// Fails min_absolute_delta (delta=3 < 5).
	assert.False(t, DetectDrift(Period{OldCount: 2, OldTotal: 50, NewCount: 5, NewTotal: 50}, 20, 5, 2.0))
	// Old rate zero, new_count below threshold.
	assert.False(t, DetectDrift(Period{OldCount: 0, OldTotal: 50, NewCount: 4, NewTotal: 50}, 20, 5, 2.0))
	// Old rate zero, new_count meets threshold -> fires.
	assert.True(t, DetectDrift(Period{OldCount: 0, OldTotal: 50, NewCount: 6, NewTotal: 50}, 20, 5, 2.0))
	// Old rate positive, new rate exactly 2x -> fires.
	assert.True(t, DetectDrift(Period{OldCount: 5, OldTotal: 50, NewCount: 20, NewTotal: 100}, 20, 5, 2.0))
	// Old rate positive, new rate below 2x -> no fire.
	assert.False(t, DetectDrift(Period{OldCount: 5, OldTotal: 50, NewCount: 12, NewTotal: 100}, 20, 5, 2.0))
}

func TestBucketMismatchRatio_FiveBands(t *testing.T) {
	var h MismatchHistogram
	for _, r := range []float64{0.01, 0.03, 0.07, 0.15, 0.25} {
		BucketMismatchRatio(&h, r)
	}
	assert.Equal(t, MismatchHistogram{Under2Pct: 1, From2To5: 1, From5To10: 1, From10To20: 1, Over20: 1}, h)
}

func TestTopOffendersByRate_AppliesMinVolumeGuard(t *testing.T) {
	stats := []OffenderStat{
		{Name: "tiny-but-bad", Count: 5, Total: 5},   // below min volume, excluded
		{Name: "big-offender", Count: 10, Total: 100},
		{Name: "big-clean", Count: 1, Total: 100},
	}
	top := TopOffendersByRate(stats, 20, 5)
	assert.Len(t, top, 2)
	assert.Equal(t, "big-offender", top[0].Name)
}

func TestTopOffendersByCount_NoVolumeGuard(t *testing.T) {
	stats := []OffenderStat{
		{Name: "tiny-but-bad", Count: 5, Total: 5},
		{Name: "big-offender", Count: 10, Total: 100},
	}
	top := TopOffendersByCount(stats, 5)
	assert.Equal(t, "big-offender", top[0].Name)
}

func TestComputeCalibration_NullSafeOnEmptyInput(t *testing.T) {
	report := ComputeCalibration(nil)
	assert.Equal(t, 0.0, report.OverallAccuracyRate)
	assert.Equal(t, 0.0, report.Coverage)
}

func TestComputeCalibration_ComputesAccuracyAndCoverage(t *testing.T) {
	samples := []FeedbackSample{
		{ActionClass: quality.ActionClassVerifyOCR, HasFeedback: true, HintWasCorrect: true, Resolved: true, ResolutionTime: time.Hour},
		{ActionClass: quality.ActionClassVerifyOCR, HasFeedback: true, HintWasCorrect: false, Resolved: true, ResolutionTime: 2 * time.Hour},
		{ActionClass: quality.ActionClassVerifyOCR, HasFeedback: false, Resolved: true},
	}
	report := ComputeCalibration(samples)
	assert.InDelta(t, 0.5, report.OverallAccuracyRate, 0.001)
	assert.InDelta(t, 2.0/3.0, report.Coverage, 0.001)
	assert.Len(t, report.ByClass, 1)
	assert.Equal(t, 1*time.Hour+2*time.Hour, report.ByClass[0].MeanResolutionTime*2)
}

func TestComputeRetryFunnel_SplitsSuccessByResolution(t *testing.T) {
	incidents := []incident.Incident{
		{RetryAttemptCount: 1, RetrySuccess: true, Status: incident.StatusResolved},
		{RetryAttemptCount: 2, RetrySuccess: true, Status: incident.StatusPendingRecompute},
		{RetryAttemptCount: 4, RetrySuccess: false, ResolutionReason: incident.ResolutionRetryExhausted},
		{RetryAttemptCount: 0},
	}
	funnel := ComputeRetryFunnel(incidents)
	assert.Equal(t, 7, funnel.AttemptsTotal)
	assert.Equal(t, 2, funnel.AttemptsSuccess)
	assert.Equal(t, 1, funnel.ResolvedAfterRetry)
	assert.Equal(t, 1, funnel.StillPending)
	assert.Equal(t, 1, funnel.Exhausted)
}

func TestMTTR_OnlyCountsResolvedSetReasons(t *testing.T) {
	first := time.Now().Add(-2 * time.Hour)
	resolvedAt := time.Now()
	incidents := []incident.Incident{
		{FirstSeenAt: first, ResolvedAt: &resolvedAt, ResolutionReason: incident.ResolutionRecomputeResolved},
		{FirstSeenAt: first, ResolvedAt: &resolvedAt, ResolutionReason: incident.ResolutionReclassified}, // not in ResolvedSet
	}
	mttr := MTTR(incidents)
	assert.InDelta(t, 2*time.Hour, mttr, float64(time.Second))
}

func TestMTTR_ZeroOnEmptyInput(t *testing.T) {
	assert.Equal(t, time.Duration(0), MTTR(nil))
}

func TestComputeLatencyPercentiles_EmptyReturnsZero(t *testing.T) {
	assert.Equal(t, LatencyPercentiles{}, ComputeLatencyPercentiles(nil))
}

func TestComputeLatencyPercentiles_SortsAndPicks(t *testing.T) {
	samples := make([]time.Duration, 0, 100)
	for i := 1; i <= 100; i++ {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}
	p := ComputeLatencyPercentiles(samples)
	assert.Equal(t, 50*time.Millisecond, p.P50)
	assert.Equal(t, 95*time.Millisecond, p.P95)
}
