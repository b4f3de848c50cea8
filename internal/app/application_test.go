package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/invoice-qa-engine/internal/config"
	"github.com/r3e-network/invoice-qa-engine/internal/orchestrator"
	"github.com/r3e-network/invoice-qa-engine/internal/retryexec"
	"github.com/r3e-network/invoice-qa-engine/internal/system"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvDevelopment,
		Mismatch: config.MismatchThresholds{
			Ratio: 0.05, Absolute: 50.0, SevereRatio: 0.20, SevereAbsolute: 500.0,
			RoundingAbs: 10.0, RoundingRatio: 0.005, OCRSuspectRatio: 1.0,
		},
		Validation: config.ValidationThresholds{
			LowConfidence: 0.6, MinUnitPrice: 0.5, MaxUnitPrice: 15.0,
			MinDistPrice: 0.0, MaxDistPrice: 5.0, HardStopDelta: 20.0,
		},
		Drift: config.DriftThresholds{
			MinSample: 20, MinAbsoluteDelta: 5, RateMultiplier: 2.0, TopOffenderMinVolume: 20,
		},
		Recovery: config.RecoveryThresholds{
			MaxRetryAttempts: 4, MaxRecomputeCount: 5, RetryLockMinutes: 5, StuckMinutes: 10,
		},
		Feedback: config.FeedbackThresholds{MinSampleForAccuracy: 5},
		Dependencies: map[string]config.DependencyConfig{
			"market_price_lookup": {FailureThreshold: 5, OpenDuration: 30, HalfOpenMax: 3, TimeoutSeconds: 5, Retries: 3, BaseDelayMs: 200, MaxDelayMs: 2000, JitterPct: 0.2},
		},
	}
}

func TestNew_InMemoryIncidentStoreSatisfiesLifecycleInterfaces(t *testing.T) {
	application, err := New(testConfig(), nil, nil)
	require.NoError(t, err)

	_, ok := application.Incidents.(retryexec.ClaimStore)
	require.True(t, ok, "in-memory incident store must implement retryexec.ClaimStore")
	_, ok = application.Incidents.(orchestrator.Store)
	require.True(t, ok, "in-memory incident store must implement orchestrator.Store")
}

func TestNew_RegistersExpectedKillSwitches(t *testing.T) {
	application, err := New(testConfig(), nil, nil)
	require.NoError(t, err)

	for _, name := range []string{"pilot", "bulk_import", "retry_executor", "recompute_orchestrator"} {
		_, ok := application.KillSwitches.Get(name)
		require.True(t, ok, "expected kill switch %q to be registered", name)
	}
}

func TestNew_DescriptorsCoverEveryDomainService(t *testing.T) {
	application, err := New(testConfig(), nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, application.Descriptors())
}

func TestNew_PilotGuardNilWhenPilotDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.PilotEnabled = false
	application, err := New(cfg, nil, nil)
	require.NoError(t, err)
	require.Nil(t, application.PilotGuard)
}

func TestNew_PilotGuardBoundToConfiguredTenantWhenEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.PilotEnabled = true
	cfg.PilotTenant = "tenant-pilot"
	cfg.PilotRatePerHour = 10
	application, err := New(cfg, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, application.PilotGuard)

	require.NoError(t, application.PilotGuard.Allow("tenant-pilot"))
	require.Error(t, application.PilotGuard.Allow("some-other-tenant"))
}

type fakeLifecycleService struct {
	name    string
	onStart func()
	onStop  func()
}

func (f fakeLifecycleService) Name() string {
	if f.name != "" {
		return f.name
	}
	return "fake"
}
func (f fakeLifecycleService) Start(ctx context.Context) error {
	if f.onStart != nil {
		f.onStart()
	}
	return nil
}
func (f fakeLifecycleService) Stop(ctx context.Context) error {
	if f.onStop != nil {
		f.onStop()
	}
	return nil
}

var _ system.Service = fakeLifecycleService{}

func TestApplication_AttachStartStopLifecycle(t *testing.T) {
	application, err := New(testConfig(), nil, nil)
	require.NoError(t, err)

	var started, stopped bool
	svc := fakeLifecycleService{
		onStart: func() { started = true },
		onStop:  func() { stopped = true },
	}
	require.NoError(t, application.Attach(svc))

	require.NoError(t, application.Start(context.Background()))
	require.True(t, started)

	require.NoError(t, application.Stop(context.Background()))
	require.True(t, stopped)
}

func TestApplication_AttachRejectsDuplicateName(t *testing.T) {
	application, err := New(testConfig(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, application.Attach(fakeLifecycleService{name: "dup"}))
	require.Error(t, application.Attach(fakeLifecycleService{name: "dup"}))
}

func TestApplication_ClockDefaultsToTimeNow(t *testing.T) {
	application, err := New(testConfig(), nil, nil)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), application.Clock(), time.Second)
}
