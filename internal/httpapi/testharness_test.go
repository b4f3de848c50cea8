package httpapi

import (
	"context"
	"testing"

	"github.com/r3e-network/invoice-qa-engine/internal/app"
	"github.com/r3e-network/invoice-qa-engine/internal/config"
	"github.com/r3e-network/invoice-qa-engine/internal/incident"
	"github.com/r3e-network/invoice-qa-engine/internal/incident/memstore"
)

// testConfig builds a *config.Config satisfying Validate with the same
// defaults Load would decode from a bare environment, since Load itself
// reads os.Getenv and is not suited to unit tests.
func testConfig() *config.Config {
	return &config.Config{
		Environment:  config.EnvDevelopment,
		ListenAddr:   ":8080",
		AdminEnabled: false,
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
			"market_price_lookup": {
				FailureThreshold: 5, OpenDuration: 30, HalfOpenMax: 3,
				TimeoutSeconds: 5, Retries: 3, BaseDelayMs: 200, MaxDelayMs: 2000, JitterPct: 0.2,
			},
			"ocr_extraction": {
				FailureThreshold: 5, OpenDuration: 30, HalfOpenMax: 3,
				TimeoutSeconds: 15, Retries: 2, BaseDelayMs: 500, MaxDelayMs: 5000, JitterPct: 0.2,
			},
		},
	}
}

// newTestApp builds an in-memory Application (nil db) for handler tests.
func newTestApp(t *testing.T) *app.Application {
	t.Helper()
	application, err := app.New(testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("build test application: %v", err)
	}
	return application
}

// seedIncident inserts an incident directly into the in-memory store behind
// an Application built by newTestApp, bypassing AdminRepository (which has
// no Insert method of its own — that is only exposed on the concrete store).
func seedIncident(t *testing.T, application *app.Application, inc incident.Incident) {
	t.Helper()
	store, ok := application.Incidents.(*memstore.Store)
	if !ok {
		t.Fatalf("test application's incident store is not *memstore.Store")
	}
	if err := store.Insert(context.Background(), inc); err != nil {
		t.Fatalf("seed incident: %v", err)
	}
}
