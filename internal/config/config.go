// Package config is the single source of threshold truth for the invoice QA
// engine. It decodes environment variables, optionally overlays a reviewed
// YAML threshold file, and refuses to let the process boot when any
// invariant in Validate is violated.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment is the deployment tag used to gate admin auth and similar
// environment-sensitive behavior.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// SchemaVersion identifies the shape of this Config struct, surfaced on
// /admin/ops/status so operators can spot a stale deploy reading an
// incompatible threshold file.
const SchemaVersion = "1"

// MismatchThresholds drive quality scoring's mismatch classification (C9).
type MismatchThresholds struct {
	Ratio           float64 `env:"MISMATCH_RATIO,default=0.05" yaml:"ratio"`
	Absolute        float64 `env:"MISMATCH_ABSOLUTE,default=50.0" yaml:"absolute"`
	SevereRatio     float64 `env:"MISMATCH_SEVERE_RATIO,default=0.20" yaml:"severe_ratio"`
	SevereAbsolute  float64 `env:"MISMATCH_SEVERE_ABSOLUTE,default=500.0" yaml:"severe_absolute"`
	RoundingAbs     float64 `env:"MISMATCH_ROUNDING_ABSOLUTE,default=10.0" yaml:"rounding_absolute"`
	RoundingRatio   float64 `env:"MISMATCH_ROUNDING_RATIO,default=0.005" yaml:"rounding_ratio"`
	OCRSuspectRatio float64 `env:"MISMATCH_OCR_SUSPECT_RATIO,default=1.0" yaml:"ocr_suspect_ratio"`
}

// ValidationThresholds bound plausible invoice values (C6/C9).
type ValidationThresholds struct {
	LowConfidence  float64 `env:"VALIDATION_LOW_CONFIDENCE,default=0.6" yaml:"low_confidence"`
	MinUnitPrice   float64 `env:"VALIDATION_MIN_UNIT_PRICE,default=0.5" yaml:"min_unit_price"`
	MaxUnitPrice   float64 `env:"VALIDATION_MAX_UNIT_PRICE,default=15.0" yaml:"max_unit_price"`
	MinDistPrice   float64 `env:"VALIDATION_MIN_DIST_PRICE,default=0.0" yaml:"min_dist_price"`
	MaxDistPrice   float64 `env:"VALIDATION_MAX_DIST_PRICE,default=5.0" yaml:"max_dist_price"`
	HardStopDelta  float64 `env:"VALIDATION_HARD_STOP_DELTA,default=20.0" yaml:"hard_stop_delta"`
}

// DriftThresholds guard the triple-guard drift alert (C14).
type DriftThresholds struct {
	MinSample       int     `env:"DRIFT_MIN_SAMPLE,default=20" yaml:"min_sample"`
	MinAbsoluteDelta int    `env:"DRIFT_MIN_ABSOLUTE_DELTA,default=5" yaml:"min_absolute_delta"`
	RateMultiplier  float64 `env:"DRIFT_RATE_MULTIPLIER,default=2.0" yaml:"rate_multiplier"`
	TopOffenderMinVolume int `env:"DRIFT_TOP_OFFENDER_MIN_VOLUME,default=20" yaml:"top_offender_min_volume"`
}

// AlertThresholds are reserved for future paging integration; kept as a
// config group because C14's run summary references an alert-threshold
// namespace even though delivery is out of scope (§1 Non-goals).
type AlertThresholds struct {
	Enabled bool `env:"ALERT_ENABLED,default=false" yaml:"enabled"`
}

// RecoveryThresholds bound the retry/recompute lifecycle (C11-C13).
type RecoveryThresholds struct {
	MaxRetryAttempts  int   `env:"RECOVERY_MAX_RETRY_ATTEMPTS,default=4" yaml:"max_retry_attempts"`
	MaxRecomputeCount int   `env:"RECOVERY_MAX_RECOMPUTE_COUNT,default=5" yaml:"max_recompute_count"`
	RetryLockMinutes  int   `env:"RECOVERY_RETRY_LOCK_MINUTES,default=5" yaml:"retry_lock_minutes"`
	StuckMinutes      int   `env:"RECOVERY_STUCK_MINUTES,default=10" yaml:"stuck_minutes"`
}

// FeedbackThresholds bound calibration reporting (C14).
type FeedbackThresholds struct {
	MinSampleForAccuracy int `env:"FEEDBACK_MIN_SAMPLE,default=5" yaml:"min_sample_for_accuracy"`
}

// DependencyConfig is the per-dependency envelope consulted by C3/C4.
type DependencyConfig struct {
	FailureThreshold int     `yaml:"failure_threshold"`
	OpenDuration     int     `yaml:"open_duration_seconds"`
	HalfOpenMax      int     `yaml:"half_open_max"`
	TimeoutSeconds   int     `yaml:"timeout_seconds"`
	Retries          int     `yaml:"retries"`
	BaseDelayMs      int     `yaml:"base_delay_ms"`
	MaxDelayMs       int     `yaml:"max_delay_ms"`
	JitterPct        float64 `yaml:"jitter_pct"`
}

// Config is the frozen threshold tree. Construct via Load; do not mutate
// after Validate succeeds.
type Config struct {
	Environment Environment `env:"APP_ENV,default=development" yaml:"environment"`

	DatabaseURL    string `env:"DATABASE_URL" yaml:"database_url"`
	StoragePath    string `env:"STORAGE_PATH,default=./data" yaml:"storage_path"`
	ListenAddr     string `env:"LISTEN_ADDR,default=:8080" yaml:"listen_addr"`

	AdminKey       string `env:"ADMIN_KEY" yaml:"-"`
	AdminEnabled   bool   `env:"ADMIN_ENABLED,default=true" yaml:"admin_enabled"`

	PilotEnabled      bool   `env:"PILOT_ENABLED,default=false" yaml:"pilot_enabled"`
	PilotTenant       string `env:"PILOT_TENANT" yaml:"pilot_tenant"`
	PilotRatePerHour  int    `env:"PILOT_RATE_PER_HOUR,default=50" yaml:"pilot_rate_per_hour"`

	Mismatch   MismatchThresholds   `yaml:"mismatch"`
	Validation ValidationThresholds `yaml:"validation"`
	Drift      DriftThresholds      `yaml:"drift"`
	Alert      AlertThresholds      `yaml:"alert"`
	Recovery   RecoveryThresholds   `yaml:"recovery"`
	Feedback   FeedbackThresholds   `yaml:"feedback"`

	Dependencies map[string]DependencyConfig `yaml:"dependencies"`
}

// Load reads a .env file if present, decodes environment variables, then
// overlays a YAML threshold file when thresholdsPath is non-empty.
func Load(thresholdsPath string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	cfg := &Config{
		Dependencies: defaultDependencyConfigs(),
	}
	if err := envdecode.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode environment config: %w", err)
	}

	if thresholdsPath != "" {
		raw, err := os.ReadFile(thresholdsPath)
		if err != nil {
			return nil, fmt.Errorf("read threshold overlay %s: %w", thresholdsPath, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse threshold overlay %s: %w", thresholdsPath, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultDependencyConfigs() map[string]DependencyConfig {
	return map[string]DependencyConfig{
		"market_price_lookup": {
			FailureThreshold: 5, OpenDuration: 30, HalfOpenMax: 3,
			TimeoutSeconds: 5, Retries: 3, BaseDelayMs: 200, MaxDelayMs: 2000, JitterPct: 0.2,
		},
		"ocr_extraction": {
			FailureThreshold: 5, OpenDuration: 30, HalfOpenMax: 3,
			TimeoutSeconds: 15, Retries: 2, BaseDelayMs: 500, MaxDelayMs: 5000, JitterPct: 0.2,
		},
	}
}

// Validate runs invariants I1-I8 and returns an aggregated error naming
// every violation, never a partial-boot single error.
func (c *Config) Validate() error {
	var result *multierror.Error

	m := c.Mismatch
	v := c.Validation

	if m.SevereRatio < m.Ratio {
		result = multierror.Append(result, fmt.Errorf("I1 FAIL: mismatch.severe_ratio (%v) must be >= mismatch.ratio (%v)", m.SevereRatio, m.Ratio))
	}
	if m.SevereAbsolute < m.Absolute {
		result = multierror.Append(result, fmt.Errorf("I2 FAIL: mismatch.severe_absolute (%v) must be >= mismatch.absolute (%v)", m.SevereAbsolute, m.Absolute))
	}
	if m.RoundingRatio >= m.Ratio {
		result = multierror.Append(result, fmt.Errorf("I3 FAIL: mismatch.rounding_ratio (%v) must be < mismatch.ratio (%v)", m.RoundingRatio, m.Ratio))
	}
	if v.MinUnitPrice >= v.MaxUnitPrice {
		result = multierror.Append(result, fmt.Errorf("I4 FAIL: validation.min_unit_price (%v) must be < validation.max_unit_price (%v)", v.MinUnitPrice, v.MaxUnitPrice))
	}
	if v.MinDistPrice >= v.MaxDistPrice {
		result = multierror.Append(result, fmt.Errorf("I5 FAIL: validation.min_dist_price (%v) must be < validation.max_dist_price (%v)", v.MinDistPrice, v.MaxDistPrice))
	}
	if v.HardStopDelta < m.SevereRatio*100 {
		result = multierror.Append(result, fmt.Errorf("I6 FAIL: validation.hard_stop_delta (%v) must be >= mismatch.severe_ratio*100 (%v)", v.HardStopDelta, m.SevereRatio*100))
	}
	for _, thr := range []struct {
		name  string
		value float64
	}{
		{"mismatch.ratio", m.Ratio}, {"mismatch.absolute", m.Absolute},
		{"mismatch.severe_ratio", m.SevereRatio}, {"mismatch.severe_absolute", m.SevereAbsolute},
		{"mismatch.rounding_absolute", m.RoundingAbs}, {"mismatch.rounding_ratio", m.RoundingRatio},
		{"validation.low_confidence", v.LowConfidence}, {"validation.min_unit_price", v.MinUnitPrice},
		{"validation.max_unit_price", v.MaxUnitPrice}, {"validation.max_dist_price", v.MaxDistPrice},
		{"validation.hard_stop_delta", v.HardStopDelta},
	} {
		if thr.value <= 0 {
			result = multierror.Append(result, fmt.Errorf("I7 FAIL: %s (%v) must be > 0", thr.name, thr.value))
		}
	}
	if !(v.LowConfidence > 0 && v.LowConfidence < 1) {
		result = multierror.Append(result, fmt.Errorf("I8 FAIL: validation.low_confidence (%v) must be in range (0, 1)", v.LowConfidence))
	}

	if c.Environment == EnvProduction && c.AdminEnabled && len(c.AdminKey) < 32 {
		result = multierror.Append(result, fmt.Errorf("admin key must be >= 32 characters in production, got %d", len(c.AdminKey)))
	}

	return result.ErrorOrNil()
}

// Hash returns the first 16 hex characters of the SHA-256 digest of the
// config's serialized summary, exposed on the readiness probe so operators
// can detect drift between processes.
func (c *Config) Hash() (string, error) {
	summary, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config summary: %w", err)
	}
	sum := sha256.Sum256(summary)
	return hex.EncodeToString(sum[:])[:16], nil
}
