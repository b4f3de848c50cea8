package httpapi

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"
)

// readinessCheck is one named component of the readiness report; Status is
// one of "ok", "warning", "error".
type readinessCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
	LatencyMS int64 `json:"latency_ms,omitempty"`
}

type readinessReport struct {
	Status     string            `json:"status"`
	BuildID    string            `json:"build_id"`
	ConfigHash string            `json:"config_hash"`
	Checks     []readinessCheck  `json:"checks"`
}

// readyz implements the spec §6 readiness probe: config invariants, data
// store connectivity and latency, external API credential presence, and
// queue health (depth + stuck-job count). Returns 503 with the full body
// when any check is in error.
func (h *handler) readyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var checks []readinessCheck
	failed := false

	if err := h.app.Config.Validate(); err != nil {
		checks = append(checks, readinessCheck{Name: "config", Status: "error", Detail: err.Error()})
		failed = true
	} else {
		checks = append(checks, readinessCheck{Name: "config", Status: "ok"})
	}

	dbCheck := h.checkDatabase(r.Context())
	checks = append(checks, dbCheck)
	if dbCheck.Status == "error" {
		failed = true
	}

	for _, name := range []string{"market_price_lookup", "ocr_extraction"} {
		checks = append(checks, checkCredential(name))
	}

	queueCheck := h.checkQueue(r.Context())
	checks = append(checks, queueCheck)
	if queueCheck.Status == "error" {
		failed = true
	}

	hash, err := h.app.Config.Hash()
	if err != nil {
		hash = ""
	}

	report := readinessReport{Status: "ok", BuildID: buildID(), ConfigHash: hash, Checks: checks}
	status := http.StatusOK
	if failed {
		report.Status = "error"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (h *handler) checkDatabase(ctx context.Context) readinessCheck {
	if h.app.DB == nil {
		return readinessCheck{Name: "database", Status: "ok", Detail: "in-memory stores"}
	}
	start := time.Now()
	err := h.app.DB.PingContext(ctx)
	elapsed := time.Since(start)
	check := readinessCheck{Name: "database", LatencyMS: elapsed.Milliseconds()}
	switch {
	case err != nil:
		check.Status = "error"
		check.Detail = err.Error()
	case elapsed > 500*time.Millisecond:
		check.Status = "error"
		check.Detail = "ping exceeded 500ms"
	case elapsed > 100*time.Millisecond:
		check.Status = "warning"
		check.Detail = "ping exceeded 100ms"
	default:
		check.Status = "ok"
	}
	return check
}

func checkCredential(dependency string) readinessCheck {
	envVar := strings.ToUpper(dependency) + "_API_KEY"
	if strings.TrimSpace(os.Getenv(envVar)) == "" {
		return readinessCheck{Name: dependency + "_credential", Status: "warning", Detail: envVar + " is not set"}
	}
	return readinessCheck{Name: dependency + "_credential", Status: "ok"}
}

func (h *handler) checkQueue(ctx context.Context) readinessCheck {
	stuck, err := h.app.Orchestrator.CountStuck(ctx)
	if err != nil {
		return readinessCheck{Name: "queue", Status: "error", Detail: err.Error()}
	}
	if stuck > 0 {
		return readinessCheck{Name: "queue", Status: "warning", Detail: "stuck jobs pending recompute"}
	}
	return readinessCheck{Name: "queue", Status: "ok"}
}

// buildID prefers an explicit deploy-time env var, falling back to a short
// commit hash baked in at build time via -ldflags, or "dev" otherwise.
func buildID() string {
	if v := strings.TrimSpace(os.Getenv("BUILD_ID")); v != "" {
		return v
	}
	if version != "" {
		return version
	}
	return "dev"
}

// version is overridden at build time with -ldflags "-X ...httpapi.version=<sha>".
var version string
