// Package health implements the C14 metrics and health reporter: the
// Prometheus HTTP instrumentation surface plus the pure incident-analytics
// functions (drift detection, histograms, funnels, MTTR) that feed the
// admin dashboard and readiness probe.
package health

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds this application's Prometheus collectors, kept separate
// from prometheus's global default registry. It is one package-level
// registry shared by the whole process.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "invoiceqa", Subsystem: "http", Name: "inflight_requests",
		Help: "Current number of in-flight admin HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoiceqa", Subsystem: "http", Name: "requests_total",
		Help: "Total admin HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "invoiceqa", Subsystem: "http", Name: "request_duration_seconds",
		Help: "Duration of admin HTTP requests.", Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	incidentsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoiceqa", Subsystem: "incidents", Name: "created_total",
		Help: "Total incidents created, by category and severity.",
	}, []string{"category", "severity"})

	retryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoiceqa", Subsystem: "retry", Name: "attempts_total",
		Help: "Total retry attempts, by outcome.",
	}, []string{"outcome"})

	recomputeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoiceqa", Subsystem: "recompute", Name: "outcomes_total",
		Help: "Total recompute passes, by outcome.",
	}, []string{"outcome"})
)

func init() {
	Registry.MustRegister(
		httpInFlight, httpRequests, httpDuration,
		incidentsCreated, retryAttempts, recomputeOutcomes,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered Prometheus collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request-count/duration/
// in-flight metrics, skipping the metrics endpoint itself.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordIncidentCreated increments the incident-creation counter.
func RecordIncidentCreated(category, severity string) {
	incidentsCreated.WithLabelValues(category, severity).Inc()
}

// RecordRetryAttempt increments the retry-attempt counter.
func RecordRetryAttempt(outcome string) {
	retryAttempts.WithLabelValues(outcome).Inc()
}

// RecordRecomputeOutcome increments the recompute-outcome counter.
func RecordRecomputeOutcome(outcome string) {
	recomputeOutcomes.WithLabelValues(outcome).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path-parameter segments under /admin/* so the
// method/path cardinality of httpRequests/httpDuration stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) >= 3 && parts[0] == "admin" {
		switch parts[1] {
		case "market-prices", "incidents":
			return "/" + parts[0] + "/" + parts[1] + "/:id"
		}
	}
	return "/" + strings.Join(parts[:min(len(parts), 2)], "/")
}
