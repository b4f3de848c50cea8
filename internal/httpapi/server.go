// Package httpapi implements the operator-facing admin HTTP surface (spec
// §6): market-price CRUD and bulk import, incident inspection and manual
// override, calibration and drift reporting, kill-switch control, and the
// health/readiness/metrics probes.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/r3e-network/invoice-qa-engine/internal/app"
	"github.com/r3e-network/invoice-qa-engine/internal/health"
	"github.com/r3e-network/invoice-qa-engine/pkg/logger"
)

// handler bundles every admin HTTP endpoint over a shared Application.
type handler struct {
	app *app.Application
}

// NewHandler builds the admin mux. Route matching follows the teacher's
// stdlib convention: an exact path for the collection, a trailing-slash
// prefix for the single-resource and sub-resource routes, with the
// resource id parsed out of r.URL.Path inside the handler.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/readyz", h.readyz)
	mux.Handle("/metrics", health.Handler())

	mux.HandleFunc("/admin/market-prices", h.marketPrices)
	mux.HandleFunc("/admin/market-prices/history", h.marketPriceHistory)
	mux.HandleFunc("/admin/market-prices/import/preview", h.marketPriceImportPreview)
	mux.HandleFunc("/admin/market-prices/import/apply", h.marketPriceImportApply)
	mux.HandleFunc("/admin/market-prices/", h.marketPricePeriod)

	mux.HandleFunc("/admin/incidents", h.incidents)
	mux.HandleFunc("/admin/incidents/", h.incidentByID)
	mux.HandleFunc("/admin/feedback-stats", h.feedbackStats)
	mux.HandleFunc("/admin/system-health", h.systemHealth)

	mux.HandleFunc("/admin/ops/kill-switches", h.killSwitches)
	mux.HandleFunc("/admin/ops/kill-switches/", h.killSwitchByName)
	mux.HandleFunc("/admin/ops/status", h.opsStatus)

	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Service wraps the admin mux in an http.Server and fits the internal/system
// lifecycle, mirroring the teacher's app/httpapi.Service.
type Service struct {
	addr    string
	handler http.Handler
	server  *http.Server
	log     *logger.Logger
}

// NewService composes the middleware chain in the documented order:
// panic recovery -> bearer admin-key auth -> audit log -> CORS ->
// security headers -> Prometheus instrumentation -> body-size limit ->
// route handler.
func NewService(application *app.Application, addr string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	var sink auditSink
	if application.DB != nil {
		sink = newPostgresAuditSink(application.DB)
	}
	audit := newAuditLog(300, sink)

	var h http.Handler = NewHandler(application)
	h = wrapWithBodyLimit(h, 0)
	h = health.InstrumentHandler(h)
	h = wrapWithSecurityHeaders(h)
	h = wrapWithCORS(h)
	h = wrapWithAudit(h, audit)
	h = wrapWithAuth(h, application.Config, log)
	h = wrapWithRecovery(h, log)

	return &Service{addr: addr, handler: h, log: log}
}

func (s *Service) Name() string { return "httpapi" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
