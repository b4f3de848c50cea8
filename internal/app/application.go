// Package app wires every domain service into a single process: market
// price storage, bulk import, the incident lifecycle (C10-C13), kill
// switches, and the dependency-guard/circuit-breaker layer the retry
// executor and orchestrator call through.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/invoice-qa-engine/internal/breaker"
	"github.com/r3e-network/invoice-qa-engine/internal/bulkimport"
	core "github.com/r3e-network/invoice-qa-engine/internal/core/service"
	"github.com/r3e-network/invoice-qa-engine/internal/config"
	"github.com/r3e-network/invoice-qa-engine/internal/depguard"
	"github.com/r3e-network/invoice-qa-engine/internal/incident"
	"github.com/r3e-network/invoice-qa-engine/internal/incident/memstore"
	incidentpg "github.com/r3e-network/invoice-qa-engine/internal/incident/postgres"
	"github.com/r3e-network/invoice-qa-engine/internal/killswitch"
	"github.com/r3e-network/invoice-qa-engine/internal/marketprice"
	marketpricepg "github.com/r3e-network/invoice-qa-engine/internal/marketprice/postgres"
	"github.com/r3e-network/invoice-qa-engine/internal/orchestrator"
	"github.com/r3e-network/invoice-qa-engine/internal/retryexec"
	"github.com/r3e-network/invoice-qa-engine/internal/system"
	"github.com/r3e-network/invoice-qa-engine/pkg/logger"
)

// killSwitchNames is the closed set of operator-controlled gates this
// process registers at boot.
var killSwitchNames = []string{"pilot", "bulk_import", "retry_executor", "recompute_orchestrator"}

// Application is the fully wired process: every domain service plus the
// lifecycle manager that starts and stops their background components.
type Application struct {
	Config       *config.Config
	DB           *sql.DB
	Log          *logger.Logger
	Clock        func() time.Time

	MarketPrices *marketprice.Store
	BulkImport   *bulkimport.Engine
	Incidents    incident.AdminRepository
	KillSwitches *killswitch.Registry
	PilotGuard   *killswitch.PilotGuard
	Breakers     *breaker.Registry
	Orchestrator *orchestrator.Orchestrator
	RetryExec    *retryexec.Executor

	manager     *system.Manager
	descriptors []core.Descriptor
}

// New builds an Application. A nil db selects the in-memory stores, for
// local development and tests; a non-nil db wires the Postgres-backed
// stores (the caller is responsible for running migrations first).
func New(cfg *config.Config, db *sql.DB, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	var (
		recordStore  marketprice.RecordStore
		historyStore marketprice.HistoryStore
		incidents    incident.AdminRepository
	)
	if db != nil {
		sdb := sqlx.NewDb(db, "postgres")
		recordStore = marketpricepg.NewRecordStore(sdb)
		historyStore = marketpricepg.NewHistoryStore(sdb)
		incidents = incidentpg.New(sdb)
	} else {
		recordStore = marketprice.NewMemoryRecordStore()
		historyStore = marketprice.NewMemoryHistoryStore()
		incidents = memstore.New()
	}

	mpStore := marketprice.New(recordStore, historyStore, log)
	switches := killswitch.New(killSwitchNames...)
	breakers := breaker.New(cfg.Dependencies, log)
	importEngine := bulkimport.NewGuarded(mpStore, cfg.Dependencies, breakers)

	claimStore, ok := incidents.(retryexec.ClaimStore)
	if !ok {
		return nil, fmt.Errorf("incident repository does not implement retryexec.ClaimStore")
	}
	orchStore, ok := incidents.(orchestrator.Store)
	if !ok {
		return nil, fmt.Errorf("incident repository does not implement orchestrator.Store")
	}

	lookup := marketPriceLookupFunc(mpStore, cfg.Dependencies, breakers)
	retryExecutor := retryexec.New(claimStore, lookup)
	stuckAfter := time.Duration(cfg.Recovery.StuckMinutes) * time.Minute
	orch := orchestrator.New(orchStore, lookup, nil, cfg.Recovery.MaxRecomputeCount, stuckAfter)

	manager := system.NewManager()

	var pilotGuard *killswitch.PilotGuard
	if cfg.PilotEnabled && cfg.PilotTenant != "" {
		pilotGuard = killswitch.NewPilotGuard(switches, cfg.PilotTenant, cfg.PilotRatePerHour)
	}

	app := &Application{
		Config:       cfg,
		DB:           db,
		Log:          log,
		Clock:        time.Now,
		MarketPrices: mpStore,
		BulkImport:   importEngine,
		Incidents:    incidents,
		KillSwitches: switches,
		PilotGuard:   pilotGuard,
		Breakers:     breakers,
		Orchestrator: orch,
		RetryExec:    retryExecutor,
		manager:      manager,
	}

	app.descriptors = []core.Descriptor{
		{Name: "market-prices", Domain: "invoice-qa", Layer: core.LayerData}.
			WithCapabilities("upsert", "list", "history", "lock"),
		{Name: "bulk-import", Domain: "invoice-qa", Layer: core.LayerAdapter}.
			WithCapabilities("csv", "json", "preview", "apply"),
		{Name: "incidents", Domain: "invoice-qa", Layer: core.LayerEngine}.
			WithCapabilities("list", "status", "feedback"),
		{Name: "retry-executor", Domain: "invoice-qa", Layer: core.LayerEngine}.
			WithCapabilities("claim", "execute"),
		{Name: "recompute-orchestrator", Domain: "invoice-qa", Layer: core.LayerEngine}.
			WithCapabilities("batch", "sweep-stuck"),
		{Name: "kill-switches", Domain: "invoice-qa", Layer: core.LayerSecurity}.
			WithCapabilities("guard", "toggle"),
	}

	return app, nil
}

// marketPriceLookupFunc builds the retry/recompute lookup: re-run the
// market-price read that originally failed, guarded by the circuit breaker
// for the market_price_lookup dependency so a down provider trips instead
// of burning through every eligible incident's retry budget.
func marketPriceLookupFunc(store *marketprice.Store, deps map[string]config.DependencyConfig, breakers *breaker.Registry) retryexec.LookupFunc {
	wrapper := depguard.New("market_price_lookup", deps, breakers)
	return func(ctx context.Context, inc *incident.Incident) error {
		period, _ := inc.RoutedPayload["period"].(string)
		if period == "" {
			return fmt.Errorf("incident %s has no period in routed_payload", inc.ID)
		}
		return wrapper.Call(ctx, false, func(ctx context.Context) error {
			_, err := store.GetForCalculation(ctx, period)
			return err
		})
	}
}

// Attach registers an additional lifecycle-managed service (e.g. the HTTP
// server), started and stopped alongside everything else.
func (a *Application) Attach(svc system.Service) error {
	return a.manager.Register(svc)
}

// Start brings up every attached service in registration order.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop shuts down every attached service in reverse registration order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors returns the registered service descriptors in the order New
// declares them, for the introspection surface; they are not sorted.
func (a *Application) Descriptors() []core.Descriptor {
	return a.descriptors
}
