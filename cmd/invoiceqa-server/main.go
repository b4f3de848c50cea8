// Command invoiceqa-server boots the invoice quality-assurance engine: the
// admin HTTP surface, the retry-claim loop, and the recompute batch/sweep
// passes, wired into a single internal/system.Manager lifecycle.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/r3e-network/invoice-qa-engine/internal/app"
	"github.com/r3e-network/invoice-qa-engine/internal/config"
	"github.com/r3e-network/invoice-qa-engine/internal/httpapi"
	"github.com/r3e-network/invoice-qa-engine/internal/platform/database"
	"github.com/r3e-network/invoice-qa-engine/internal/platform/migrations"
	"github.com/r3e-network/invoice-qa-engine/internal/scheduler"
	"github.com/r3e-network/invoice-qa-engine/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides config/env)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	thresholdsPath := flag.String("thresholds", "", "path to a YAML threshold overlay file")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	retryInterval := flag.String("retry-interval", "@every 15s", "cron spec for the retry-claim loop")
	recomputeInterval := flag.String("recompute-interval", "@every 30s", "cron spec for the recompute batch pass")
	sweepInterval := flag.String("sweep-interval", "@every 5m", "cron spec for the stuck-incident sweep")
	recomputeBatchSize := flag.Int("recompute-batch-size", 50, "incidents processed per recompute batch pass")
	flag.Parse()

	log := logger.NewDefault("invoiceqa-server")

	cfg, err := config.Load(*thresholdsPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	rootCtx := context.Background()
	dsnVal := resolveDSN(*dsn, cfg)

	var db *sql.DB
	if dsnVal != "" {
		db, err = database.Open(rootCtx, dsnVal)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		if *runMigrations {
			if err := migrations.Apply(rootCtx, db); err != nil {
				log.Fatalf("apply migrations: %v", err)
			}
		}
		defer db.Close()
	}

	application, err := app.New(cfg, db, log)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	listenAddr := resolveAddr(*addr, cfg)
	httpService := httpapi.NewService(application, listenAddr, log)
	if err := application.Attach(httpService); err != nil {
		log.Fatalf("attach http service: %v", err)
	}

	sched := scheduler.New(log,
		scheduler.Job{
			Name: "retry-claim",
			Spec: *retryInterval,
			Run: func(ctx context.Context) {
				if err := application.KillSwitches.Guard("retry_executor"); err != nil {
					return
				}
				if _, err := application.RetryExec.ClaimAndExecute(ctx); err != nil {
					log.WithField("job", "retry-claim").Errorf("retry claim failed: %v", err)
				}
			},
		},
		scheduler.Job{
			Name: "recompute-batch",
			Spec: *recomputeInterval,
			Run: func(ctx context.Context) {
				if err := application.KillSwitches.Guard("recompute_orchestrator"); err != nil {
					return
				}
				application.Orchestrator.ProcessBatch(ctx, *recomputeBatchSize)
			},
		},
		scheduler.Job{
			Name: "recompute-sweep",
			Spec: *sweepInterval,
			Run: func(ctx context.Context) {
				if err := application.KillSwitches.Guard("recompute_orchestrator"); err != nil {
					return
				}
				application.Orchestrator.SweepStuck(ctx)
			},
		},
	)
	if err := application.Attach(sched); err != nil {
		log.Fatalf("attach scheduler: %v", err)
	}

	if err := application.Start(rootCtx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	log.Infof("invoice qa engine listening on %s", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if cfg != nil && strings.TrimSpace(cfg.DatabaseURL) != "" {
		return strings.TrimSpace(cfg.DatabaseURL)
	}
	return strings.TrimSpace(os.Getenv("DATABASE_URL"))
}

func resolveAddr(flagAddr string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagAddr); trimmed != "" {
		return trimmed
	}
	if cfg != nil && strings.TrimSpace(cfg.ListenAddr) != "" {
		return cfg.ListenAddr
	}
	return ":8080"
}
