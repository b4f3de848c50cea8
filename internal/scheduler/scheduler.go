// Package scheduler runs the recurring background passes the incident
// lifecycle depends on: C11's retry-claim loop and C12's batch recompute
// and stuck sweep, on fixed intervals independent of the admin HTTP
// surface. It fits the same internal/system.Service lifecycle every other
// long-running component in the process uses.
package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/r3e-network/invoice-qa-engine/pkg/logger"
)

// Job is one scheduled unit of work. spec is a robfig/cron expression,
// typically an "@every" interval (e.g. "@every 15s").
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context)
}

// Scheduler wraps a cron.Cron, running every registered Job against a
// shared parent context until Stop is called.
type Scheduler struct {
	cron   *cron.Cron
	jobs   []Job
	log    *logger.Logger
	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds a Scheduler with the given jobs. Jobs are added to the
// underlying cron.Cron lazily in Start, once a run context exists.
func New(log *logger.Logger, jobs ...Job) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{cron: cron.New(), jobs: jobs, log: log}
}

func (s *Scheduler) Name() string { return "scheduler" }

// Start registers every job against a cancellable context derived from ctx
// and starts the cron runner in its own goroutine, matching cron.Cron's
// own async convention.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Spec, func() {
			s.log.WithField("job", job.Name).Debug("scheduler: running job")
			job.Run(runCtx)
		}); err != nil {
			cancel()
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop cancels the job context and waits for any in-flight run to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
