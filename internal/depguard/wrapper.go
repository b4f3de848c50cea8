// Package depguard implements the dependency wrapper (spec C4): every
// outbound call is guarded by a circuit-breaker pre-check, a timeout, the
// call itself, failure classification, and exponential backoff with
// jitter on the read path. Write-path calls never retry, to avoid double
// writes against the dependency.
package depguard

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/r3e-network/invoice-qa-engine/infrastructure/resilience"
	"github.com/r3e-network/invoice-qa-engine/internal/breaker"
	"github.com/r3e-network/invoice-qa-engine/internal/config"
	"github.com/r3e-network/invoice-qa-engine/internal/taxonomy"
)

// Errors surfaced at the dependency-wrapper boundary; the HTTP edge maps
// these to 503/504/502 per spec §4.4.
var (
	ErrCircuitOpen      = resilience.ErrCircuitOpen
	ErrDependencyTimeout = errors.New("dependency call timed out")
)

// StatusError lets a callee report an HTTP-style status code so the
// taxonomy can classify it; callees that are not HTTP-backed should not
// implement this and will be classified purely by error type.
type StatusError = taxonomy.StatusError

// CallFunc is a single outbound call attempt.
type CallFunc func(ctx context.Context) error

// Wrapper guards calls to one dependency.
type Wrapper struct {
	name     string
	cfg      config.DependencyConfig
	breakers *breaker.Registry
}

// New builds a Wrapper for dependency, reading its envelope from cfg.
func New(dependency string, cfg map[string]config.DependencyConfig, breakers *breaker.Registry) *Wrapper {
	dc, ok := cfg[dependency]
	if !ok {
		dc = config.DependencyConfig{
			FailureThreshold: 5, OpenDuration: 30, HalfOpenMax: 3,
			TimeoutSeconds: 10, Retries: 2, BaseDelayMs: 200, MaxDelayMs: 2000, JitterPct: 0.2,
		}
	}
	return &Wrapper{name: dependency, cfg: dc, breakers: breakers}
}

// Call executes fn under the full guard stack. isWrite forces the retry
// budget to zero regardless of the dependency's configured retry count.
func (w *Wrapper) Call(ctx context.Context, isWrite bool, fn CallFunc) error {
	maxRetries := w.cfg.Retries
	if isWrite {
		maxRetries = 0
	}

	cb := w.breakers.Get(w.name)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, w.timeout())
		err := cb.Execute(callCtx, func() error {
			return fn(callCtx)
		})
		cancel()

		if err == nil {
			return nil
		}

		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
			return err
		}

		kind := taxonomy.ClassifyErr(err)
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrDependencyTimeout
		}

		if !taxonomy.IsRetryable(kind) {
			return err
		}

		lastErr = err
		if attempt < maxRetries {
			time.Sleep(w.backoffDelay(attempt))
		}
	}
	return lastErr
}

func (w *Wrapper) timeout() time.Duration {
	if w.cfg.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(w.cfg.TimeoutSeconds) * time.Second
}

func (w *Wrapper) backoffDelay(attempt int) time.Duration {
	base := w.cfg.BaseDelayMs
	if base <= 0 {
		base = 200
	}
	cap := w.cfg.MaxDelayMs
	if cap <= 0 {
		cap = 2000
	}
	delayMs := base << attempt
	if delayMs > cap || delayMs <= 0 {
		delayMs = cap
	}
	jitter := w.cfg.JitterPct
	if jitter <= 0 {
		return time.Duration(delayMs) * time.Millisecond
	}
	spread := float64(delayMs) * jitter
	jittered := float64(delayMs) + rand.Float64()*spread
	return time.Duration(jittered) * time.Millisecond
}
