// Package breaker maintains the per-dependency circuit breaker registry
// (spec C3). Breakers are lazily constructed from config and live for the
// lifetime of the process; this state is intentionally process-local and
// is never shared across workers.
package breaker

import (
	"sync"

	"github.com/r3e-network/invoice-qa-engine/infrastructure/resilience"
	"github.com/r3e-network/invoice-qa-engine/internal/config"
	"github.com/r3e-network/invoice-qa-engine/internal/taxonomy"
	"github.com/r3e-network/invoice-qa-engine/pkg/logger"
)

// Registry maps dependency names to lazily-constructed breakers.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	configs  map[string]config.DependencyConfig
	log      *logger.Logger
}

// New builds a Registry from the dependency envelope in cfg.
func New(cfg map[string]config.DependencyConfig, log *logger.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*resilience.CircuitBreaker),
		configs:  cfg,
		log:      log,
	}
}

// Get returns the breaker for dependency, constructing it on first use.
func (r *Registry) Get(dependency string) *resilience.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[dependency]; ok {
		return cb
	}

	dc, ok := r.configs[dependency]
	if !ok {
		dc = config.DependencyConfig{FailureThreshold: 5, OpenDuration: 30, HalfOpenMax: 3}
	}

	cbCfg := resilience.ServiceCBConfig(resilience.ServiceCircuitBreakerConfig{
		MaxFailures:    dc.FailureThreshold,
		TimeoutSeconds: dc.OpenDuration,
		HalfOpenMax:    dc.HalfOpenMax,
		Logger:         r.log,
		// A non-CB-failure (client error, validation error, etc.) must not
		// trip the breaker (spec §4.2/§4.4-2e): only count it as a breaker
		// failure when the taxonomy actually classifies it as one.
		IsSuccessful: func(err error) bool {
			return !taxonomy.CountsAgainstBreaker(err)
		},
	})

	cb := resilience.New(cbCfg)
	r.breakers[dependency] = cb
	return cb
}

// State reports the current state of every constructed breaker, for the
// readiness probe and system-health surfaces.
func (r *Registry) State() map[string]resilience.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]resilience.State, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State()
	}
	return out
}
