// Package killswitch implements the operator-controlled kill-switch and
// pilot-guard admin plane (spec C5). Switches are process-local, mutated
// under a single RWMutex, and read as copies under its read lock; reads are
// not lock-free.
package killswitch

import (
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/invoice-qa-engine/infrastructure/ratelimit"
)

// Switch is a single named boolean gate with last-actor audit.
type Switch struct {
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	LastActor   string    `json:"last_actor"`
	LastUpdated time.Time `json:"last_updated_at"`
	Reason      string    `json:"reason"`
}

// ErrTripped is returned by Guard when a switch denies the call.
type ErrTripped struct {
	SwitchName string
	Reason     string
}

func (e *ErrTripped) Error() string {
	return fmt.Sprintf("kill switch %q is tripped: %s", e.SwitchName, e.Reason)
}

// Registry holds the full set of kill switches for one process.
type Registry struct {
	mu       sync.RWMutex
	switches map[string]Switch
}

// New constructs a Registry with every switch initially disabled (meaning
// not tripped — calls flow normally) and unaudited.
func New(names ...string) *Registry {
	r := &Registry{switches: make(map[string]Switch, len(names))}
	for _, n := range names {
		r.switches[n] = Switch{Name: n}
	}
	return r
}

// List returns a copy of every switch, taken under the read lock, in map
// iteration order; the result is not sorted, and the HTTP handlers return
// it as is.
func (r *Registry) List() []Switch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Switch, 0, len(r.switches))
	for _, s := range r.switches {
		out = append(out, s)
	}
	return out
}

// Get returns the current state of a single switch.
func (r *Registry) Get(name string) (Switch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.switches[name]
	return s, ok
}

// Set toggles a switch, recording the acting admin and reason. Admin
// mutations are serialized by the registry mutex.
func (r *Registry) Set(name string, enabled bool, actor, reason string) Switch {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Switch{
		Name:        name,
		Enabled:     enabled,
		LastActor:   actor,
		LastUpdated: time.Now().UTC(),
		Reason:      reason,
	}
	r.switches[name] = s
	return s
}

// Guard is consulted at the head of a protected request-class pipeline
// before the dependency wrapper stack runs. A tripped switch short-circuits
// with a structured deny.
func (r *Registry) Guard(name string) error {
	s, ok := r.Get(name)
	if !ok || !s.Enabled {
		return nil
	}
	return &ErrTripped{SwitchName: name, Reason: s.Reason}
}

// PilotGuard additionally enforces a per-tenant rate limit (the pilot
// envelope item in spec §6: pilot-enabled, tenant bound, default 50/hour).
type PilotGuard struct {
	registry *Registry
	tenant   string
	limiter  *ratelimit.RateLimiter
}

// NewPilotGuard builds a PilotGuard bound to a single tenant with a
// requests-per-hour budget.
func NewPilotGuard(registry *Registry, tenant string, perHour int) *PilotGuard {
	if perHour <= 0 {
		perHour = 50
	}
	limiter := ratelimit.New(ratelimit.RateLimitConfig{
		RequestsPerSecond: float64(perHour) / 3600.0,
		Burst:             perHour,
		Window:            time.Hour,
	})
	return &PilotGuard{registry: registry, tenant: tenant, limiter: limiter}
}

// Allow reports whether a request for the bound tenant may proceed: the
// pilot kill switch must not be tripped, the request must target the
// bound tenant, and the rate budget must have capacity.
func (g *PilotGuard) Allow(tenantID string) error {
	if tenantID != g.tenant {
		return fmt.Errorf("tenant %q is not enrolled in pilot", tenantID)
	}
	if err := g.registry.Guard("pilot"); err != nil {
		return err
	}
	if !g.limiter.Allow() {
		return fmt.Errorf("pilot rate limit exceeded for tenant %q", tenantID)
	}
	return nil
}
