package breaker

import (
	"context"
	"fmt"
	"testing"

	"github.com/r3e-network/invoice-qa-engine/infrastructure/resilience"
	"github.com/r3e-network/invoice-qa-engine/internal/config"
	"github.com/r3e-network/invoice-qa-engine/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_LazyConstructionAndReuse(t *testing.T) {
	r := New(nil, logger.NewDefault("test"))
	cb1 := r.Get("market_price_lookup")
	cb2 := r.Get("market_price_lookup")
	assert.Same(t, cb1, cb2)
}

func TestGet_OpensAfterConsecutiveFailures(t *testing.T) {
	cfgs := map[string]config.DependencyConfig{
		"ocr_extraction": {FailureThreshold: 2, OpenDuration: 30, HalfOpenMax: 1},
	}
	r := New(cfgs, logger.NewDefault("test"))
	cb := r.Get("ocr_extraction")

	// context.DeadlineExceeded classifies as a CB-failure (taxonomy.go);
	// a plain errors.New would not count against the breaker at all.
	fail := func() error { return context.DeadlineExceeded }
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)

	require.Equal(t, resilience.StateOpen, cb.State())
	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestGet_NonCBFailureNeverOpens(t *testing.T) {
	cfgs := map[string]config.DependencyConfig{
		"ocr_extraction": {FailureThreshold: 1, OpenDuration: 30, HalfOpenMax: 1},
	}
	r := New(cfgs, logger.NewDefault("test"))
	cb := r.Get("ocr_extraction")

	// A plain validation-style error is a non-CB-failure; it must not
	// count against ConsecutiveFailures however many times it repeats.
	fail := func() error { return fmt.Errorf("invalid argument") }
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), fail)
	}

	require.Equal(t, resilience.StateClosed, cb.State())
}

func TestState_ReportsOnlyConstructedBreakers(t *testing.T) {
	r := New(nil, logger.NewDefault("test"))
	assert.Empty(t, r.State())
	r.Get("market_price_lookup")
	states := r.State()
	assert.Contains(t, states, "market_price_lookup")
}
