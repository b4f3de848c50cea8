package system

import (
	"context"
	"errors"
	"fmt"

	core "github.com/r3e-network/invoice-qa-engine/internal/core/service"
)

// Manager owns every lifecycle-managed Service in the process and starts or
// stops them in registration order. Start failures abort the sequence so a
// half-started process never reaches readiness; Stop keeps going and
// aggregates every error instead of abandoning the remaining services.
type Manager struct {
	services []Service
	byName   map[string]bool
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{byName: make(map[string]bool)}
}

// Register adds a service, rejecting a duplicate name.
func (m *Manager) Register(svc Service) error {
	name := svc.Name()
	if m.byName[name] {
		return fmt.Errorf("service %q already registered", name)
	}
	m.byName[name] = true
	m.services = append(m.services, svc)
	return nil
}

// Start runs Start on every registered service in registration order,
// returning the first error without starting the remainder.
func (m *Manager) Start(ctx context.Context) error {
	for _, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}
	return nil
}

// Stop runs Stop on every registered service in reverse registration order,
// collecting every error so one service's shutdown failure never prevents
// the rest from being asked to stop.
func (m *Manager) Stop(ctx context.Context) error {
	var errs []error
	for i := len(m.services) - 1; i >= 0; i-- {
		svc := m.services[i]
		if err := svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Descriptors returns the descriptors of every registered service that
// implements DescriptorProvider.
func (m *Manager) Descriptors() []core.Descriptor {
	providers := make([]DescriptorProvider, 0, len(m.services))
	for _, svc := range m.services {
		if p, ok := svc.(DescriptorProvider); ok {
			providers = append(providers, p)
		}
	}
	return CollectDescriptors(providers)
}

// NoopService is a placeholder Service for a logical component that has no
// background lifecycle of its own but should still appear in descriptors.
type NoopService struct {
	ServiceName string
	Descr       core.Descriptor
}

func (n NoopService) Name() string                  { return n.ServiceName }
func (n NoopService) Start(ctx context.Context) error { return nil }
func (n NoopService) Stop(ctx context.Context) error  { return nil }
func (n NoopService) Descriptor() core.Descriptor     { return n.Descr }
