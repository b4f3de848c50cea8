package system

import (
	"context"
	"errors"
	"testing"

	core "github.com/r3e-network/invoice-qa-engine/internal/core/service"
)

type fakeService struct {
	name        string
	startErr    error
	stopErr     error
	startCalled bool
	stopCalled  bool
	stopOrder   *[]string
}

func (f *fakeService) Name() string { return f.name }
func (f *fakeService) Start(ctx context.Context) error {
	f.startCalled = true
	return f.startErr
}
func (f *fakeService) Stop(ctx context.Context) error {
	f.stopCalled = true
	if f.stopOrder != nil {
		*f.stopOrder = append(*f.stopOrder, f.name)
	}
	return f.stopErr
}

func TestManager_RegisterRejectsDuplicateName(t *testing.T) {
	m := NewManager()
	if err := m.Register(&fakeService{name: "a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Register(&fakeService{name: "a"}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestManager_StartAbortsOnFirstError(t *testing.T) {
	m := NewManager()
	first := &fakeService{name: "first"}
	second := &fakeService{name: "second", startErr: errors.New("boom")}
	third := &fakeService{name: "third"}
	for _, svc := range []*fakeService{first, second, third} {
		if err := m.Register(svc); err != nil {
			t.Fatalf("register %s: %v", svc.name, err)
		}
	}

	err := m.Start(context.Background())
	if err == nil {
		t.Fatal("expected start error")
	}
	if third.startCalled {
		t.Fatal("third service should not have started")
	}
	if !first.startCalled || !second.startCalled {
		t.Fatal("first and second should have been started")
	}
}

func TestManager_StopRunsInReverseOrderAndAggregatesErrors(t *testing.T) {
	m := NewManager()
	var order []string
	firstErr := errors.New("first stop failed")
	secondErr := errors.New("second stop failed")
	first := &fakeService{name: "first", stopErr: firstErr, stopOrder: &order}
	second := &fakeService{name: "second", stopErr: secondErr, stopOrder: &order}
	for _, svc := range []*fakeService{first, second} {
		if err := m.Register(svc); err != nil {
			t.Fatalf("register %s: %v", svc.name, err)
		}
	}

	err := m.Stop(context.Background())
	if err == nil {
		t.Fatal("expected aggregated stop error")
	}
	if !first.stopCalled || !second.stopCalled {
		t.Fatal("expected both services to receive Stop")
	}
	if !errors.Is(err, firstErr) || !errors.Is(err, secondErr) {
		t.Fatalf("expected both stop errors in %v", err)
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("expected reverse registration order, got %v", order)
	}
}

func TestManager_DescriptorsOnlyIncludesProviders(t *testing.T) {
	m := NewManager()
	descSvc := noopDescriptorService{NoopService{ServiceName: "svc-a", Descr: core.Descriptor{Name: "svc-a", Layer: core.LayerEngine}}}
	plain := &fakeService{name: "svc-b"}

	if err := m.Register(descSvc); err != nil {
		t.Fatalf("register descSvc: %v", err)
	}
	if err := m.Register(plain); err != nil {
		t.Fatalf("register plain: %v", err)
	}

	got := m.Descriptors()
	if len(got) != 1 || got[0].Name != "svc-a" {
		t.Fatalf("expected only svc-a's descriptor, got %#v", got)
	}
}

// noopDescriptorService is NoopService by another name so Register's
// duplicate-name check doesn't collide across tests in this file.
type noopDescriptorService struct{ NoopService }
