package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/wudi/edgeway/internal/registry"
)

func TestRegisterDiscoverDeregister(t *testing.T) {
	ctx := context.Background()
	r := New()

	svc := &registry.Service{ID: "b", Name: "orders", Address: "10.0.0.2", Port: 80}
	if err := r.Register(ctx, svc); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ctx, &registry.Service{ID: "a", Name: "orders", Address: "10.0.0.1", Port: 80}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ctx, &registry.Service{Name: "users", Address: "10.0.1.1", Port: 80}); err != nil {
		t.Fatal(err)
	}

	got, err := r.Discover(ctx, "orders")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected instances %+v", got)
	}
	if got[0].Health != registry.HealthPassing {
		t.Errorf("expected default health passing, got %s", got[0].Health)
	}

	got[0].Address = "mutated"
	again, _ := r.Discover(ctx, "orders")
	if again[0].Address != "10.0.0.1" {
		t.Error("Discover must return copies")
	}

	if err := r.Deregister(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := r.Deregister(ctx, "a"); !errors.Is(err, registry.ErrServiceNotFound) {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
	if err := r.Deregister(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Discover(ctx, "orders"); !errors.Is(err, registry.ErrServiceNotFound) {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestSetHealth(t *testing.T) {
	r := New()
	if err := r.SetHealth("nope", registry.HealthCritical); !errors.Is(err, registry.ErrServiceNotFound) {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
	_ = r.Register(context.Background(), &registry.Service{ID: "a", Name: "orders"})
	if err := r.SetHealth("a", registry.HealthCritical); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Discover(context.Background(), "orders")
	if got[0].Health != registry.HealthCritical {
		t.Errorf("health = %s", got[0].Health)
	}
}
