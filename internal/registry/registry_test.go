package registry_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/wudi/edgeway/internal/registry"
	"github.com/wudi/edgeway/internal/registry/memory"
)

func TestHealthyKeepsPassingAndWarning(t *testing.T) {
	services := []*registry.Service{
		{Address: "10.0.0.1", Port: 80, Health: registry.HealthPassing},
		{Address: "10.0.0.2", Port: 80, Health: registry.HealthCritical},
		{Address: "10.0.0.3", Port: 81, Health: registry.HealthWarning},
		{Address: "::1", Port: 82, Health: registry.HealthPassing},
	}
	got := registry.Healthy(services)
	want := []string{"10.0.0.1:80", "10.0.0.3:81", "[::1]:82"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Healthy() = %v, want %v", got, want)
	}
}

func TestResolverOverMemory(t *testing.T) {
	ctx := context.Background()
	reg := memory.New()
	a := &registry.Service{Name: "orders", Address: "10.0.0.1", Port: 8080}
	b := &registry.Service{Name: "orders", Address: "10.0.0.2", Port: 8080}
	for _, s := range []*registry.Service{a, b} {
		if err := reg.Register(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if a.ID == "" {
		t.Fatal("expected Register to assign an id")
	}

	res := registry.NewResolver(reg)
	addrs, err := res.ResolveUpstream(ctx, "orders")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addresses, got %v", addrs)
	}

	if err := reg.SetHealth(a.ID, registry.HealthCritical); err != nil {
		t.Fatal(err)
	}
	addrs, _ = res.ResolveUpstream(ctx, "orders")
	if !reflect.DeepEqual(addrs, []string{"10.0.0.2:8080"}) {
		t.Errorf("expected only the healthy instance, got %v", addrs)
	}

	addrs, err = res.ResolveUpstream(ctx, "missing")
	if err != nil || len(addrs) != 0 {
		t.Errorf("unknown service should resolve to nothing, got %v, %v", addrs, err)
	}
}

func TestResolverPropagatesBackendErrors(t *testing.T) {
	boom := errors.New("backend down")
	res := registry.NewResolver(failing{err: boom})
	if _, err := res.ResolveUpstream(context.Background(), "orders"); !errors.Is(err, boom) {
		t.Errorf("expected backend error, got %v", err)
	}
}

func TestStaticFallsThrough(t *testing.T) {
	next := registry.ResolverFunc(func(_ context.Context, name string) ([]string, error) {
		return []string{name + ".discovered:80"}, nil
	})
	s := registry.NewStatic(map[string][]string{"orders": {"10.0.0.1:80"}, "empty": {}}, next)

	got, _ := s.ResolveUpstream(context.Background(), "orders")
	if !reflect.DeepEqual(got, []string{"10.0.0.1:80"}) {
		t.Errorf("static lookup = %v", got)
	}
	got[0] = "mutated"
	again, _ := s.ResolveUpstream(context.Background(), "orders")
	if again[0] != "10.0.0.1:80" {
		t.Error("callers must not be able to mutate the static set")
	}

	got, _ = s.ResolveUpstream(context.Background(), "empty")
	if len(got) != 0 {
		t.Errorf("configured empty set must not fall through, got %v", got)
	}

	got, _ = s.ResolveUpstream(context.Background(), "users")
	if !reflect.DeepEqual(got, []string{"users.discovered:80"}) {
		t.Errorf("fallthrough = %v", got)
	}

	if got, err := registry.NewStatic(nil, nil).ResolveUpstream(context.Background(), "x"); err != nil || got != nil {
		t.Errorf("no next resolver should give nothing, got %v, %v", got, err)
	}
}

type failing struct{ err error }

func (f failing) Register(context.Context, *registry.Service) error { return f.err }
func (f failing) Deregister(context.Context, string) error          { return f.err }
func (f failing) Discover(context.Context, string) ([]*registry.Service, error) {
	return nil, f.err
}
func (f failing) Close() error { return nil }
