package registry

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// HealthStatus represents the health status of a service
type HealthStatus string

const (
	HealthPassing  HealthStatus = "passing"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// Service represents a service instance
type Service struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Health   HealthStatus      `json:"health"`
}

// Addr returns host:port for the instance.
func (s *Service) Addr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// Registry is a discovery backend.
type Registry interface {
	// Register registers a service instance. Read-only backends return nil.
	Register(ctx context.Context, service *Service) error

	// Deregister removes a service instance
	Deregister(ctx context.Context, serviceID string) error

	// Discover returns the known instances of a service, healthy or not.
	Discover(ctx context.Context, serviceName string) ([]*Service, error)

	// Close closes the registry connection
	Close() error
}

// Resolver turns a logical upstream name into concrete addresses. Results
// are used for a single request only.
type Resolver interface {
	ResolveUpstream(ctx context.Context, name string) ([]string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, name string) ([]string, error)

// ResolveUpstream calls f.
func (f ResolverFunc) ResolveUpstream(ctx context.Context, name string) ([]string, error) {
	return f(ctx, name)
}

// RegistryType represents the type of registry
type RegistryType string

const (
	TypeConsul     RegistryType = "consul"
	TypeEtcd       RegistryType = "etcd"
	TypeKubernetes RegistryType = "kubernetes"
	TypeMemory     RegistryType = "memory"
	TypeDNS        RegistryType = "dns"
)

// ErrServiceNotFound is returned when a service is not found
var ErrServiceNotFound = errors.New("service not found")

// Healthy returns host:port of every passing or warning instance, in
// discovery order.
func Healthy(services []*Service) []string {
	addrs := make([]string, 0, len(services))
	for _, s := range services {
		if s.Health == HealthPassing || s.Health == HealthWarning {
			addrs = append(addrs, s.Addr())
		}
	}
	return addrs
}

// NewResolver resolves names through reg, keeping healthy instances only.
// An unknown service resolves to no addresses.
func NewResolver(reg Registry) Resolver {
	return ResolverFunc(func(ctx context.Context, name string) ([]string, error) {
		services, err := reg.Discover(ctx, name)
		if errors.Is(err, ErrServiceNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return Healthy(services), nil
	})
}

// Static resolves names from a fixed map. Upstreams configured with explicit
// addresses use it ahead of any registry.
type Static struct {
	addrs map[string][]string
	next  Resolver
}

// NewStatic creates a static resolver. Names it does not know fall through
// to next, which may be nil.
func NewStatic(addrs map[string][]string, next Resolver) *Static {
	m := make(map[string][]string, len(addrs))
	for k, v := range addrs {
		m[k] = append([]string(nil), v...)
	}
	return &Static{addrs: m, next: next}
}

// ResolveUpstream implements Resolver.
func (s *Static) ResolveUpstream(ctx context.Context, name string) ([]string, error) {
	if addrs, ok := s.addrs[name]; ok {
		return append([]string(nil), addrs...), nil
	}
	if s.next == nil {
		return nil, nil
	}
	return s.next.ResolveUpstream(ctx, name)
}
