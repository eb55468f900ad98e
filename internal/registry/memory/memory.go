package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/wudi/edgeway/internal/registry"
)

// Registry keeps service instances in process. It backs tests and
// single-node deployments that register instances through the admin API.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*registry.Service
}

// New creates a new in-memory registry
func New() *Registry {
	return &Registry{services: make(map[string]*registry.Service)}
}

// Register registers a service instance
func (r *Registry) Register(_ context.Context, service *registry.Service) error {
	s := *service
	if s.ID == "" {
		s.ID = uuid.New().String()
		service.ID = s.ID
	}
	if s.Health == "" {
		s.Health = registry.HealthPassing
	}

	r.mu.Lock()
	r.services[s.ID] = &s
	r.mu.Unlock()
	return nil
}

// Deregister removes a service instance
func (r *Registry) Deregister(_ context.Context, serviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[serviceID]; !ok {
		return registry.ErrServiceNotFound
	}
	delete(r.services, serviceID)
	return nil
}

// SetHealth updates the health of a registered instance.
func (r *Registry) SetHealth(serviceID string, h registry.HealthStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.services[serviceID]
	if !ok {
		return registry.ErrServiceNotFound
	}
	updated := *s
	updated.Health = h
	r.services[serviceID] = &updated
	return nil
}

// Discover returns copies of every instance of serviceName ordered by id.
func (r *Registry) Discover(_ context.Context, serviceName string) ([]*registry.Service, error) {
	r.mu.RLock()
	var out []*registry.Service
	for _, s := range r.services {
		if s.Name == serviceName {
			c := *s
			out = append(out, &c)
		}
	}
	r.mu.RUnlock()

	if len(out) == 0 {
		return nil, registry.ErrServiceNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close is a no-op.
func (r *Registry) Close() error {
	return nil
}
