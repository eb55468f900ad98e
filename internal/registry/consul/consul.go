package consul

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/registry"
)

// Registry discovers instances through the Consul health API.
type Registry struct {
	client     *consulapi.Client
	datacenter string
	namespace  string
}

// New creates a new Consul registry
func New(cfg config.ConsulConfig) (*Registry, error) {
	consulCfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	if cfg.Datacenter != "" {
		consulCfg.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}
	if cfg.Namespace != "" {
		consulCfg.Namespace = cfg.Namespace
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	return &Registry{
		client:     client,
		datacenter: cfg.Datacenter,
		namespace:  cfg.Namespace,
	}, nil
}

// Register registers a service instance with the local agent.
func (r *Registry) Register(_ context.Context, service *registry.Service) error {
	registration := &consulapi.AgentServiceRegistration{
		ID:      service.ID,
		Name:    service.Name,
		Address: service.Address,
		Port:    service.Port,
		Tags:    service.Tags,
		Meta:    service.Metadata,
	}
	if err := r.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}
	return nil
}

// Deregister removes a service instance from the local agent.
func (r *Registry) Deregister(_ context.Context, serviceID string) error {
	if err := r.client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}
	return nil
}

// Discover returns the passing instances of serviceName.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	q := (&consulapi.QueryOptions{
		Datacenter: r.datacenter,
		Namespace:  r.namespace,
		AllowStale: true,
	}).WithContext(ctx)

	entries, _, err := r.client.Health().Service(serviceName, "", true, q)
	if err != nil {
		return nil, fmt.Errorf("failed to discover %s: %w", serviceName, err)
	}
	if len(entries) == 0 {
		return nil, registry.ErrServiceNotFound
	}

	services := make([]*registry.Service, 0, len(entries))
	for _, entry := range entries {
		svc := &registry.Service{
			ID:       entry.Service.ID,
			Name:     entry.Service.Service,
			Address:  entry.Service.Address,
			Port:     entry.Service.Port,
			Tags:     entry.Service.Tags,
			Metadata: entry.Service.Meta,
			Health:   convertHealth(entry.Checks),
		}
		if svc.Address == "" && entry.Node != nil {
			svc.Address = entry.Node.Address
		}
		services = append(services, svc)
	}
	return services, nil
}

// convertHealth folds an instance's checks into one status.
func convertHealth(checks consulapi.HealthChecks) registry.HealthStatus {
	status := registry.HealthPassing
	for _, check := range checks {
		switch check.Status {
		case consulapi.HealthCritical:
			return registry.HealthCritical
		case consulapi.HealthWarning:
			status = registry.HealthWarning
		}
	}
	return status
}

// Close is a no-op; the consul client holds no long-lived resources.
func (r *Registry) Close() error {
	return nil
}
