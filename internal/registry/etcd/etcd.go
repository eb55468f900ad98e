package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/registry"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const leaseTTL = 30 // seconds

// Registry stores instances as JSON under <prefix><name>/<id>. Registered
// instances are bound to a lease kept alive until Close.
type Registry struct {
	client *clientv3.Client
	prefix string

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new etcd registry
func New(cfg config.EtcdConfig) (*Registry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd registry: at least one endpoint is required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "/services/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{client: client, prefix: prefix, ctx: ctx, cancel: cancel}, nil
}

func (r *Registry) serviceKey(name, id string) string {
	return r.prefix + name + "/" + id
}

// Register writes the instance under a fresh lease.
func (r *Registry) Register(ctx context.Context, service *registry.Service) error {
	lease, err := r.client.Grant(ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	data, err := json.Marshal(service)
	if err != nil {
		return fmt.Errorf("failed to marshal service: %w", err)
	}

	if _, err := r.client.Put(ctx, r.serviceKey(service.Name, service.ID), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	keepAlive, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	go func() {
		for range keepAlive {
		}
	}()
	return nil
}

// Deregister deletes every key holding serviceID.
func (r *Registry) Deregister(ctx context.Context, serviceID string) error {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}

	for _, kv := range resp.Kvs {
		if !strings.HasSuffix(string(kv.Key), "/"+serviceID) {
			continue
		}
		if _, err := r.client.Delete(ctx, string(kv.Key)); err != nil {
			return fmt.Errorf("failed to deregister service: %w", err)
		}
		return nil
	}
	return registry.ErrServiceNotFound
}

// Discover reads every instance under the service prefix. Entries that do
// not decode are skipped.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	resp, err := r.client.Get(ctx, r.prefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to discover %s: %w", serviceName, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, registry.ErrServiceNotFound
	}

	services := make([]*registry.Service, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var svc registry.Service
		if err := json.Unmarshal(kv.Value, &svc); err != nil {
			continue
		}
		if svc.Health == "" {
			svc.Health = registry.HealthPassing
		}
		services = append(services, &svc)
	}
	return services, nil
}

// Close stops lease keepalives and closes the client.
func (r *Registry) Close() error {
	r.cancel()
	return r.client.Close()
}
