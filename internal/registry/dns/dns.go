package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/registry"
)

// resolver abstracts DNS lookups for testability.
type resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Registry implements service discovery via DNS SRV records (RFC 2782).
// It is read-only and queries DNS on every Discover call.
type Registry struct {
	domain   string
	protocol string
	resolver resolver
}

// New creates a new DNS SRV registry.
func New(cfg config.DNSConfig) (*Registry, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("dns registry: domain is required")
	}

	protocol := cfg.Protocol
	if protocol == "" {
		protocol = "tcp"
	}

	r := net.DefaultResolver
	if cfg.Nameserver != "" {
		ns := cfg.Nameserver
		r = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: 5 * time.Second}
				return d.DialContext(ctx, "udp", ns)
			},
		}
	}

	return &Registry{domain: cfg.Domain, protocol: protocol, resolver: r}, nil
}

// Register is a no-op for DNS SRV (read-only registry).
func (r *Registry) Register(_ context.Context, _ *registry.Service) error {
	return nil
}

// Deregister is a no-op for DNS SRV (read-only registry).
func (r *Registry) Deregister(_ context.Context, _ string) error {
	return nil
}

// Discover looks up _service._proto.domain and resolves each target.
// Instances are ordered by priority ascending, then weight descending.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	_, srvs, err := r.resolver.LookupSRV(ctx, serviceName, r.protocol, r.domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, registry.ErrServiceNotFound
		}
		return nil, fmt.Errorf("dns srv lookup failed for %s: %w", serviceName, err)
	}

	sort.SliceStable(srvs, func(i, j int) bool {
		if srvs[i].Priority != srvs[j].Priority {
			return srvs[i].Priority < srvs[j].Priority
		}
		return srvs[i].Weight > srvs[j].Weight
	})

	services := make([]*registry.Service, 0, len(srvs))
	for _, srv := range srvs {
		target := strings.TrimSuffix(srv.Target, ".")
		services = append(services, &registry.Service{
			ID:      fmt.Sprintf("%s-%s-%d", serviceName, target, srv.Port),
			Name:    serviceName,
			Address: r.resolveTarget(ctx, target),
			Port:    int(srv.Port),
			Health:  registry.HealthPassing,
			Metadata: map[string]string{
				"srv_priority": strconv.FormatUint(uint64(srv.Priority), 10),
				"srv_weight":   strconv.FormatUint(uint64(srv.Weight), 10),
				"srv_target":   target,
			},
		})
	}
	return services, nil
}

// resolveTarget resolves an SRV target to an address, preferring IPv4 and
// falling back to the hostname.
func (r *Registry) resolveTarget(ctx context.Context, target string) string {
	if net.ParseIP(target) != nil {
		return target
	}
	addrs, err := r.resolver.LookupHost(ctx, target)
	if err != nil || len(addrs) == 0 {
		return target
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	return addrs[0]
}

// Close is a no-op.
func (r *Registry) Close() error {
	return nil
}
