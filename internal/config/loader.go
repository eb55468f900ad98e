package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
)

// validRegistryTypes lists the discovery backends known to the gateway.
var validRegistryTypes = map[string]bool{
	"memory": true, "consul": true, "etcd": true, "dns": true, "kubernetes": true,
}

var validStrategies = map[string]bool{
	"":                       true,
	StrategyRoundRobin:       true,
	StrategyLeastConnections: true,
	StrategyRandom:           true,
	StrategyIPHash:           true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// RegisterSecretProvider adds a source for ${scheme:ref} values.
func (l *Loader) RegisterSecretProvider(p SecretProvider) {
	l.secrets.Register(p)
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left untouched.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate checks the structure of the configuration. Route predicates and
// filter arguments are checked when the route table is compiled.
func (l *Loader) validate(cfg *Config) error {
	var errs []error

	if cfg.Listen.Address == "" {
		errs = append(errs, errors.New("listen.address is required"))
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		errs = append(errs, errors.New("admin.address is required when admin is enabled"))
	}
	if !validRegistryTypes[cfg.Registry.Type] {
		errs = append(errs, fmt.Errorf("registry.type %q is not supported", cfg.Registry.Type))
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate %v must be within [0, 1]", cfg.Tracing.SampleRate))
	}

	for name, c := range cfg.Auth.Checkers {
		switch c.Type {
		case "http":
			if c.URL == "" {
				errs = append(errs, fmt.Errorf("auth checker %q: url is required", name))
			}
		case "jwt":
			if c.Secret == "" && c.PublicKey == "" {
				errs = append(errs, fmt.Errorf("auth checker %q: secret or public_key is required", name))
			}
		default:
			errs = append(errs, fmt.Errorf("auth checker %q: type %q must be http or jwt", name, c.Type))
		}
	}

	if cfg.Webhooks.Enabled {
		for i, ep := range cfg.Webhooks.Endpoints {
			u, err := url.Parse(ep.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				errs = append(errs, fmt.Errorf("webhooks.endpoints[%d]: url %q must be an absolute http(s) URL", i, ep.URL))
			}
			if len(ep.Events) == 0 {
				errs = append(errs, fmt.Errorf("webhooks.endpoints[%d]: at least one event pattern is required", i))
			}
			for _, pattern := range ep.Events {
				if !doublestar.ValidatePattern(pattern) {
					errs = append(errs, fmt.Errorf("webhooks.endpoints[%d]: invalid event pattern %q", i, pattern))
				}
			}
		}
	}

	upstreams := make(map[string]bool, len(cfg.Upstreams))
	for i, u := range cfg.Upstreams {
		if u.Name == "" {
			errs = append(errs, fmt.Errorf("upstreams[%d]: name is required", i))
			continue
		}
		if upstreams[u.Name] {
			errs = append(errs, fmt.Errorf("upstream %q: duplicate name", u.Name))
		}
		upstreams[u.Name] = true
		if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("upstream %q: scheme %q must be http or https", u.Name, u.Scheme))
		}
		if !validStrategies[u.Strategy] {
			errs = append(errs, fmt.Errorf("upstream %q: unknown strategy %q", u.Name, u.Strategy))
		}
		for _, addr := range u.Addresses {
			if addr == "" || strings.Contains(addr, "/") {
				errs = append(errs, fmt.Errorf("upstream %q: address %q must be host:port", u.Name, addr))
			}
		}
		if hc := u.HealthCheck; hc != nil {
			if len(u.Addresses) == 0 {
				errs = append(errs, fmt.Errorf("upstream %q: health_check needs static addresses", u.Name))
			}
			if hc.Path != "" && !strings.HasPrefix(hc.Path, "/") {
				errs = append(errs, fmt.Errorf("upstream %q: health_check.path must start with /", u.Name))
			}
			if hc.Interval < 0 || hc.Timeout < 0 || hc.HealthyAfter < 0 || hc.UnhealthyAfter < 0 {
				errs = append(errs, fmt.Errorf("upstream %q: health_check values must not be negative", u.Name))
			}
		}
	}

	errs = append(errs, ValidateRoutes(cfg.Routes)...)

	return errors.Join(errs...)
}

// ValidateRoutes checks route identity and targets.
func ValidateRoutes(routes []RouteConfig) []error {
	var errs []error
	ids := make(map[string]bool, len(routes))
	for i, r := range routes {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: id is required", i))
			continue
		}
		if ids[r.ID] {
			errs = append(errs, fmt.Errorf("route %q: duplicate id", r.ID))
		}
		ids[r.ID] = true
		if _, err := ParseTarget(r.URI); err != nil {
			errs = append(errs, fmt.Errorf("route %q: %w", r.ID, err))
		}
		for j, f := range r.Filters {
			if f.Name == "" {
				errs = append(errs, fmt.Errorf("route %q: filters[%d]: name is required", r.ID, j))
			}
		}
	}
	return errs
}

// Target is a parsed route destination.
type Target struct {
	// Upstream is set for lb://name targets.
	Upstream string
	// URL is set for static targets; its path is prepended to request paths.
	URL *url.URL
}

// ParseTarget parses a route uri into a static URL or a logical upstream name.
func ParseTarget(raw string) (Target, error) {
	if raw == "" {
		return Target{}, errors.New("uri is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("invalid uri %q: %w", raw, err)
	}
	switch u.Scheme {
	case "lb":
		if u.Host == "" {
			return Target{}, fmt.Errorf("uri %q: upstream name is required", raw)
		}
		return Target{Upstream: u.Host}, nil
	case "http", "https":
		if u.Host == "" {
			return Target{}, fmt.Errorf("uri %q: host is required", raw)
		}
		return Target{URL: u}, nil
	default:
		return Target{}, fmt.Errorf("uri %q: scheme must be http, https or lb", raw)
	}
}
