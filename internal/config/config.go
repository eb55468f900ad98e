package config

import "time"

// Config represents the complete gateway configuration
type Config struct {
	Listen    ListenConfig     `yaml:"listen"`
	Admin     AdminConfig      `yaml:"admin"`
	Logging   LoggingConfig    `yaml:"logging"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Redis     RedisConfig      `yaml:"redis"`
	Transport TransportConfig  `yaml:"transport"`
	Registry  RegistryConfig   `yaml:"registry"`
	Auth      AuthConfig       `yaml:"auth"`
	Webhooks  WebhooksConfig   `yaml:"webhooks"`
	Upstreams []UpstreamConfig `yaml:"upstreams"`
	Routes    []RouteConfig    `yaml:"routes"`
}

// ListenConfig defines the public HTTP listener.
type ListenConfig struct {
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"` // 0 keeps streaming responses open
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig defines the management listener
type AdminConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig defines the Prometheus endpoint on the admin listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // megabytes
	MaxBackups int  `yaml:"max_backups"` // old files kept
	MaxAge     int  `yaml:"max_age"`     // days
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// TracingConfig defines OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// RedisConfig defines the Redis client used by distributed rate limiting.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password" redact:"true"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// TransportConfig defines the outbound connection pool shared by all upstreams.
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"` // also the per-address checkout bound
	CheckoutTimeout       time.Duration `yaml:"checkout_timeout"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	FlushInterval         time.Duration `yaml:"flush_interval"` // negative flushes after every write
}

// RegistryConfig selects the discovery backend for logical upstreams.
type RegistryConfig struct {
	Type       string           `yaml:"type"` // memory, consul, etcd, dns, kubernetes
	Consul     ConsulConfig     `yaml:"consul"`
	Etcd       EtcdConfig       `yaml:"etcd"`
	DNS        DNSConfig        `yaml:"dns"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

// ConsulConfig defines Consul-specific settings
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token" redact:"true"`
	Namespace  string `yaml:"namespace"`
}

// EtcdConfig defines etcd-specific settings
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password" redact:"true"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DNSConfig defines DNS SRV discovery settings.
type DNSConfig struct {
	Domain     string `yaml:"domain"`
	Protocol   string `yaml:"protocol"`   // tcp or udp
	Nameserver string `yaml:"nameserver"` // host:port, empty uses the system resolver
}

// KubernetesConfig defines Kubernetes endpoints discovery settings.
type KubernetesConfig struct {
	Namespace  string `yaml:"namespace"`
	InCluster  bool   `yaml:"in_cluster"`
	KubeConfig string `yaml:"kubeconfig"`
	PortName   string `yaml:"port_name"`
}

// AuthConfig names shared auth checkers that check_auth filters refer to.
type AuthConfig struct {
	Checkers map[string]CheckerConfig `yaml:"checkers"`
}

// CheckerConfig defines one named checker. Type http calls a validation
// endpoint; type jwt verifies tokens locally.
type CheckerConfig struct {
	Type            string            `yaml:"type"`
	URL             string            `yaml:"url"`
	Timeout         time.Duration     `yaml:"timeout"`
	CacheTTL        time.Duration     `yaml:"cache_ttl"`
	CacheSize       int               `yaml:"cache_size"`
	Secret          string            `yaml:"secret" redact:"true"`
	PublicKey       string            `yaml:"public_key"`
	Algorithm       string            `yaml:"algorithm"`
	Issuer          string            `yaml:"issuer"`
	Audience        string            `yaml:"audience"`
	ClaimsToHeaders map[string]string `yaml:"claims_to_headers"`
}

// WebhooksConfig defines delivery of operational events to HTTP endpoints.
type WebhooksConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Workers   int                `yaml:"workers"`
	QueueSize int                `yaml:"queue_size"`
	Timeout   time.Duration      `yaml:"timeout"`
	Retry     WebhookRetryConfig `yaml:"retry"`
	Endpoints []WebhookEndpoint  `yaml:"endpoints"`
}

// WebhookRetryConfig bounds redelivery of a failed webhook call.
type WebhookRetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// WebhookEndpoint is one receiver. Events holds glob patterns over event
// types, e.g. "circuit_*"; Routes limits route-scoped events to these ids.
type WebhookEndpoint struct {
	ID      string            `yaml:"id"`
	URL     string            `yaml:"url"`
	Secret  string            `yaml:"secret" redact:"true"`
	Events  []string          `yaml:"events"`
	Routes  []string          `yaml:"routes"`
	Headers map[string]string `yaml:"headers"`
}

// Load balancing strategies accepted by UpstreamConfig.Strategy.
const (
	StrategyRoundRobin       = "round_robin"
	StrategyLeastConnections = "least_connections"
	StrategyRandom           = "random"
	StrategyIPHash           = "ip_hash"
)

// UpstreamConfig names a logical upstream. Addresses, when present, are used
// as-is; otherwise the registry resolves the name on every request.
type UpstreamConfig struct {
	Name        string             `yaml:"name"`
	Scheme      string             `yaml:"scheme"` // http or https
	Strategy    string             `yaml:"strategy"`
	Addresses   []string           `yaml:"addresses"`
	HealthCheck *HealthCheckConfig `yaml:"health_check"`
}

// HealthCheckConfig enables active probing of an upstream's configured
// addresses. Addresses that fail UnhealthyAfter probes in a row leave the
// upstream's address set until they pass HealthyAfter in a row.
type HealthCheckConfig struct {
	Path           string        `yaml:"path"`
	Method         string        `yaml:"method"`
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	HealthyAfter   int           `yaml:"healthy_after"`
	UnhealthyAfter int           `yaml:"unhealthy_after"`
	ExpectedStatus []string      `yaml:"expected_status"` // "200", "2xx" or "200-399"
}

// RouteConfig defines a route
type RouteConfig struct {
	ID         string            `yaml:"id"`
	Order      int               `yaml:"order"`
	URI        string            `yaml:"uri"` // http(s)://host:port or lb://upstream
	RetrySafe  bool              `yaml:"retry_safe"`
	Predicates []PredicateConfig `yaml:"predicates"`
	Filters    []FilterConfig    `yaml:"filters"`
}

// PredicateConfig is a tagged variant: exactly one field is set per entry.
type PredicateConfig struct {
	Path    string       `yaml:"path"`
	Methods []string     `yaml:"methods"`
	Header  *MatchConfig `yaml:"header"`
	Query   *MatchConfig `yaml:"query"`
	Host    string       `yaml:"host"`
}

// MatchConfig matches a named header or query parameter by exact value or
// regular expression. With neither set, presence is enough.
type MatchConfig struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
	Regex string `yaml:"regex"`
}

// FilterConfig names a filter and its loosely typed arguments. Arguments are
// checked when the route table is compiled.
type FilterConfig struct {
	Name string         `yaml:"name"`
	Args map[string]any `yaml:"args"`
}

// Upstream returns the upstream with the given name.
func (c *Config) Upstream(name string) (UpstreamConfig, bool) {
	for _, u := range c.Upstreams {
		if u.Name == name {
			return u, true
		}
	}
	return UpstreamConfig{}, false
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":8081",
			Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Tracing: TracingConfig{
			ServiceName: "edgeway",
			SampleRate:  1.0,
		},
		Transport: TransportConfig{
			MaxIdleConns:        512,
			MaxIdleConnsPerHost: 32,
			MaxConnsPerHost:     64,
			CheckoutTimeout:     time.Second,
			IdleConnTimeout:     90 * time.Second,
			DialTimeout:         5 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			FlushInterval:       100 * time.Millisecond,
		},
		Registry: RegistryConfig{
			Type: "memory",
			Consul: ConsulConfig{
				Address:    "localhost:8500",
				Scheme:     "http",
				Datacenter: "dc1",
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "/services/",
				DialTimeout: 5 * time.Second,
			},
			DNS: DNSConfig{Protocol: "tcp"},
			Kubernetes: KubernetesConfig{
				Namespace: "default",
				InCluster: true,
			},
		},
	}
}
