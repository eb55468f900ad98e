package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoaderParse(t *testing.T) {
	yaml := `
listen:
  address: ":9090"
  read_timeout: 10s

registry:
  type: consul
  consul:
    address: "localhost:8500"

upstreams:
  - name: orders-svc
    strategy: least_connections
    addresses: ["10.0.0.1:8080", "10.0.0.2:8080"]

routes:
  - id: orders
    order: 5
    uri: lb://orders-svc
    retry_safe: true
    predicates:
      - path: /orders/**
      - methods: [GET, POST]
      - header:
          name: X-Tenant
          regex: "^acme-"
    filters:
      - name: strip_prefix
        args:
          parts: 1
      - name: request_timeout
        args:
          timeout: 2s
`

	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Listen.Address != ":9090" {
		t.Errorf("expected address :9090, got %s", cfg.Listen.Address)
	}
	if cfg.Listen.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Listen.ReadTimeout)
	}
	if cfg.Registry.Type != "consul" {
		t.Errorf("expected registry type consul, got %s", cfg.Registry.Type)
	}

	up, ok := cfg.Upstream("orders-svc")
	if !ok {
		t.Fatal("upstream orders-svc not found")
	}
	if up.Strategy != StrategyLeastConnections || len(up.Addresses) != 2 {
		t.Errorf("unexpected upstream %+v", up)
	}

	if len(cfg.Routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(cfg.Routes))
	}
	r := cfg.Routes[0]
	if r.ID != "orders" || r.Order != 5 || !r.RetrySafe {
		t.Errorf("unexpected route %+v", r)
	}
	if len(r.Predicates) != 3 {
		t.Fatalf("expected 3 predicates, got %d", len(r.Predicates))
	}
	if r.Predicates[0].Path != "/orders/**" {
		t.Errorf("path predicate = %q", r.Predicates[0].Path)
	}
	if len(r.Predicates[1].Methods) != 2 {
		t.Errorf("methods predicate = %v", r.Predicates[1].Methods)
	}
	if h := r.Predicates[2].Header; h == nil || h.Name != "X-Tenant" || h.Regex != "^acme-" {
		t.Errorf("header predicate = %+v", h)
	}
	if len(r.Filters) != 2 || r.Filters[0].Name != "strip_prefix" {
		t.Fatalf("unexpected filters %+v", r.Filters)
	}
	if r.Filters[1].Args["timeout"] != "2s" {
		t.Errorf("timeout arg = %#v", r.Filters[1].Args["timeout"])
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("EDGEWAY_TEST_REDIS", "redis:6379")

	yaml := `
redis:
  address: ${EDGEWAY_TEST_REDIS}
  password: ${EDGEWAY_TEST_UNSET_VAR}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Redis.Address != "redis:6379" {
		t.Errorf("expected expanded address, got %q", cfg.Redis.Address)
	}
	if cfg.Redis.Password != "${EDGEWAY_TEST_UNSET_VAR}" {
		t.Errorf("unset variables should be left as-is, got %q", cfg.Redis.Password)
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown registry",
			yaml:    "registry:\n  type: zookeeper\n",
			wantErr: "registry.type",
		},
		{
			name:    "duplicate route id",
			yaml:    "routes:\n  - id: a\n    uri: http://x:1\n  - id: a\n    uri: http://y:1\n",
			wantErr: "duplicate id",
		},
		{
			name:    "missing uri",
			yaml:    "routes:\n  - id: a\n",
			wantErr: "uri is required",
		},
		{
			name:    "bad scheme",
			yaml:    "routes:\n  - id: a\n    uri: ftp://x\n",
			wantErr: "scheme must be",
		},
		{
			name:    "unknown strategy",
			yaml:    "upstreams:\n  - name: u\n    strategy: fastest\n",
			wantErr: "unknown strategy",
		},
		{
			name:    "duplicate upstream",
			yaml:    "upstreams:\n  - name: u\n  - name: u\n",
			wantErr: "duplicate name",
		},
		{
			name:    "health check without addresses",
			yaml:    "upstreams:\n  - name: u\n    health_check: {path: /health}\n",
			wantErr: "needs static addresses",
		},
		{
			name:    "relative health path",
			yaml:    "upstreams:\n  - name: u\n    addresses: [\"a:1\"]\n    health_check: {path: health}\n",
			wantErr: "must start with /",
		},
		{
			name:    "relative webhook url",
			yaml:    "webhooks:\n  enabled: true\n  endpoints:\n    - url: /hook\n      events: [\"*\"]\n",
			wantErr: "absolute http(s) URL",
		},
		{
			name:    "webhook without events",
			yaml:    "webhooks:\n  enabled: true\n  endpoints:\n    - url: http://hooks:9000/in\n",
			wantErr: "event pattern is required",
		},
		{
			name:    "unnamed filter",
			yaml:    "routes:\n  - id: a\n    uri: lb://u\n    filters:\n      - args: {x: 1}\n",
			wantErr: "name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseTarget(t *testing.T) {
	tgt, err := ParseTarget("lb://orders-svc")
	if err != nil || tgt.Upstream != "orders-svc" || tgt.URL != nil {
		t.Errorf("lb target = %+v, %v", tgt, err)
	}
	tgt, err = ParseTarget("https://api.internal:8443/v2")
	if err != nil || tgt.URL == nil || tgt.URL.Host != "api.internal:8443" || tgt.URL.Path != "/v2" {
		t.Errorf("static target = %+v, %v", tgt, err)
	}
	if _, err := ParseTarget("lb://"); err == nil {
		t.Error("expected error for empty upstream name")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Listen.Address != ":8080" {
		t.Errorf("default listen address = %q", cfg.Listen.Address)
	}
	if cfg.Registry.Type != "memory" {
		t.Errorf("default registry = %q", cfg.Registry.Type)
	}
	if cfg.Transport.MaxConnsPerHost <= 0 || cfg.Transport.CheckoutTimeout <= 0 {
		t.Errorf("transport defaults not set: %+v", cfg.Transport)
	}
	if err := NewLoader().validate(cfg); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  address: \":7070\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Address != ":7070" {
		t.Errorf("address = %q", cfg.Listen.Address)
	}

	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
