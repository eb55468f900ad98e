package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/registry"
	"github.com/wudi/edgeway/internal/router"
	"github.com/wudi/edgeway/internal/webhook"
)

const adminTestConfig = `
listen:
  address: ":0"
routes:
  - id: users
    uri: lb://users
    predicates:
      - path: /users/**
    filters:
      - name: strip_prefix
        args:
          parts: 1
`

func newTestServer(t *testing.T, cfg *config.Config, path string) *Server {
	t.Helper()
	s, err := NewServer(context.Background(), cfg, path, WithSink(&recorder{}))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { s.Gateway().Close() })
	return s
}

func writeConfig(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func loadTestConfig(t *testing.T, path string) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func adminDo(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.adminHandler().ServeHTTP(w, req)
	return w
}

func TestAdminRoutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgeway.yaml")
	writeConfig(t, path, adminTestConfig)
	s := newTestServer(t, loadTestConfig(t, path), path)

	w := adminDo(s, http.MethodGet, "/routes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Version uint64             `json:"version"`
		Routes  []router.RouteInfo `json:"routes"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Version == 0 || len(body.Routes) != 1 || body.Routes[0].ID != "users" {
		t.Fatalf("unexpected routes body %+v", body)
	}
	if len(body.Routes[0].Filters) != 1 || body.Routes[0].Filters[0].Name != "strip_prefix" {
		t.Errorf("unexpected filters %+v", body.Routes[0].Filters)
	}

	if w := adminDo(s, http.MethodGet, "/routes/users", ""); w.Code != http.StatusOK {
		t.Errorf("GET /routes/users: %d", w.Code)
	}
	if w := adminDo(s, http.MethodGet, "/routes/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET /routes/missing: expected 404, got %d", w.Code)
	}
}

func TestAdminReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgeway.yaml")
	writeConfig(t, path, adminTestConfig)
	s := newTestServer(t, loadTestConfig(t, path), path)
	v1 := s.Gateway().CurrentRouteTable().Version()

	writeConfig(t, path, strings.Replace(adminTestConfig, "id: users", "id: accounts", 1))
	w := adminDo(s, http.MethodPost, "/reload", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := s.Gateway().CurrentRouteTable().Route("accounts"); !ok {
		t.Fatal("reloaded route missing")
	}
	v2 := s.Gateway().CurrentRouteTable().Version()
	if v2 <= v1 {
		t.Errorf("version did not increase: %d -> %d", v1, v2)
	}

	writeConfig(t, path, strings.Replace(adminTestConfig, "strip_prefix", "strip_everything", 1))
	w = adminDo(s, http.MethodPost, "/reload", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad table, got %d", w.Code)
	}
	if v := s.Gateway().CurrentRouteTable().Version(); v != v2 {
		t.Errorf("rejected reload changed the table version to %d", v)
	}

	var history []ReloadResult
	json.NewDecoder(adminDo(s, http.MethodGet, "/reload/status", "").Body).Decode(&history)
	if len(history) != 2 || !history[0].Success || history[1].Success || history[1].Source != "admin" {
		t.Errorf("unexpected reload history %+v", history)
	}
}

func TestAdminReloadWithoutConfigPath(t *testing.T) {
	s := newTestServer(t, config.DefaultConfig(), "")
	if w := adminDo(s, http.MethodPost, "/reload", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAdminInstancesFeedDiscovery(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))
	defer upstream.Close()

	path := filepath.Join(t.TempDir(), "edgeway.yaml")
	writeConfig(t, path, adminTestConfig)
	s := newTestServer(t, loadTestConfig(t, path), path)

	// Nothing registered yet.
	w := httptest.NewRecorder()
	s.Gateway().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/7", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before registration, got %d", w.Code)
	}

	host, port, _ := strings.Cut(strings.TrimPrefix(upstream.URL, "http://"), ":")
	w = adminDo(s, http.MethodPost, "/upstreams/users/instances", `{"address":"`+host+`","port":`+port+`}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var svc registry.Service
	json.NewDecoder(w.Body).Decode(&svc)
	if svc.ID == "" || svc.Name != "users" {
		t.Fatalf("unexpected registered instance %+v", svc)
	}

	w = httptest.NewRecorder()
	s.Gateway().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/7", nil))
	if w.Code != http.StatusOK || w.Body.String() != "/7" {
		t.Fatalf("expected routed request, got %d %q", w.Code, w.Body.String())
	}

	var list []registry.Service
	json.NewDecoder(adminDo(s, http.MethodGet, "/upstreams/users/instances", "").Body).Decode(&list)
	if len(list) != 1 {
		t.Errorf("expected 1 instance, got %+v", list)
	}

	if w := adminDo(s, http.MethodDelete, "/upstreams/users/instances/"+svc.ID, ""); w.Code != http.StatusNoContent {
		t.Errorf("deregister: expected 204, got %d", w.Code)
	}
	if w := adminDo(s, http.MethodDelete, "/upstreams/users/instances/"+svc.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("second deregister: expected 404, got %d", w.Code)
	}
	if w := adminDo(s, http.MethodPost, "/upstreams/users/instances", `{"address":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid instance: expected 400, got %d", w.Code)
	}
}

func TestAdminStatusEndpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgeway.yaml")
	writeConfig(t, path, adminTestConfig)
	s := newTestServer(t, loadTestConfig(t, path), path)

	w := httptest.NewRecorder()
	s.Gateway().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	if w := adminDo(s, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("GET /health: %d", w.Code)
	}
	if w := adminDo(s, http.MethodGet, "/circuit-breakers", ""); w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("GET /circuit-breakers: %d %s", w.Code, w.Body.String())
	}
	if w := adminDo(s, http.MethodGet, "/upstreams", ""); w.Code != http.StatusOK {
		t.Errorf("GET /upstreams: %d", w.Code)
	}
	if w := adminDo(s, http.MethodGet, "/webhooks", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"enabled":false`) {
		t.Errorf("GET /webhooks: %d %s", w.Code, w.Body.String())
	}

	w = adminDo(s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "edgeway_route_not_matched_total 1") {
		t.Errorf("metrics missing the unmatched request:\n%s", w.Body.String())
	}

	if w := adminDo(s, http.MethodGet, "/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown admin path: expected 404, got %d", w.Code)
	}
}

func TestPublicHandlerSetsRequestID(t *testing.T) {
	s := newTestServer(t, config.DefaultConfig(), "")

	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestAdminConfigIsRedacted(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.Checkers = map[string]config.CheckerConfig{"tokens": {Type: "jwt", Secret: "s3cret"}}
	s := newTestServer(t, cfg, "")

	w := adminDo(s, http.MethodGet, "/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /config: %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "s3cret") || !strings.Contains(body, config.RedactedValue) {
		t.Errorf("secret leaked or not redacted:\n%s", body)
	}
}

func TestWebhookReceivesRouteTableEvents(t *testing.T) {
	got := make(chan webhook.Payload, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		json.NewDecoder(r.Body).Decode(&p)
		got <- p
	}))
	defer hook.Close()

	cfg := config.DefaultConfig()
	cfg.Webhooks = config.WebhooksConfig{
		Enabled:   true,
		Endpoints: []config.WebhookEndpoint{{ID: "ops", URL: hook.URL, Events: []string{"route_table_*"}}},
	}
	s := newTestServer(t, cfg, "")

	select {
	case p := <-got:
		if p.Type != "route_table_loaded" || p.Version != 1 {
			t.Errorf("unexpected payload %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var stats webhook.DispatcherStats
		json.NewDecoder(adminDo(s, http.MethodGet, "/webhooks", "").Body).Decode(&stats)
		if stats.Counts.Delivered == 1 {
			if !stats.Enabled || stats.Endpoints != 1 {
				t.Errorf("unexpected stats %+v", stats)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivery not counted: %+v", stats)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
