package health

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func addrOf(s *httptest.Server) string {
	return strings.TrimPrefix(s.URL, "http://")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthyTarget(t *testing.T) {
	var path atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
	}))
	defer server.Close()

	checker := NewChecker(Config{DefaultInterval: 20 * time.Millisecond})
	defer checker.Stop()

	addr := addrOf(server)
	checker.Sync([]Target{{Address: addr, Path: "/ready", HealthyAfter: 1}})

	waitFor(t, "healthy", func() bool { return checker.Status(addr) == StatusHealthy })
	if p, _ := path.Load().(string); p != "/ready" {
		t.Errorf("probe path = %q, want /ready", p)
	}
}

func TestUnhealthyTargetIsFiltered(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	checker := NewChecker(Config{DefaultInterval: 20 * time.Millisecond})
	defer checker.Stop()

	bad := addrOf(server)
	checker.Sync([]Target{{Address: bad, UnhealthyAfter: 2}})

	waitFor(t, "unhealthy", func() bool { return checker.Status(bad) == StatusUnhealthy })

	got := checker.Filter([]string{"10.0.0.9:80", bad})
	if len(got) != 1 || got[0] != "10.0.0.9:80" {
		t.Errorf("Filter = %v, want only the unprobed address", got)
	}

	results := checker.Results()
	if len(results) != 1 || !strings.Contains(results[0].Error, "500") {
		t.Errorf("unexpected results %+v", results)
	}
}

func TestUnknownTargetsStayUsable(t *testing.T) {
	checker := NewChecker(Config{})
	defer checker.Stop()

	if got := checker.Filter([]string{"10.0.0.1:80"}); len(got) != 1 {
		t.Errorf("unprobed addresses must not be filtered, got %v", got)
	}
	if s := checker.Status("10.0.0.1:80"); s != StatusUnknown {
		t.Errorf("expected unknown, got %s", s)
	}
}

func TestOnChange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	var (
		mu      sync.Mutex
		changes []string
	)
	checker := NewChecker(Config{
		DefaultInterval: 20 * time.Millisecond,
		OnChange: func(addr string, from, to Status) {
			mu.Lock()
			changes = append(changes, addr+":"+string(from)+"->"+string(to))
			mu.Unlock()
		},
	})
	defer checker.Stop()

	addr := addrOf(server)
	checker.Sync([]Target{{Address: addr, HealthyAfter: 1}})

	waitFor(t, "change callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if changes[0] != addr+":unknown->healthy" {
		t.Errorf("unexpected change %q", changes[0])
	}
}

func TestSyncRemovesAndKeepsTargets(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	checker := NewChecker(Config{DefaultInterval: time.Hour})
	defer checker.Stop()

	addr := addrOf(server)
	target := Target{Address: addr, HealthyAfter: 1}
	checker.Sync([]Target{target})
	waitFor(t, "healthy", func() bool { return checker.Status(addr) == StatusHealthy })

	// Same settings: state survives and no new loop starts.
	checker.Sync([]Target{target})
	if checker.Status(addr) != StatusHealthy {
		t.Error("unchanged target lost its status")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("expected a single probe, got %d", n)
	}

	checker.Sync(nil)
	if len(checker.Results()) != 0 {
		t.Error("removed targets must not be reported")
	}
	if checker.Status(addr) != StatusUnknown {
		t.Error("removed target should be unknown")
	}
}

func TestParseStatusRange(t *testing.T) {
	tests := []struct {
		in      string
		want    StatusRange
		wantErr bool
	}{
		{"200", StatusRange{200, 200}, false},
		{"2xx", StatusRange{200, 299}, false},
		{"200-399", StatusRange{200, 399}, false},
		{"600", StatusRange{}, true},
		{"399-200", StatusRange{}, true},
		{"9xx", StatusRange{}, true},
		{"abc", StatusRange{}, true},
	}
	for _, tt := range tests {
		got, err := ParseStatusRange(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStatusRange(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStatusRange(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
