package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/errors"
)

func targetFor(t *testing.T, srv *httptest.Server) Target {
	t.Helper()
	return Target{Scheme: "http", Address: strings.TrimPrefix(srv.URL, "http://")}
}

func TestForwardBuildsOutboundRequest(t *testing.T) {
	var got *http.Request
	var gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	req := httptest.NewRequest(http.MethodPost, "http://gateway.example.com/orders/42?expand=items", strings.NewReader("hello"))
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	req.Header.Add("X-Forwarded-For", "198.51.100.7")
	req.Header.Set("Connection", "keep-alive, X-Hop")
	req.Header.Set("X-Hop", "drop-me")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("X-Tenant", "acme")

	tgt := targetFor(t, backend)
	tgt.BasePath = "/v1"
	resp, err := NewExecutor(nil, nil).Forward(context.Background(), req, tgt)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got.URL.Path != "/v1/orders/42" || got.URL.RawQuery != "expand=items" {
		t.Errorf("upstream saw %s?%s", got.URL.Path, got.URL.RawQuery)
	}
	if gotBody != "hello" {
		t.Errorf("body = %q", gotBody)
	}
	if xff := got.Header.Get("X-Forwarded-For"); xff != "203.0.113.1, 198.51.100.7, 192.0.2.10" {
		t.Errorf("X-Forwarded-For = %q", xff)
	}
	if got.Header.Get("X-Forwarded-Host") != "gateway.example.com" {
		t.Errorf("X-Forwarded-Host = %q", got.Header.Get("X-Forwarded-Host"))
	}
	if got.Header.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto = %q", got.Header.Get("X-Forwarded-Proto"))
	}
	if got.Header.Get("X-Hop") != "" || got.Header.Get("Keep-Alive") != "" {
		t.Error("hop-by-hop headers must be stripped")
	}
	if got.Header.Get("X-Tenant") != "acme" {
		t.Error("end-to-end headers must be forwarded")
	}
}

func TestForwardReturnsUpstreamErrorsAsResponses(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	resp, err := NewExecutor(nil, nil).Forward(context.Background(), httptest.NewRequest("GET", "/", nil), targetFor(t, backend))
	if err != nil {
		t.Fatalf("5xx must not be an error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestForwardConnectionFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewExecutor(nil, nil).Forward(context.Background(), httptest.NewRequest("GET", "/", nil), Target{Address: addr})
	if errors.KindOf(err) != errors.KindUpstreamConnectionFailure {
		t.Fatalf("expected connection failure, got %v", err)
	}
}

func TestForwardTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer backend.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewExecutor(nil, nil).Forward(ctx, httptest.NewRequest("GET", "/", nil), targetFor(t, backend))
	if errors.KindOf(err) != errors.KindUpstreamTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestForwardCallerCanceled(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer backend.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := NewExecutor(nil, nil).Forward(ctx, httptest.NewRequest("GET", "/", nil), targetFor(t, backend))
	if errors.KindOf(err) != errors.KindCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestPoolExhausted(t *testing.T) {
	pool := NewPool(1, 20*time.Millisecond)

	release, err := pool.Checkout(context.Background(), "a:1")
	if err != nil {
		t.Fatal(err)
	}

	_, err = pool.Checkout(context.Background(), "a:1")
	if errors.KindOf(err) != errors.KindPoolExhausted {
		t.Fatalf("expected pool exhausted, got %v", err)
	}

	if r2, err := pool.Checkout(context.Background(), "b:1"); err != nil {
		t.Errorf("other addresses have their own slots: %v", err)
	} else {
		r2()
	}

	release()
	release()
	r3, err := pool.Checkout(context.Background(), "a:1")
	if err != nil {
		t.Fatalf("released slot should be reusable: %v", err)
	}
	r3()
}

func TestPoolSlotHeldUntilBodyClosed(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer backend.Close()

	pool := NewPool(1, 10*time.Millisecond)
	exec := NewExecutor(nil, pool)
	tgt := targetFor(t, backend)

	resp, err := exec.Forward(context.Background(), httptest.NewRequest("GET", "/", nil), tgt)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := exec.Forward(context.Background(), httptest.NewRequest("GET", "/", nil), tgt); errors.KindOf(err) != errors.KindPoolExhausted {
		t.Fatalf("expected pool exhausted while body open, got %v", err)
	}
	resp.Body.Close()

	resp, err = exec.Forward(context.Background(), httptest.NewRequest("GET", "/", nil), tgt)
	if err != nil {
		t.Fatalf("slot should be free after close: %v", err)
	}
	resp.Body.Close()
}

func TestPoolDisabled(t *testing.T) {
	var nilPool *Pool
	release, err := nilPool.Checkout(context.Background(), "a:1")
	if err != nil {
		t.Fatal(err)
	}
	release()
}

func TestWriteResponseStreamsAndFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": {"text/event-stream"}, "Connection": {"close"}},
		Body:          io.NopCloser(strings.NewReader("data: one\n\n")),
		ContentLength: -1,
	}

	n, err := WriteResponse(rec, resp, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len("data: one\n\n")) || rec.Body.String() != "data: one\n\n" {
		t.Errorf("wrote %d bytes: %q", n, rec.Body.String())
	}
	if !rec.Flushed {
		t.Error("event streams must be flushed")
	}
	if rec.Header().Get("Connection") != "" {
		t.Error("hop-by-hop response headers must be stripped")
	}
}

func TestWriteResponseNoBody(t *testing.T) {
	rec := httptest.NewRecorder()
	n, err := WriteResponse(rec, &http.Response{StatusCode: http.StatusNoContent, Header: http.Header{}}, 0)
	if err != nil || n != 0 || rec.Code != http.StatusNoContent {
		t.Errorf("got n=%d err=%v code=%d", n, err, rec.Code)
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/x", "/x"},
		{"", "", "/"},
		{"/v1", "/x", "/v1/x"},
		{"/v1/", "/x", "/v1/x"},
		{"/v1", "x", "/v1/x"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNewTransport(t *testing.T) {
	cfg := config.DefaultConfig().Transport
	tr := NewTransport(cfg)
	if tr.MaxConnsPerHost != cfg.MaxConnsPerHost || tr.MaxIdleConnsPerHost != cfg.MaxIdleConnsPerHost {
		t.Errorf("transport limits not applied: %+v", tr)
	}
}
