//go:build ignore

// Mock upstream for trying routes, retries and breakers locally.
// Run with: go run scripts/mock-backend.go -port 9001 -fail-rate 0.3
// With -admin set it registers itself under -name with the gateway's
// discovery backend and deregisters on exit.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wudi/edgeway/internal/logging"
	"go.uber.org/zap"
)

func main() {
	port := flag.Int("port", 9001, "Port to listen on")
	name := flag.String("name", "backend", "Upstream name")
	failRate := flag.Float64("fail-rate", 0, "Fraction of requests answered with 503")
	delay := flag.Duration("delay", 0, "Delay before every answer")
	admin := flag.String("admin", "", "Gateway admin address to register with, e.g. http://localhost:8081")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "backend": *name})
	})

	// Server-sent events, one per second, to watch streaming through the gateway.
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		rc := http.NewResponseController(w)
		for i := 0; ; i++ {
			fmt.Fprintf(w, "data: %s %d\n\n", *name, i)
			rc.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(time.Second):
			}
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if *delay > 0 {
			select {
			case <-time.After(*delay):
			case <-r.Context().Done():
				return
			}
		}
		if *failRate > 0 && rand.Float64() < *failRate {
			http.Error(w, "injected failure", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"backend":     *name,
			"method":      r.Method,
			"path":        r.URL.Path,
			"query":       r.URL.RawQuery,
			"host":        r.Host,
			"remote_addr": r.RemoteAddr,
			"timestamp":   time.Now().Format(time.RFC3339),
			"headers":     r.Header,
		})
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.Info("Mock backend starting", zap.String("name", *name), zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("Mock backend failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	var id string
	if *admin != "" {
		var err error
		if id, err = register(*admin, *name, *port); err != nil {
			logging.Error("Registration failed", zap.Error(err))
		} else {
			logging.Info("Registered with gateway", zap.String("id", id))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	if id != "" {
		req, _ := http.NewRequest(http.MethodDelete, *admin+"/upstreams/"+*name+"/instances/"+id, nil)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func register(admin, name string, port int) (string, error) {
	body, _ := json.Marshal(map[string]any{"address": "127.0.0.1", "port": port})
	resp, err := http.Post(admin+"/upstreams/"+name+"/instances", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("admin answered %s", resp.Status)
	}
	var svc struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&svc); err != nil {
		return "", err
	}
	return svc.ID, nil
}
