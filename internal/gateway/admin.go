package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/julienschmidt/httprouter"
	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/errors"
	"github.com/wudi/edgeway/internal/logging"
	"github.com/wudi/edgeway/internal/middleware"
	"github.com/wudi/edgeway/internal/registry"
	"github.com/wudi/edgeway/internal/router"
)

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	r := httprouter.New()

	r.GET("/health", s.handleHealth)
	r.GET("/routes", s.handleRoutes)
	r.GET("/routes/:id", s.handleRoute)
	r.GET("/circuit-breakers", s.handleCircuitBreakers)
	r.GET("/upstreams", s.handleUpstreams)
	r.GET("/upstreams/:name/instances", s.handleInstances)
	r.POST("/upstreams/:name/instances", s.handleRegisterInstance)
	r.DELETE("/upstreams/:name/instances/:id", s.handleDeregisterInstance)
	r.GET("/config", s.handleConfig)
	r.GET("/webhooks", s.handleWebhooks)
	r.POST("/reload", s.handleReload)
	r.GET("/reload/status", s.handleReloadStatus)

	if m := s.currentConfig().Admin.Metrics; m.Enabled {
		path := m.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handler(http.MethodGet, path, s.gateway.Metrics().Handler())
	}

	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	return middleware.NewChain(
		middleware.RequestID(false),
		middleware.Recovery(),
		middleware.AccessLog(logging.Global(), "/health"),
	).Then(r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth reports liveness plus the state of optional dependencies.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	table := s.gateway.CurrentRouteTable()
	checks := map[string]any{
		"routes": map[string]any{
			"status":  "ok",
			"count":   table.Len(),
			"version": table.Version(),
		},
	}
	allHealthy := true

	if rdb := s.gateway.redis; rdb != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		redisStatus := map[string]any{"status": "ok"}
		if err := rdb.Ping(ctx).Err(); err != nil {
			redisStatus["status"] = "fail"
			redisStatus["error"] = err.Error()
			allHealthy = false
		}
		checks["redis"] = redisStatus
	}

	status, statusStr := http.StatusOK, "ok"
	if !allHealthy {
		status, statusStr = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":    statusStr,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	table := s.gateway.CurrentRouteTable()
	routes := make([]router.RouteInfo, 0, table.Len())
	for _, rt := range table.Routes() {
		routes = append(routes, rt.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  table.Version(),
		"built_at": table.BuiltAt(),
		"routes":   routes,
	})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	rt, ok := s.gateway.CurrentRouteTable().Route(ps.ByName("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "route "+ps.ByName("id")+" not found")
		return
	}
	writeJSON(w, http.StatusOK, rt.Info())
}

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.gateway.Controller().Breakers().Snapshots())
}

func (s *Server) handleUpstreams(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.gateway.Upstreams())
}

func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	d := s.gateway.Webhooks()
	if d == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, d.Stats())
}

// handleInstances lists what discovery currently returns for an upstream.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	services, err := s.gateway.Discovery().Discover(r.Context(), ps.ByName("name"))
	if stderrors.Is(err, registry.ErrServiceNotFound) {
		services = []*registry.Service{}
	} else if err != nil {
		errors.Wrap(errors.ErrUpstreamUnavailable, err).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

// handleRegisterInstance registers an instance with the discovery backend.
// The upstream name in the path wins over the body.
func (s *Server) handleRegisterInstance(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var svc registry.Service
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&svc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid instance: "+err.Error())
		return
	}
	svc.Name = ps.ByName("name")
	if svc.Address == "" || svc.Port <= 0 {
		writeError(w, http.StatusBadRequest, "address and port are required")
		return
	}
	if err := s.gateway.Discovery().Register(r.Context(), &svc); err != nil {
		errors.Wrap(errors.ErrUpstreamUnavailable, err).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusCreated, &svc)
}

func (s *Server) handleDeregisterInstance(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.gateway.Discovery().Deregister(r.Context(), ps.ByName("id")); err != nil {
		if stderrors.Is(err, registry.ErrServiceNotFound) {
			writeError(w, http.StatusNotFound, "instance "+ps.ByName("id")+" not found")
			return
		}
		errors.Wrap(errors.ErrUpstreamUnavailable, err).WriteJSON(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConfig returns the running config as YAML with secrets redacted.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	red, err := config.RedactConfig(s.currentConfig())
	if err == nil {
		var out []byte
		if out, err = yaml.Marshal(red); err == nil {
			w.Header().Set("Content-Type", "application/yaml")
			w.Write(out)
			return
		}
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// handleReload re-reads the config file. A rejected config answers 400 and
// leaves the running table in place.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	result := s.ReloadConfig("admin")
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}

func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.ReloadHistory())
}
