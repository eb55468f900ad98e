package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wudi/edgeway/internal/config"
	"github.com/wudi/edgeway/internal/logging"
	"github.com/wudi/edgeway/internal/middleware"
	"github.com/wudi/edgeway/internal/tracing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReloadResult records one reload attempt.
type ReloadResult struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Success   bool      `json:"success"`
	Version   uint64    `json:"version,omitempty"`
	Error     string    `json:"error,omitempty"`
}

const maxReloadHistory = 20

// Server runs the gateway and admin listeners and applies reloads.
type Server struct {
	gateway    *Gateway
	tracer     *tracing.Tracer
	configPath string
	startTime  time.Time

	httpServer  *http.Server
	adminServer *http.Server

	mu            sync.Mutex
	config        *config.Config
	reloadHistory []ReloadResult
}

// NewServer creates the gateway and its listeners. configPath is re-read
// on reload; empty disables file reloads.
func NewServer(ctx context.Context, cfg *config.Config, configPath string, opts ...Option) (*Server, error) {
	tracer, err := tracing.New(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	gw, err := New(cfg, append([]Option{WithTracer(tracer)}, opts...)...)
	if err != nil {
		tracer.Close(ctx)
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		tracer:     tracer,
		config:     cfg,
		configPath: configPath,
		startTime:  time.Now(),
	}

	handler := middleware.NewChain(
		middleware.RequestID(true),
		middleware.Recovery(),
		tracer.Middleware(),
	).Then(gw)

	s.httpServer = &http.Server{
		Addr:              cfg.Listen.Address,
		Handler:           handler,
		ReadTimeout:       cfg.Listen.ReadTimeout,
		ReadHeaderTimeout: cfg.Listen.ReadHeaderTimeout,
		WriteTimeout:      cfg.Listen.WriteTimeout,
		IdleTimeout:       cfg.Listen.IdleTimeout,
		ErrorLog:          zap.NewStdLog(logging.Global()),
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           s.adminHandler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
	}
	return s, nil
}

// Gateway returns the running gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Run serves until ctx ends or SIGINT/SIGTERM arrives, then shuts down
// gracefully. SIGHUP and config file changes trigger reloads.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if s.configPath != "" {
		watcher, err := config.NewWatcher(s.configPath)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		watcher.OnChange(func(cfg *config.Config) {
			s.apply(cfg, "watch")
		})
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Starting gateway listener", zap.String("address", s.httpServer.Addr))
		return serve(s.httpServer)
	})
	if s.adminServer != nil {
		g.Go(func() error {
			logging.Info("Starting admin server", zap.String("address", s.adminServer.Addr))
			return serve(s.adminServer)
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-hup:
				s.ReloadConfig("signal")
			case <-gctx.Done():
				logging.Info("Shutting down gracefully...")
				return s.Shutdown(s.currentConfig().Listen.ShutdownTimeout)
			}
		}
	})
	return g.Wait()
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listener %s: %w", srv.Addr, err)
	}
	return nil
}

// Shutdown stops accepting requests and waits up to timeout for in-flight
// ones to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if s.adminServer != nil {
		errs = append(errs, s.adminServer.Shutdown(ctx))
	}
	errs = append(errs, s.httpServer.Shutdown(ctx))
	errs = append(errs, s.gateway.Close())
	errs = append(errs, s.tracer.Close(ctx))

	err := stderrors.Join(errs...)
	if err != nil {
		logging.Error("Shutdown finished with errors", zap.Error(err))
		return err
	}
	logging.Info("Server shutdown complete")
	return nil
}

// ReloadConfig re-reads the config file and applies its routes and
// upstreams.
func (s *Server) ReloadConfig(source string) ReloadResult {
	if s.configPath == "" {
		return s.record(ReloadResult{Timestamp: time.Now(), Source: source, Error: "no config path configured"})
	}
	cfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		logging.Error("Config reload failed", zap.String("source", source), zap.Error(err))
		return s.record(ReloadResult{Timestamp: time.Now(), Source: source, Error: err.Error()})
	}
	return s.apply(cfg, source)
}

func (s *Server) apply(cfg *config.Config, source string) ReloadResult {
	res := ReloadResult{Timestamp: time.Now(), Source: source}
	if err := s.gateway.Reload(cfg); err != nil {
		res.Error = err.Error()
		logging.Error("Config reload failed", zap.String("source", source), zap.Error(err))
	} else {
		res.Success = true
		res.Version = s.gateway.CurrentRouteTable().Version()
		s.mu.Lock()
		s.config = cfg
		s.mu.Unlock()
	}
	return s.record(res)
}

func (s *Server) record(res ReloadResult) ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadHistory = append(s.reloadHistory, res)
	if len(s.reloadHistory) > maxReloadHistory {
		s.reloadHistory = s.reloadHistory[len(s.reloadHistory)-maxReloadHistory:]
	}
	return res
}

// currentConfig returns the last successfully applied config. Only routes
// and upstreams of a reloaded config take effect.
func (s *Server) currentConfig() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// ReloadHistory returns recent reload attempts, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReloadResult(nil), s.reloadHistory...)
}
