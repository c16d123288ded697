package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hoistup/hoist/internal/config"
	"github.com/hoistup/hoist/internal/core"
	"github.com/hoistup/hoist/internal/core/engine"
	"github.com/hoistup/hoist/internal/core/ledger"
	apperrors "github.com/hoistup/hoist/internal/errors"
	"github.com/hoistup/hoist/internal/metrics"
	"github.com/hoistup/hoist/internal/observability"
	"github.com/hoistup/hoist/internal/provider"
	"github.com/hoistup/hoist/internal/server/handlers"
	servermw "github.com/hoistup/hoist/internal/server/middleware"
)

// Uploader runs batches for the proxy. *engine.Orchestrator satisfies it.
type Uploader interface {
	Upload(ctx context.Context, req engine.UploadRequest) (*core.BatchResult, error)
	Profile(name string) (provider.Profile, error)
	Providers() []string
}

// Ledger exposes the quota snapshot. *engine.Gate satisfies it.
type Ledger interface {
	Entries(ctx context.Context) ([]engine.BucketState, error)
}

// Deps are the engine components the proxy serves.
type Deps struct {
	Uploader Uploader
	Ledger   Ledger
	Health   *handlers.HealthManager
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	cfg    config.ServerConfig
	deps   Deps
	active atomic.Int64
}

// New creates a new HTTP server instance
func New(cfg config.ServerConfig, deps Deps) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)

	// RequestID → Metrics → Recovery
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics)
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	if deps.Health == nil {
		deps.Health = handlers.NewHealthManager(handlers.AppVersion())
	}

	s := &Server{
		router: r,
		cfg:    cfg,
		deps:   deps,
	}

	handlers.SetHTTPErrorResponder(HandleError)
	s.registerRoutes()

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := s.Addr()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  orDefault(s.cfg.ReadTimeout, 30*time.Second),
		WriteTimeout: orDefault(s.cfg.WriteTimeout, 10*time.Minute),
		IdleTimeout:  orDefault(s.cfg.IdleTimeout, 120*time.Second),
	}

	metrics.SetServerStartTime(time.Now().Unix())
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Starting HTTP server",
			zap.String("host", s.cfg.Host),
			zap.Int("port", s.cfg.Port),
			zap.String("addr", addr))
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Shutting down HTTP server",
			zap.Int64("active_uploads", s.active.Load()))
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Port returns the server port for testing
func (s *Server) Port() int {
	return s.cfg.Port
}

// upload runs a batch with metrics hooks attached.
func (s *Server) upload(ctx context.Context, req engine.UploadRequest) (*core.BatchResult, error) {
	metrics.SetActiveSessions(s.active.Add(1))
	defer func() { metrics.SetActiveSessions(s.active.Add(-1)) }()

	name := req.Provider
	req.Observer = engine.Observer{
		OnRateLimitWait: func(wait time.Duration, bucket ledger.BucketKey) {
			metrics.RecordRateLimitWait(bucket.Provider, bucket.Route, wait)
		},
		OnSessionWait: func() {
			metrics.RecordSessionWait(name)
			if observability.ServerLogger != nil {
				observability.ServerLogger.Info("Upload queued behind another session",
					zap.String("provider", name))
			}
		},
	}

	started := time.Now()
	result, err := s.deps.Uploader.Upload(ctx, req)
	if result != nil {
		metrics.RecordBatch(result, time.Since(started))
	}
	if err != nil {
		return result, fmt.Errorf("upload to %s: %w", name, err)
	}
	return result, nil
}

func (s *Server) knownProvider(name string) bool {
	_, err := s.deps.Uploader.Profile(name)
	return err == nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
