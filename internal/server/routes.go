package server

import (
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hoistup/hoist/internal/config"
	apperrors "github.com/hoistup/hoist/internal/errors"
	"github.com/hoistup/hoist/internal/observability"
	"github.com/hoistup/hoist/internal/provider"
	"github.com/hoistup/hoist/internal/server/handlers"
	servermw "github.com/hoistup/hoist/internal/server/middleware"
)

// AdminTokenEnv enables POST /admin/signal when set.
const AdminTokenEnv = config.EnvPrefix + "_ADMIN_TOKEN"

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	health := s.deps.Health
	s.router.Get("/health", health.HealthHandler)
	s.router.Get("/health/live", health.LivenessHandler)
	s.router.Get("/health/ready", health.ReadinessHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Method("GET", "/metrics", newMetricsProxy())

	s.router.Route("/v1", func(r chi.Router) {
		if s.deps.Uploader != nil {
			upload := &handlers.UploadHandler{
				Upload:   s.upload,
				Known:    s.knownProvider,
				MaxBytes: s.cfg.MaxUploadBytes,
				Logger:   observability.ServerLogger,
			}
			limiter := servermw.NewLimiter(s.cfg.RequestsPerSecond, s.cfg.Burst)
			r.With(servermw.Pace(limiter, apperrors.RejectPaced)).Method("POST", "/upload/{provider}", upload)
			r.Get("/providers", handlers.ProvidersHandler(s.profiles()))
		}
		if s.deps.Ledger != nil {
			r.Method("GET", "/ledger", &handlers.LedgerHandler{Entries: s.deps.Ledger.Entries})
		}
	})

	s.registerAdminEndpoint()
}

func (s *Server) profiles() map[string]provider.Profile {
	out := map[string]provider.Profile{}
	for _, name := range s.deps.Uploader.Providers() {
		if p, err := s.deps.Uploader.Profile(name); err == nil {
			out[name] = p
		}
	}
	return out
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (s *Server) registerAdminEndpoint() {
	adminToken := os.Getenv(AdminTokenEnv)
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + AdminTokenEnv + " set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10, // requests per minute
		RateBurst: 5,
		Manager:   nil,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
