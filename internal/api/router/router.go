package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-agenda/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-agenda/internal/http/middleware"
	"github.com/wolfman30/clinic-agenda/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Agenda         *handlers.AgendaHandler
	MetricsHandler http.Handler

	// HealthCheck reports dependency health; nil means always healthy.
	HealthCheck func(ctx context.Context) error

	// StaffAuthSecret enables JWT auth on /api routes when set.
	StaffAuthSecret    string
	CORSAllowedOrigins []string
	RateLimiter        *httpmiddleware.RateLimiter
	RequestTimeout     time.Duration
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", healthHandler(cfg.HealthCheck))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	if cfg.Agenda != nil {
		r.Route("/api/agenda", func(api chi.Router) {
			if cfg.RateLimiter != nil {
				api.Use(httpmiddleware.RateLimit(cfg.RateLimiter))
			}
			if cfg.StaffAuthSecret != "" {
				api.Use(httpmiddleware.StaffJWT(cfg.StaffAuthSecret))
			}
			if cfg.RequestTimeout > 0 {
				api.Use(middleware.Timeout(cfg.RequestTimeout))
			}
			cfg.Agenda.Routes(api)
		})
	}
	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
