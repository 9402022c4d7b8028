// Package handlers serves a read-only HTTP view of settlement state.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/malbeclabs/payouts/api/metrics"
	"github.com/malbeclabs/payouts/settlement/pkg/store"
)

type Config struct {
	Logger *slog.Logger
	Store  store.Store
	// RateLimiter limits /api requests per client IP. Defaults to
	// QueryRateLimiter.
	RateLimiter *RateLimiter
	// AllowedOrigins for CORS. Defaults to any origin.
	AllowedOrigins []string
	// Totals, when set, serves /api/totals from the payment archive.
	Totals TotalsReader
	Now    func() time.Time
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = QueryRateLimiter
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return nil
}

type Handler struct {
	log   *slog.Logger
	cfg   Config
	store store.Store
}

func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{log: cfg.Logger, cfg: cfg, store: cfg.Store}, nil
}

// Router mounts the read API under /api plus a health check.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(RateLimitMiddleware(h.cfg.RateLimiter))
		r.Get("/lists", h.ListLists)
		r.Route("/lists/{id}", func(r chi.Router) {
			r.Get("/", h.GetList)
			r.Get("/payments", h.ListPayments)
			r.Get("/envelopes", h.ListEnvelopes)
			r.Get("/remaining", h.GetRemaining)
		})
		if h.cfg.Totals != nil {
			r.Get("/totals", h.GetTotals)
		}
	})
	return r
}
