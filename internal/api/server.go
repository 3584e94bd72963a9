// Package api exposes the thin operator control surface described in
// spec.md §6: enqueueing and listing collection jobs, plus the health and
// metrics endpoints every teacher-style service ships. The read-only query
// surface over harvested rows (issues/comments/spam scores) is explicitly
// out of scope (spec.md §1) and lives in a separate service.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mhabedinpour-collector/collector/internal/config"
	"github.com/mhabedinpour-collector/collector/pkg/controller"
)

// Options configures the HTTP server's listener and timeouts.
type Options struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	RequestTimeout    time.Duration
	MaxHeaderBytes    int
	MetricsPath       string
}

// NewOptions maps the HTTP section of config.Config onto Options.
func NewOptions(cfg *config.Config) Options {
	return Options{
		Addr:              cfg.HTTP.Addr,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		RequestTimeout:    cfg.HTTP.RequestTimeout,
		MaxHeaderBytes:    cfg.HTTP.MaxHeaderBytes,
		MetricsPath:       cfg.HTTP.MetricsPath,
	}
}

// NewServer wires the control-surface router (job enqueue/list, health,
// metrics, pprof) behind CORS and access-logging middleware, following the
// teacher's NewServer(deps, opts) shape.
func NewServer(deps Deps, opts Options) *http.Server {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(controller.WithLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-Id"},
		AllowCredentials: true,
	}))

	h := NewHandler(deps)

	r.Get("/healthz", h.Healthz)
	r.Handle(opts.MetricsPath, promhttp.Handler())
	r.Route("/repos", func(r chi.Router) {
		r.Post("/", h.EnqueueRepo)
		r.Get("/", h.ListRepos)
	})
	r.Mount("/debug/pprof", controller.PprofMux())

	return &http.Server{
		Addr:              opts.Addr,
		Handler:           http.TimeoutHandler(r, opts.RequestTimeout, `{"error":"request timed out"}`),
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       opts.IdleTimeout,
		MaxHeaderBytes:    opts.MaxHeaderBytes,
	}
}
