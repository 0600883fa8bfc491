package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/media-scribe/internal/config"
	"github.com/snarg/media-scribe/internal/metrics"
)

// Options wires the server to the rest of the process. Only Jobs is required.
type Options struct {
	Jobs        JobQueue
	History     JobHistory       // nil without DATABASE_URL
	Transcripts TranscriptSource // nil disables archive downloads
	MQTT        Connectivity     // nil without MQTT_BROKER_URL
	Watcher     WatcherSource    // nil without WATCH_DIR
	Tools       map[string]Tool
	Version     string
	StartTime   time.Time
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, opts Options, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORSWithOrigins(cfg.CORSOrigins))
	r.Use(metrics.InstrumentHandler)

	// Health and metrics: no auth
	r.Get("/api/v1/health", NewHealthHandler(opts).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	jh := NewJobsHandler(cfg, opts, log)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		r.Route("/api/v1/jobs", func(r chi.Router) {
			// Submissions and reruns share one per-client budget.
			limited := r.With(RateLimiter(cfg.SubmitRateLimit, cfg.SubmitRateBurst))
			limited.Post("/", jh.Submit)
			limited.Post("/{id}/retry", jh.Retry)
			jh.Routes(r)
		})
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
