// Package ingress exposes the HTTP surface: provider webhooks, manual sheet
// refresh and session preparation, the queue drain trigger, health and
// Prometheus metrics.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/queue"
	"github.com/vietddude/sheetsign/internal/signing"
)

// SigningService is the part of the signing machine the HTTP layer drives.
type SigningService interface {
	Apply(ctx context.Context, ev domain.SigningEvent) (domain.ApplyResult, error)
	Sheet(ctx context.Context, id string) (*domain.Sheet, error)
	Refresh(ctx context.Context, sheetID string) (*signing.RefreshResult, error)
	PrepareSession(ctx context.Context, sheetID string, pdf []byte) (*signing.Session, error)
}

// JobQueue is the part of the deferred job queue the HTTP layer drives.
type JobQueue interface {
	Drain(ctx context.Context, limit int, now time.Time) (queue.Stats, error)
	Counts(ctx context.Context) (map[domain.JobStatus]int, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Config holds server settings.
type Config struct {
	Port             int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	WebhookSecret    string
	WebhookHeader    string
	DrainSecret      string
	DrainHeader      string
	MaxDocumentBytes int64
}

// Server is the HTTP ingress.
type Server struct {
	cfg     Config
	signing SigningService
	jobs    JobQueue
	checks  map[string]HealthCheck
	now     func() time.Time
	log     *slog.Logger
	server  *http.Server
}

// NewServer builds the router. checks may be nil.
func NewServer(cfg Config, svc SigningService, jobs JobQueue, checks map[string]HealthCheck) *Server {
	if cfg.WebhookHeader == "" {
		cfg.WebhookHeader = "X-Webhook-Secret"
	}
	if cfg.DrainHeader == "" {
		cfg.DrainHeader = "X-Drain-Secret"
	}
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = 20 << 20
	}

	s := &Server{
		cfg:     cfg,
		signing: svc,
		jobs:    jobs,
		checks:  checks,
		now:     time.Now,
		log:     slog.Default().With("component", "ingress"),
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/signing", s.handleWebhook)

	r.Route("/sheets/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetSheet)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/sign", s.handleSign)
	})

	r.Post("/internal/jobs/drain", s.handleDrain)
	return r
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()),
		)
	})
}
