// Package api exposes the HTTP surface of FlowPipe: health and metrics probes, flow hot
// reload, task inspection and inbound channel webhooks.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

const shutdownTimeout = 10 * time.Second

// FlowReloader refreshes dynamic flows from the store.
type FlowReloader interface {
	ReloadFlows(ctx context.Context) error
	ReloadFlow(ctx context.Context, id string) error
}

// TaskLister lists a user's scheduled tasks.
type TaskLister interface {
	TasksForUser(ctx context.Context, userID string) ([]models.Task, error)
}

// Opts holds Server configuration.
type Opts struct {
	Addr          string
	Tasks         TaskLister
	Metrics       http.Handler
	TwilioWebhook http.HandlerFunc
}

// Option configures a Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTasks enables GET /users/{id}/tasks.
func WithTasks(t TaskLister) Option {
	return func(o *Opts) { o.Tasks = t }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.Metrics = h }
}

// WithTwilioWebhook serves h on POST /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server holds the API dependencies.
type Server struct {
	flows FlowReloader
	opts  Opts
}

// NewServer creates a Server.
func NewServer(flows FlowReloader, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{flows: flows, opts: cfg}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/healthz", s.healthHandler)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	r.Route("/flows", func(r chi.Router) {
		r.Post("/reload", s.reloadFlowsHandler)
		r.Post("/{id}/reload", s.reloadFlowHandler)
	})
	if s.opts.Tasks != nil {
		r.Get("/users/{id}/tasks", s.userTasksHandler)
	}
	if s.opts.TwilioWebhook != nil {
		r.Post("/webhooks/twilio", s.opts.TwilioWebhook)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("API server failed", "error", err)
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
		return fmt.Errorf("shutdown api server: %w", err)
	}
	slog.Info("API server stopped")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("API request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
