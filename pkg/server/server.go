// Package server is the HTTP facade over the runtime. It owns request
// identity headers, SSE emission, and the management surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/switchboard/pkg/config"
	"github.com/kadirpekel/switchboard/pkg/ratelimit"
	"github.com/kadirpekel/switchboard/pkg/runtime"
)

// Server serves the client-dialect API over HTTP.
type Server struct {
	cfg     *config.Config
	rt      *runtime.Runtime
	limiter *ratelimit.Limiter
	server  *http.Server
}

func New(cfg *config.Config, rt *runtime.Runtime) (*Server, error) {
	limiter, err := ratelimit.NewLimiter(cfg.RateLimit, nil)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, rt: rt, limiter: limiter}, nil
}

// Handler builds the route tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Post("/v1/messages", s.handleMessages)

	r.Route("/v1/management", func(r chi.Router) {
		r.Get("/pipelines", s.handleListPipelines)
		r.Get("/pipelines/{id}/stats", s.handlePipelineStats)
		r.Get("/modules", s.handleModuleMetrics)
	})

	if s.cfg.Observability.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// Start runs the listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	slog.Info("HTTP server starting", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	slog.Info("HTTP server shutting down")
	return s.server.Shutdown(shutdownCtx)
}

// logRequests logs requests without wrapping the ResponseWriter; wrapping
// breaks http.Flusher for SSE.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
