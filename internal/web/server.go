// Package web serves the crosscheck console: the configuration form,
// the run API with live output streaming, and the generated reports.
package web

import (
	"bufio"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deixis/crosscheck/internal/config"
	"github.com/deixis/crosscheck/internal/run"
	"github.com/deixis/crosscheck/internal/runner"
	"github.com/deixis/crosscheck/web"
)

// Server wires the HTTP surface to the run machinery. Handlers resolve
// runs through the registry by ID; there is no process-wide current run.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	runner   *runner.Runner
	registry *run.Registry
	metrics  *Metrics
	tmpl     *template.Template
	handler  http.Handler

	// baseCtx parents every child process, so shutting the server
	// down also kills in-flight runs.
	baseCtx context.Context
}

// NewServer builds the console server from configuration.
func NewServer(cfg *config.Config, log *slog.Logger) (*Server, error) {
	tmpl, err := template.ParseFS(web.Templates(), "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	staticFS, err := web.StaticFS()
	if err != nil {
		return nil, fmt.Errorf("static assets: %w", err)
	}

	reg := prometheus.NewRegistry()
	s := &Server{
		cfg: cfg,
		log: log,
		runner: &runner.Runner{
			Timeout:   cfg.RunTimeout(),
			MaxOutput: cfg.MaxOutputBytes(),
		},
		registry: run.NewRegistry(cfg.RetainRuns()),
		metrics:  NewMetrics(reg),
		tmpl:     tmpl,
		baseCtx:  context.Background(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /api/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRunStatus)
	mux.HandleFunc("GET /api/runs/{id}/stream", s.handleRunStream)
	mux.HandleFunc("GET /runs/{id}/report", s.handleReport)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.handler = s.instrument(mux)
	return s, nil
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve listens on the configured address until ctx is cancelled, then
// shuts down gracefully. Child processes share ctx and die with it.
func (s *Server) Serve(ctx context.Context) error {
	s.baseCtx = ctx

	httpServer := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.handler,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.cfg.Addr())
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// instrument wraps the mux with request logging and metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, fmt.Sprint(rec.status)).Inc()
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack delegates to the underlying writer so the WebSocket upgrade
// still works through the instrumentation wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}
