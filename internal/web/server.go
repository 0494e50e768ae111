// Package web serves the review UI, a JSON API over the operation layer,
// and Prometheus metrics.
package web

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hpungsan/keel/internal/logger"
	"github.com/hpungsan/keel/internal/review"
	"github.com/hpungsan/keel/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

// SessionLister lists recent sessions for the index page. The SQLite store
// implements it.
type SessionLister interface {
	ListSessions(ctx context.Context, limit int) ([]review.SessionID, error)
}

// Options configures the HTTP server.
type Options struct {
	Version  string
	Bind     string
	Port     int
	Logger   zerolog.Logger
	Gatherer prometheus.Gatherer // nil uses the default registry
	Sessions SessionLister       // nil hides the session list
}

// NewServer creates and configures the HTTP server for the Keel web UI.
func NewServer(mgr *session.Manager, opts Options) *http.Server {
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		panic(fmt.Sprintf("template sub-FS: %v", err))
	}

	log := logger.Component(opts.Logger, "web")
	h := &Handlers{
		mgr:      mgr,
		sessions: opts.Sessions,
		renderer: NewRenderer(templateSub, opts.Version, log),
		log:      log,
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Bind, opts.Port),
		Handler:           h.routes(gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (h *Handlers) routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	// Routes using Go 1.22+ pattern syntax
	mux.HandleFunc("GET /{$}", h.HandleIndex)
	mux.HandleFunc("GET /sessions/{id}", h.HandleSession)
	mux.HandleFunc("POST /sessions/{id}/verify", h.HandleVerifyForm)

	mux.HandleFunc("POST /api/sessions", h.APICreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", h.APIShowSession)
	mux.HandleFunc("GET /api/sessions/{id}/artifacts", h.APIStalenessReport)
	mux.HandleFunc("GET /api/sessions/{id}/artifacts/{kind}", h.APIIsStale)
	mux.HandleFunc("POST /api/sessions/{id}/artifacts/{kind}/bump", h.APIBump)
	mux.HandleFunc("POST /api/sessions/{id}/artifacts/{kind}/derived", h.APIMarkDerived)
	mux.HandleFunc("GET /api/sessions/{id}/snippets", h.APIListSnippets)
	mux.HandleFunc("POST /api/sessions/{id}/snippets/{snippet}/resolve", h.APIResolve)
	mux.HandleFunc("POST /api/sessions/{id}/verification", h.APISetStatus)
	mux.HandleFunc("POST /api/sessions/{id}/verification/bulk", h.APIBulkVerify)
	mux.HandleFunc("GET /api/sessions/{id}/requirements/{req}/summary", h.APISummary)
	mux.HandleFunc("GET /api/sessions/{id}/rollup", h.APIRollup)

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		renderJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "keel"})
	})

	return securityHeaders(h.withLogging(mux))
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withLogging logs each request at debug level, and server errors at error.
func (h *Handlers) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := h.log.Debug()
		if rec.status >= 500 {
			ev = h.log.Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// Run starts the HTTP server and handles graceful shutdown on SIGINT/SIGTERM.
func Run(srv *http.Server, log zerolog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Info().Str("addr", "http://"+srv.Addr).Msg("keel UI running")

	if strings.HasPrefix(srv.Addr, "0.0.0.0") || strings.HasPrefix(srv.Addr, "[::]") || strings.HasPrefix(srv.Addr, ":") {
		log.Warn().Msg("server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info().Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
