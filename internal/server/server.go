// Package server is the HTTP ingress. It classifies each request as a
// browser redirect, a pass-through to the paid upstream, or a provider
// route, and drives provider routes through the relay engine.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pi-cli/amp-proxy/internal/affinity"
	"github.com/pi-cli/amp-proxy/internal/config"
	"github.com/pi-cli/amp-proxy/internal/events"
	"github.com/pi-cli/amp-proxy/internal/oauth"
	"github.com/pi-cli/amp-proxy/internal/relay"
	"github.com/pi-cli/amp-proxy/internal/stats"
)

const (
	serviceName = "amp-proxy"
	version     = "0.3.0"

	shutdownTimeout = 30 * time.Second

	statusLogLines = 100
)

type Server struct {
	cfg      *config.Config
	relay    *relay.Engine
	oauth    *oauth.Engine
	affinity *affinity.Table
	stats    *stats.Collector
	logs     *events.LogHandler

	// upstream never follows redirects; Location headers belong to the
	// client.
	upstream   *http.Client
	httpServer *http.Server
}

func New(cfg *config.Config, relayEngine *relay.Engine, oauthEngine *oauth.Engine, aff *affinity.Table, collector *stats.Collector, logs *events.LogHandler) *Server {
	s := &Server{
		cfg:      cfg,
		relay:    relayEngine,
		oauth:    oauthEngine,
		affinity: aff,
		stats:    collector,
		logs:     logs,
		upstream: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.recoverPanics(s.requestLogger(mux)),
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleHealth)
	mux.HandleFunc("/", s.dispatch)
}

// Run serves until SIGINT/SIGTERM or context cancellation, then drains
// in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.oauth.RunRefreshSweep(ctx)
	s.affinity.StartCleanup(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("proxy listening", "addr", s.httpServer.Addr, "upstream", s.cfg.UpstreamURL)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var recentLogs []events.LogLine
	if s.logs != nil {
		recentLogs = s.logs.Recent()
		if len(recentLogs) > statusLogLines {
			recentLogs = recentLogs[len(recentLogs)-statusLogLines:]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  serviceName,
		"version":  version,
		"port":     s.cfg.Port,
		"upstream": s.cfg.UpstreamURL,
		"providers": map[string]bool{
			"anthropic": s.oauth.Ready(ctx, oauth.Anthropic),
			"codex":     s.oauth.Ready(ctx, oauth.Codex),
			"google":    s.oauth.Ready(ctx, oauth.Google),
		},
		"stats": s.stats.Snapshot(),
		"recentLogs": recentLogs,
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic", "path", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal proxy error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the response code for the request log while
// keeping Flush available for SSE handlers downstream.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
