// Package server exposes the HTTP surface: the chat endpoint in unary and
// event-stream form, health and version endpoints, metrics, and the
// rate-limited admin endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conductorhq/conductor/internal/observability"
	"github.com/conductorhq/conductor/internal/ratelimit"
	"github.com/conductorhq/conductor/internal/session"
)

// Version is the reported service version; overridden at build time.
var Version = "dev"

// Server hosts the HTTP API.
type Server struct {
	service    *session.Service
	stores     session.Stores
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	metrics    *observability.Metrics
	httpServer *http.Server
}

// Config configures the HTTP server.
type Config struct {
	Addr            string
	AdminRateWindow time.Duration
	AdminRateMax    int
	MetricsHandler  http.Handler
}

// New creates the server.
func New(service *session.Service, stores session.Stores, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		stores:  stores,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			Window:  cfg.AdminRateWindow,
			Max:     cfg.AdminRateMax,
			Enabled: true,
		}),
		logger:  logger.With("component", "server"),
		metrics: metrics,
	}

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat", s.instrument("/v1/chat", s.handleChat))
	mux.HandleFunc("POST /v1/chat/stream", s.instrument("/v1/chat/stream", s.handleChatStream))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", metricsHandler)

	mux.HandleFunc("GET /admin/orgs/{org}/servers", s.admin(s.handleGetServers))
	mux.HandleFunc("PUT /admin/orgs/{org}/servers", s.admin(s.handlePutServers))
	mux.HandleFunc("GET /admin/orgs/{org}/overrides", s.admin(s.handleGetOverrides))
	mux.HandleFunc("PUT /admin/orgs/{org}/overrides", s.admin(s.handlePutOverrides))
	mux.HandleFunc("GET /admin/orgs/{org}/config", s.admin(s.handleGetOrgConfig))
	mux.HandleFunc("PUT /admin/orgs/{org}/config", s.admin(s.handlePutOrgConfig))
	mux.HandleFunc("DELETE /admin/orgs/{org}/users/{user}/history", s.admin(s.handleDeleteHistory))

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler; tests mount it on httptest servers.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe blocks serving the API.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting http server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// instrument records request metrics around a handler.
func (s *Server) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(recorder.status), time.Since(start).Seconds())
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
