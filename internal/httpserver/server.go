package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duskwatch/siemcore/internal/apperr"
)

// ServerConfig is the subset of config needed to build the server.
type ServerConfig struct {
	CORSAllowedOrigins []string
}

// HealthChecker reports the readiness of a downstream dependency.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP server dependencies.
type Server struct {
	Router *chi.Mux
	Logger *slog.Logger
	startedAt time.Time
	checks map[string]HealthChecker
}

// NewServer creates an HTTP server with global middleware and the
// unauthenticated /health, /metrics endpoints. Domain routes are mounted by
// the caller after construction.
func NewServer(cfg ServerConfig, logger *slog.Logger, metricsReg *prometheus.Registry, checks map[string]HealthChecker) *Server {
	s := &Server{
		Router: chi.NewRouter(),
		Logger: logger,
		startedAt: time.Now(),
		checks: checks,
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID", "Idempotency-Key"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge: 300,
	}))

	s.Router.Get("/health", s.handleHealth)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

type healthResponse struct {
	Status string `json:"status"`
	Components map[string]string `json:"components"`
}

// handleHealth implements GET /health: {status, components}.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	components := make(map[string]string, len(s.checks))
	degraded := false
	for name, checker := range s.checks {
		if err := checker.Ping(ctx); err != nil {
			components[name] = "error"
			degraded = true
			s.Logger.Error("health check failed", "component", name, "error", err)
			continue
		}
		components[name] = "ok"
	}

	status := "ok"
	if degraded {
		status = "degraded"
	}
	Respond(w, http.StatusOK, healthResponse{Status: status, Components: components})
}

// Decode reads and strictly decodes a JSON body, rejecting unknown fields —
// used for admin CRUD bodies. Webhook/ingest bodies use a more lenient
// decoder since upstream payload shapes aren't controlled by this system.
func Decode(r *http.Request, maxBytes int64, dst any) *apperr.Error {
	body := io.LimitReader(r.Body, maxBytes+1)
	raw, err := io.ReadAll(body)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "reading request body", err)
	}
	if int64(len(raw)) > maxBytes {
		return apperr.New(apperr.KindValidation, "request body too large")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
	}
	return nil
}

// RetryAfterSeconds formats a duration as a rounded-up integer second count
// for the Retry-After header.
func RetryAfterSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}
