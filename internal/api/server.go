// Package api exposes the HTTP interface for the event distribution service.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/procevents/internal/metrics"
	"github.com/JakeFAU/procevents/internal/stream"
	"github.com/JakeFAU/procevents/internal/transport"
)

// Deps are the collaborators the Server routes requests to. Subscriber is nil
// in local-only mode. Sessions is canceled when the process starts shutting
// down; every open stream closes with it.
type Deps struct {
	Registry   *stream.Registry
	Notifier   Notifier
	Subscriber transport.Subscriber
	Mode       transport.Mode
	Users      UserResolver
	IDs        IDGenerator
	Clock      Clock
	Metrics    *metrics.Collectors
	Logger     *zap.Logger
	Sessions   context.Context
	Stream     StreamConfig
	APIKey     string
	// UserHeader is allowed through CORS preflight in header auth mode.
	UserHeader string
}

// Server wires HTTP handlers to the registry and notifier.
type Server struct {
	router   chi.Router
	registry *stream.Registry
	notifier Notifier
	mode     transport.Mode
	sessions context.Context
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Mode == nil {
		d.Mode = transport.LocalOnly{}
	}
	s := &Server{
		registry: d.Registry,
		notifier: d.Notifier,
		mode:     d.Mode,
		sessions: d.Sessions,
		logger:   logger,
	}
	streams := &StreamHandler{
		cfg:        d.Stream.withDefaults(),
		users:      d.Users,
		registry:   d.Registry,
		notifier:   d.Notifier,
		subscriber: d.Subscriber,
		ids:        d.IDs,
		clock:      d.Clock,
		sessions:   d.Sessions,
		metrics:    d.Metrics,
		logger:     logger.Named("stream"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	r.Route("/v1/events", func(r chi.Router) {
		allowed := []string{"Authorization", "Cache-Control", "Last-Event-ID"}
		if d.UserHeader != "" {
			allowed = append(allowed, d.UserHeader)
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: allowed,
			MaxAge:         300,
		}))
		r.Method(http.MethodGet, "/stream", streams)
	})

	if d.APIKey != "" {
		r.Route("/internal/v1", func(r chi.Router) {
			r.Use(apiKeyMiddleware(d.APIKey))
			r.Post("/events", s.publishEvent)
		})
	} else {
		logger.Info("internal publish endpoint disabled, auth.api_key not set")
	}

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.sessions != nil && s.sessions.Err() != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "shutting_down",
			"transport": s.mode.Name(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"transport":   s.mode.Name(),
		"connections": s.registry.Total(),
		"users":       s.registry.Users(),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	want := []byte(expected)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), want) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
