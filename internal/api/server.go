// Package api provides the HTTP server for the Remote Progress Service.
// It exposes goal CRUD, the idempotent progress log, batch sync, derived
// state, notifications and a live progress feed.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tasbih-app/tasbih/internal/app/progress"
	"github.com/tasbih-app/tasbih/internal/domain"
	"github.com/tasbih-app/tasbih/internal/infra/observability"
)

// Version is reported by /api/version.
const Version = "0.1.0"

// Server is the progress service HTTP API server.
type Server struct {
	progress       *progress.Service
	token          string // shared bearer token; empty disables the check
	metricsEnabled bool
	engagement     *EngagementAPI // streaks, badges, notifications, subscription
	hub            *Hub           // live progress feed
	tracer         *observability.Tracer
	logger         *log.Logger
}

// NewServer creates a new API server.
func NewServer(svc *progress.Service, token string) *Server {
	return &Server{
		progress: svc,
		token:    token,
		logger:   log.New(os.Stderr, "[api] ", log.LstdFlags),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetEngagement sets the engagement API services.
func (s *Server) SetEngagement(e *EngagementAPI) { s.engagement = e }

// SetHub sets the live progress hub.
func (s *Server) SetHub(h *Hub) { s.hub = h }

// Hub returns the live progress hub (for publishing events).
func (s *Server) Hub() *Hub { return s.hub }

// SetLogger replaces the default stderr logger.
func (s *Server) SetLogger(l *log.Logger) { s.logger = l }

// SetTracer exposes t under /api/debug/spans and tags spans with the
// request id.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(metricsMiddleware)
	r.Use(traceMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": Version,
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Streaming routes stay outside the request timeout.
	if s.hub != nil {
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/api/live", s.hub.HandleSSE)
			r.Get("/api/live/ws", s.hub.HandleWebSocket)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.authMiddleware)

		r.Route("/api/goals", func(r chi.Router) {
			r.Get("/", s.handleListGoals)
			r.Post("/", s.handleCreateGoal)
			r.Get("/{id}", s.handleGetGoal)
			r.Patch("/{id}", s.handleUpdateGoal)
			r.Delete("/{id}", s.handleDeleteGoal)
			r.Get("/{id}/progress", s.handleGoalHistory)
			r.Post("/{id}/progress", s.handleGoalProgress)
		})
		r.Get("/api/progress", s.handleHistory)
		r.Post("/api/progress", s.handleProgress)
		r.Post("/api/sync", s.handleSync)

		if s.engagement != nil {
			r.Get("/api/state", s.engagement.HandleState)
			r.Get("/api/notifications", s.engagement.HandleNotifications)
			r.Post("/api/notifications/{id}/shown", s.engagement.HandleNotificationShown)
			r.Get("/api/subscription", s.engagement.HandleSubscription)
			r.Put("/api/subscription", s.engagement.HandleSetSubscription)
		}
		if s.tracer != nil {
			r.Get("/api/debug/spans", s.handleSpans)
		}
	})

	return r
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeTypedError(w, status, "error", msg)
}

// writeTypedError writes a JSON error response whose type clients branch on.
func writeTypedError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    kind,
		},
	})
}

// writeServiceError maps a service error onto a status code and error type.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, s.logger, err)
}

func writeServiceError(w http.ResponseWriter, r *http.Request, logger *log.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrGoalNotFound), errors.Is(err, progress.ErrNotificationNotFound):
		writeTypedError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrGoalLimit):
		writeTypedError(w, http.StatusForbidden, "goal_limit", err.Error())
	case progress.IsValidation(err):
		writeTypedError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		logger.Printf("%s %s: %v", r.Method, r.URL.Path, err)
		writeTypedError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeTypedError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, Idempotency-Key")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// traceMiddleware makes the chi request id the trace id of every span
// started while serving the request.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(observability.WithTraceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// handleSpans lists the most recent finished spans.
func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	spans := s.tracer.Spans(limit)
	if spans == nil {
		spans = []observability.Span{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"spans": spans,
		"total": s.tracer.SpanCount(),
	})
}

// metricsMiddleware records request latency by route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTPRequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}
