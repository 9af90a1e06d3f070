package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/cookie"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/progress"
	"github.com/JakeFAU/listing-crawler/internal/scheduler"
)

const defaultRequestTimeout = 30 * time.Second

// TaskService is the scheduler surface used by the handlers.
type TaskService interface {
	Submit(ctx context.Context, sub scheduler.Submission, cb crawler.StatusCallback) (string, error)
	Status(ctx context.Context, taskID string) (scheduler.TaskInfo, error)
	Cancel(ctx context.Context, taskID string) (bool, error)
	QueueStatus(ctx context.Context) (scheduler.QueueStatus, error)
	CheckCookie(ctx context.Context, raw, city string, categories []string) (cookie.RestrictionResult, error)
}

// HistoryReader serves the read-only reporting endpoints.
type HistoryReader interface {
	QueryHistory(ctx context.Context, limit, offset int) ([]crawler.HistoryRecord, error)
	AggregateStats(ctx context.Context, day time.Time) (crawler.Stats, error)
}

// CookieManager manages named identities.
type CookieManager interface {
	List(ctx context.Context) ([]cookie.Identity, error)
	Summarize(ctx context.Context) (cookie.Summary, error)
	Save(name, raw string) error
	Delete(name string) error
}

// EventSource relays live status events for one task.
type EventSource interface {
	Subscribe(taskID string) (<-chan progress.Event, func())
}

// Config holds HTTP behavior knobs.
type Config struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Deps are the server's collaborators. Events may be nil, which disables the
// streaming endpoint.
type Deps struct {
	Tasks   TaskService
	History HistoryReader
	Cookies CookieManager
	Events  EventSource
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// Server wires HTTP handlers to the scheduler and stores.
type Server struct {
	router  chi.Router
	tasks   TaskService
	history HistoryReader
	cookies CookieManager
	events  EventSource
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Tasks == nil {
		return nil, errors.New("task service is required")
	}
	if deps.History == nil {
		return nil, errors.New("history reader is required")
	}
	if deps.Cookies == nil {
		return nil, errors.New("cookie manager is required")
	}
	if deps.Clock == nil {
		deps.Clock = utcClock{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tasks:   deps.Tasks,
		history: deps.History,
		cookies: deps.Cookies,
		events:  deps.Events,
		clock:   deps.Clock,
		cfg:     cfg,
		logger:  logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		// Streaming bypasses the request timeout.
		r.Get("/tasks/{task_id}/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Post("/tasks", s.submitTask)
			r.Get("/tasks/{task_id}", s.getTask)
			r.Delete("/tasks/{task_id}", s.cancelTask)
			r.Get("/queue", s.queueStatus)
			r.Get("/history", s.listHistory)
			r.Get("/stats", s.stats)
			r.Get("/cookies", s.listCookies)
			r.Post("/cookies/check", s.checkCookie)
			r.Put("/cookies/{name}", s.saveCookie)
			r.Delete("/cookies/{name}", s.deleteCookie)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var sub scheduler.Submission
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	taskID, err := s.tasks.Submit(r.Context(), sub, nil)
	if err != nil {
		var verr *scheduler.ValidationError
		var rerr *scheduler.RestrictionError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Reason)
		case errors.As(err, &rerr):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":       "cookie restricted",
				"restriction": rerr.Result,
			})
		case errors.Is(err, crawler.ErrQueueStopped):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("submit task failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to submit task")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := s.tasks.Status(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("task status failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cancelled, err := s.tasks.Cancel(r.Context(), taskID)
	switch {
	case errors.Is(err, crawler.ErrTaskRunning):
		writeError(w, http.StatusConflict, "task is running and cannot be cancelled")
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case err != nil:
		s.logger.Error("cancel task failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel task")
	case !cancelled:
		writeError(w, http.StatusConflict, "task already finished")
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"task_id": taskID,
			"status":  string(crawler.TaskStatusCancelled),
		})
	}
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.tasks.QueueStatus(r.Context())
	if err != nil {
		s.logger.Error("queue status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load queue status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func parseTaskID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "task_id")
	if raw == "" {
		return "", errors.New("task_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", errors.New("invalid task_id")
	}
	return id.String(), nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
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

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
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

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
