package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/progress"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	keepAliveInterval   = 15 * time.Second
)

// listHistory handles GET /v1/history?limit=&offset=. Records are newest
// first.
func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := s.history.QueryHistory(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("query history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	if records == nil {
		records = []crawler.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": records,
		"limit":   limit,
		"offset":  offset,
	})
}

// stats handles GET /v1/stats. It combines the task aggregates for today
// with the cookie summary.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	agg, err := s.history.AggregateStats(r.Context(), s.clock.Now())
	if err != nil {
		s.logger.Error("aggregate stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to aggregate stats")
		return
	}
	payload := map[string]any{"tasks": agg}
	summary, err := s.cookies.Summarize(r.Context())
	if err != nil {
		s.logger.Warn("cookie summary unavailable", zap.Error(err))
	} else {
		payload["cookies"] = summary
	}
	writeJSON(w, http.StatusOK, payload)
}

// streamEvents handles GET /v1/tasks/{task_id}/events as a server-sent event
// stream. The first event is the current status; the stream ends after the
// task's terminal event.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming disabled")
		return
	}
	taskID, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before reading status so a terminal event cannot slip
	// between the two.
	events, unsubscribe := s.events.Subscribe(taskID)
	defer unsubscribe()

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

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "status", info); err != nil {
		return
	}
	flusher.Flush()
	if info.Status.IsTerminal() {
		return
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, "progress", toEventDTO(evt)); err != nil {
				s.logger.Debug("event stream write failed", zap.String("task_id", taskID), zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("write %s event: %w", name, err)
	}
	return nil
}

type eventDTO struct {
	crawler.StatusEvent
	Stage      progress.Stage `json:"stage"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

func toEventDTO(evt progress.Event) eventDTO {
	return eventDTO{
		StatusEvent: evt.StatusEvent,
		Stage:       evt.Stage,
		DurationMs:  evt.Dur.Milliseconds(),
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
