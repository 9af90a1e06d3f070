package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/cookie"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/scheduler"
)

type exampleHistory struct {
	records []crawler.HistoryRecord
}

func (e exampleHistory) QueryHistory(context.Context, int, int) ([]crawler.HistoryRecord, error) {
	return e.records, nil
}

func (e exampleHistory) AggregateStats(context.Context, time.Time) (crawler.Stats, error) {
	return crawler.Stats{TotalTasks: len(e.records)}, nil
}

type exampleTasks struct{}

func (exampleTasks) Submit(context.Context, scheduler.Submission, crawler.StatusCallback) (string, error) {
	return "", nil
}

func (exampleTasks) Status(context.Context, string) (scheduler.TaskInfo, error) {
	return scheduler.TaskInfo{}, crawler.ErrNotFound
}

func (exampleTasks) Cancel(context.Context, string) (bool, error) { return false, crawler.ErrNotFound }

func (exampleTasks) QueueStatus(context.Context) (scheduler.QueueStatus, error) {
	return scheduler.QueueStatus{}, nil
}

func (exampleTasks) CheckCookie(context.Context, string, string, []string) (cookie.RestrictionResult, error) {
	return cookie.RestrictionResult{}, nil
}

type exampleCookies struct{}

func (exampleCookies) List(context.Context) ([]cookie.Identity, error)   { return nil, nil }
func (exampleCookies) Summarize(context.Context) (cookie.Summary, error) { return cookie.Summary{}, nil }
func (exampleCookies) Save(string, string) error                         { return nil }
func (exampleCookies) Delete(string) error                               { return nil }

// ExampleServer_history shows how to page through finished tasks.
func ExampleServer_history() {
	srv, err := NewServer(Config{}, Deps{
		Tasks: exampleTasks{},
		History: exampleHistory{records: []crawler.HistoryRecord{{
			TaskID:     "0190a5f0-7c1e-7cc2-8a3b-4d2f6e8a9b01",
			City:       "西安",
			Categories: []string{"火锅"},
			Status:     crawler.TaskStatusCompleted,
			TotalShops: 15,
		}}},
		Cookies: exampleCookies{},
	})
	if err != nil {
		panic(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/history?limit=1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var payload struct {
		History []crawler.HistoryRecord `json:"history"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned tasks: %d, shops: %d\n", len(payload.History), payload.History[0].TotalShops)
	// Output:
	// returned tasks: 1, shops: 15
}
