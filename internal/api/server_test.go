package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/cookie"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/scheduler"
)

func serve(srv *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Config{}, Deps{})
	require.ErrorContains(t, err, "task service")
	_, err = NewServer(Config{}, Deps{Tasks: &fakeTasks{}})
	require.ErrorContains(t, err, "history reader")
	_, err = NewServer(Config{}, Deps{Tasks: &fakeTasks{}, History: &fakeHistory{}})
	require.ErrorContains(t, err, "cookie manager")
}

func TestServer_SubmitTask_Succeeds(t *testing.T) {
	t.Parallel()

	tasks := &fakeTasks{submitID: taskA}
	srv := newTestServer(t, Config{}, testDeps{tasks: tasks})

	rec := serve(srv, http.MethodPost, "/v1/tasks", []byte(`{
		"city": "xian",
		"categories": ["g110", "咖啡"],
		"range_type": "custom",
		"start_page": 2,
		"end_page": 5,
		"cookie_name": "main",
		"priority": 10
	}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, taskA, decodeBody(t, rec)["task_id"])
	subs := tasks.submissions()
	require.Len(t, subs, 1)
	require.Equal(t, "xian", subs[0].City)
	require.Equal(t, []string{"g110", "咖啡"}, subs[0].Categories)
	require.Equal(t, crawler.RangeCustom, subs[0].RangeType)
	require.Equal(t, 2, subs[0].StartPage)
	require.Equal(t, 5, subs[0].EndPage)
	require.Equal(t, "main", subs[0].CookieName)
	require.Equal(t, 10, subs[0].Priority)
}

func TestServer_SubmitTask_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   string
		err    error
		status int
		check  func(t *testing.T, body map[string]any)
	}{
		{
			name:   "malformed json",
			body:   `{invalid`,
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown field",
			body:   `{"city":"xian","urls":["x"]}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "validation",
			body:   `{"city":"atlantis","categories":["g110"],"cookie_name":"main"}`,
			err:    &scheduler.ValidationError{Reason: "unsupported city"},
			status: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]any) {
				require.Equal(t, "unsupported city", body["error"])
			},
		},
		{
			name:   "restriction",
			body:   `{"city":"xian","categories":["g110"],"cookie_name":"main"}`,
			err:    &scheduler.RestrictionError{Result: cookie.RestrictionResult{DailyLimitReached: true, DailyUsage: 2, MaxDailyUsage: 2}},
			status: http.StatusConflict,
			check: func(t *testing.T, body map[string]any) {
				restriction, ok := body["restriction"].(map[string]any)
				require.True(t, ok)
				require.Equal(t, true, restriction["daily_limit_reached"])
				require.EqualValues(t, 2, restriction["daily_usage"])
			},
		},
		{
			name:   "queue stopped",
			body:   `{"city":"xian","categories":["g110"],"cookie_name":"main"}`,
			err:    crawler.ErrQueueStopped,
			status: http.StatusServiceUnavailable,
		},
		{
			name:   "store failure",
			body:   `{"city":"xian","categories":["g110"],"cookie_name":"main"}`,
			err:    errors.New("disk full"),
			status: http.StatusInternalServerError,
			check: func(t *testing.T, body map[string]any) {
				require.Equal(t, "failed to submit task", body["error"])
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := newTestServer(t, Config{}, testDeps{tasks: &fakeTasks{submitErr: tc.err}})
			rec := serve(srv, http.MethodPost, "/v1/tasks", []byte(tc.body))
			require.Equal(t, tc.status, rec.Code)
			if tc.check != nil {
				tc.check(t, decodeBody(t, rec))
			}
		})
	}
}

func TestServer_GetTask(t *testing.T) {
	t.Parallel()

	tasks := &fakeTasks{status: map[string]scheduler.TaskInfo{
		taskA: {TaskID: taskA, Status: crawler.TaskStatusRunning, Source: scheduler.SourceRunning, City: "西安"},
	}}
	srv := newTestServer(t, Config{}, testDeps{tasks: tasks})

	rec := serve(srv, http.MethodGet, "/v1/tasks/"+taskA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "running", body["status"])
	require.Equal(t, "running", body["source"])
	require.Equal(t, "西安", body["city"])

	rec = serve(srv, http.MethodGet, "/v1/tasks/"+taskB, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(srv, http.MethodGet, "/v1/tasks/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_GetTask_StoreError(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{}, testDeps{tasks: &fakeTasks{statusErr: errors.New("db gone")}})
	rec := serve(srv, http.MethodGet, "/v1/tasks/"+taskA, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_CancelTask(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		cancelled bool
		err       error
		status    int
	}{
		{name: "pending task", cancelled: true, status: http.StatusOK},
		{name: "running task", err: crawler.ErrTaskRunning, status: http.StatusConflict},
		{name: "unknown task", err: fmt.Errorf("cancel: %w", crawler.ErrNotFound), status: http.StatusNotFound},
		{name: "already finished", status: http.StatusConflict},
		{name: "store failure", err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := newTestServer(t, Config{}, testDeps{tasks: &fakeTasks{cancelled: tc.cancelled, cancelErr: tc.err}})
			rec := serve(srv, http.MethodDelete, "/v1/tasks/"+taskA, nil)
			require.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				require.Equal(t, "cancelled", decodeBody(t, rec)["status"])
			}
		})
	}
}

func TestServer_QueueStatus(t *testing.T) {
	t.Parallel()

	tasks := &fakeTasks{queue: scheduler.QueueStatus{Pending: 3, Queued: 1, Running: 1, ConcurrencyLimit: 2, WorkerActive: true}}
	srv := newTestServer(t, Config{}, testDeps{tasks: tasks})

	rec := serve(srv, http.MethodGet, "/v1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.EqualValues(t, 3, body["pending_count"])
	require.EqualValues(t, 1, body["queued_count"])
	require.EqualValues(t, 1, body["running_count"])
	require.EqualValues(t, 2, body["concurrency_limit"])
	require.Equal(t, true, body["worker_active"])
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{}, testDeps{tasks: &fakeTasks{queuePanic: true}})
	rec := serve(srv, http.MethodGet, "/v1/queue", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{APIKey: "secret"}, testDeps{})

	rec := serve(srv, http.MethodGet, "/v1/queue", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{}, testDeps{})
	require.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/healthz", nil).Code)

	rec := serve(srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{}, testDeps{})
	rec := serve(srv, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}
