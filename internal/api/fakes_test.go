package api

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/cookie"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/progress"
	"github.com/JakeFAU/listing-crawler/internal/scheduler"
)

const (
	taskA = "0190a5f0-7c1e-7cc2-8a3b-4d2f6e8a9b01"
	taskB = "0190a5f0-7c1e-7cc2-8a3b-4d2f6e8a9b02"
)

type fakeTasks struct {
	mu sync.Mutex

	submitID  string
	submitErr error
	submitted []scheduler.Submission

	status    map[string]scheduler.TaskInfo
	statusErr error

	cancelled bool
	cancelErr error

	queue      scheduler.QueueStatus
	queuePanic bool

	check    cookie.RestrictionResult
	checkErr error
}

func (f *fakeTasks) Submit(_ context.Context, sub scheduler.Submission, _ crawler.StatusCallback) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, sub)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitID, nil
}

func (f *fakeTasks) Status(_ context.Context, taskID string) (scheduler.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return scheduler.TaskInfo{}, f.statusErr
	}
	info, ok := f.status[taskID]
	if !ok {
		return scheduler.TaskInfo{}, fmt.Errorf("task %s: %w", taskID, crawler.ErrNotFound)
	}
	return info, nil
}

func (f *fakeTasks) Cancel(context.Context, string) (bool, error) {
	return f.cancelled, f.cancelErr
}

func (f *fakeTasks) QueueStatus(context.Context) (scheduler.QueueStatus, error) {
	if f.queuePanic {
		panic("queue exploded")
	}
	return f.queue, nil
}

func (f *fakeTasks) CheckCookie(context.Context, string, string, []string) (cookie.RestrictionResult, error) {
	return f.check, f.checkErr
}

func (f *fakeTasks) submissions() []scheduler.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scheduler.Submission(nil), f.submitted...)
}

type fakeHistory struct {
	mu      sync.Mutex
	records []crawler.HistoryRecord
	stats   crawler.Stats
	err     error
	limit   int
	offset  int
	day     time.Time
}

func (f *fakeHistory) QueryHistory(_ context.Context, limit, offset int) ([]crawler.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit, f.offset = limit, offset
	return f.records, f.err
}

func (f *fakeHistory) AggregateStats(_ context.Context, day time.Time) (crawler.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.day = day
	return f.stats, f.err
}

type fakeCookies struct {
	mu         sync.Mutex
	ids        []cookie.Identity
	summary    cookie.Summary
	summaryErr error
	saveErr    error
	deleteErr  error
	saved      map[string]string
}

func (f *fakeCookies) List(context.Context) ([]cookie.Identity, error) {
	return f.ids, nil
}

func (f *fakeCookies) Summarize(context.Context) (cookie.Summary, error) {
	return f.summary, f.summaryErr
}

func (f *fakeCookies) Save(name, raw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if f.saved == nil {
		f.saved = make(map[string]string)
	}
	f.saved[name] = raw
	return nil
}

func (f *fakeCookies) Delete(string) error {
	return f.deleteErr
}

type fakeEvents struct {
	mu           sync.Mutex
	ch           chan progress.Event
	subscribed   []string
	unsubscribed int
}

func newFakeEvents(events ...progress.Event) *fakeEvents {
	ch := make(chan progress.Event, len(events))
	for _, evt := range events {
		ch <- evt
	}
	close(ch)
	return &fakeEvents{ch: ch}
}

func (f *fakeEvents) Subscribe(taskID string) (<-chan progress.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, taskID)
	return f.ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribed++
	}
}

func (f *fakeEvents) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed), f.unsubscribed
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type testDeps struct {
	tasks   *fakeTasks
	history *fakeHistory
	cookies *fakeCookies
	events  *fakeEvents
}

func newTestServer(t *testing.T, cfg Config, deps testDeps) *Server {
	t.Helper()
	if deps.tasks == nil {
		deps.tasks = &fakeTasks{}
	}
	if deps.history == nil {
		deps.history = &fakeHistory{}
	}
	if deps.cookies == nil {
		deps.cookies = &fakeCookies{}
	}
	d := Deps{
		Tasks:   deps.tasks,
		History: deps.history,
		Cookies: deps.cookies,
		Clock:   fixedClock{now: time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)},
	}
	if deps.events != nil {
		d.Events = deps.events
	}
	srv, err := NewServer(cfg, d)
	require.NoError(t, err)
	return srv
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
