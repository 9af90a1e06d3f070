package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent("task-1", StageTaskStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent("task-1", StageTaskStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent("task-1", StageTaskStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 1, hub.dropped.Load())
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{Stage: StageTaskStart})
	hub.Emit(sampleEvent("task-1", Stage("BOGUS")))
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent("task-1", StageTaskStart))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	// Second close is a no-op and later emits are ignored.
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(sampleEvent("task-1", StageTaskDone))
}

func TestHubSubscribeReceivesTaskEventsUntilTerminal(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{MaxBatchWait: time.Minute})
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	events, cancel := hub.Subscribe("task-1")
	defer cancel()

	hub.Emit(sampleEvent("task-2", StageTaskStart))
	hub.Emit(sampleEvent("task-1", StageTaskStart))
	hub.Emit(sampleEvent("task-1", StagePageDone))
	hub.Emit(sampleEvent("task-1", StageTaskDone))

	var got []Stage
	timeout := time.After(time.Second)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				require.Equal(t, []Stage{StageTaskStart, StagePageDone, StageTaskDone}, got)
				return
			}
			require.Equal(t, "task-1", evt.TaskID)
			got = append(got, evt.Stage)
		case <-timeout:
			t.Fatalf("subscription did not close, got %v", got)
		}
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	events, cancel := hub.Subscribe("task-1")
	cancel()
	cancel()
	_, ok := <-events
	require.False(t, ok)
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	events, cancel := hub.Subscribe("task-1")
	defer cancel()

	require.NoError(t, hub.Close(context.Background()))
	_, ok := <-events
	require.False(t, ok)

	late, lateCancel := hub.Subscribe("task-1")
	defer lateCancel()
	_, ok = <-late
	require.False(t, ok)
}

func TestStageFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ev   crawler.StatusEvent
		want Stage
	}{
		{"page done", crawler.StatusEvent{Stats: crawler.EventStats{PageOutcome: crawler.PageDone}}, StagePageDone},
		{"page skipped", crawler.StatusEvent{Stats: crawler.EventStats{PageOutcome: crawler.PageSkipped}}, StagePageSkipped},
		{"challenge", crawler.StatusEvent{State: crawler.StateChallengeWait, Level: crawler.LevelWarning}, StageChallenge},
		{"challenge info", crawler.StatusEvent{State: crawler.StateChallengeWait, Level: crawler.LevelInfo}, StageState},
		{"state", crawler.StatusEvent{State: crawler.StateNavigate}, StageState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, StageFor(tc.ev))
		})
	}
}

func TestEventValidateAndTerminal(t *testing.T) {
	t.Parallel()

	evt := sampleEvent("task-1", StageTaskDone)
	require.NoError(t, evt.Validate())
	require.True(t, evt.Terminal())
	require.False(t, sampleEvent("task-1", StagePageDone).Terminal())

	evt.Dur = -time.Second
	require.Error(t, evt.Validate())

	evt = sampleEvent("task-1", StageTaskStart)
	evt.Timestamp = time.Time{}
	require.Error(t, evt.Validate())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(taskID string, stage Stage) Event {
	return FromStatus(crawler.StatusEvent{
		TaskID:    taskID,
		Status:    crawler.TaskStatusRunning,
		Message:   "sample",
		Timestamp: time.Now(),
	}, stage, 0)
}
