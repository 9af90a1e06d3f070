package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/progress"
)

func event(stage progress.Stage, status crawler.TaskStatus, stats crawler.EventStats, dur time.Duration) progress.Event {
	return progress.FromStatus(crawler.StatusEvent{
		TaskID:    "task-1",
		Status:    status,
		Timestamp: time.Now(),
		Stats:     stats,
	}, stage, dur)
}

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	running := crawler.TaskStatusRunning
	batch := []progress.Event{
		event(progress.StageTaskAccepted, crawler.TaskStatusPending, crawler.EventStats{}, 0),
		event(progress.StageTaskStart, running, crawler.EventStats{}, 0),
		event(progress.StagePageDone, running, crawler.EventStats{Category: "火锅", Page: 1, ShopsFound: 15}, 0),
		event(progress.StageChallenge, running, crawler.EventStats{Category: "火锅", Page: 2}, 0),
		event(progress.StagePageSkipped, running, crawler.EventStats{Category: "火锅", Page: 2}, 0),
		event(progress.StageTaskStart, running, crawler.EventStats{}, 0),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		event(progress.StageTaskDone, crawler.TaskStatusCompleted, crawler.EventStats{}, 90*time.Second),
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksAccepted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksFinished.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.tasksRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("done")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.pages.WithLabelValues("skipped")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.challenges.WithLabelValues("火锅")))
	require.InDelta(t, 15.0, testutil.ToFloat64(sink.shops.WithLabelValues("火锅")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.taskRuntime, "listing_crawler_task_runtime_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkUsesEventLevel(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))

	warn := event(progress.StageChallenge, crawler.TaskStatusRunning, crawler.EventStats{Category: "火锅", Page: 3}, 0)
	warn.Level = crawler.LevelWarning
	warn.Message = "verification challenge detected"
	info := event(progress.StagePageDone, crawler.TaskStatusRunning, crawler.EventStats{Page: 3}, 0)
	info.Message = "page 3 done"

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{warn, info}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.WarnLevel, entries[0].Level)
	require.Equal(t, "verification challenge detected", entries[0].Message)
	require.Equal(t, "火锅", entries[0].ContextMap()["category"])
	require.Equal(t, zap.DebugLevel, entries[1].Level)
	require.Equal(t, "task-1", entries[1].ContextMap()["task_id"])
}
