package sinks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/listing-crawler/internal/progress"
)

// PrometheusSink exports crawl progress as Prometheus collectors: task
// outcomes and runtime, a running gauge, and page level counters.
type PrometheusSink struct {
	tasksAccepted prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskRuntime   *prometheus.HistogramVec

	pages      *prometheus.CounterVec
	challenges *prometheus.CounterVec
	shops      *prometheus.CounterVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listing_crawler_tasks_accepted_total",
			Help: "Tasks accepted into the queue.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listing_crawler_tasks_finished_total",
			Help: "Tasks that reached a terminal status, by status.",
		}, []string{"status"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "listing_crawler_tasks_running",
			Help: "Tasks currently executing.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "listing_crawler_task_runtime_seconds",
			Help:    "Wall time per finished task.",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200, 14400},
		}, []string{"status"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listing_crawler_pages_total",
			Help: "Listing pages processed, by outcome.",
		}, []string{"outcome"}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listing_crawler_challenges_total",
			Help: "Verification challenges encountered, by category.",
		}, []string{"category"}),
		shops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listing_crawler_shops_extracted_total",
			Help: "Shop records extracted, by category.",
		}, []string{"category"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksAccepted,
		s.tasksFinished,
		s.tasksRunning,
		s.taskRuntime,
		s.pages,
		s.challenges,
		s.shops,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTaskAccepted:
		s.tasksAccepted.Inc()
	case progress.StageTaskStart:
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case progress.StageTaskDone, progress.StageTaskError, progress.StageTaskCancelled:
		status := string(evt.Status)
		s.tasksFinished.WithLabelValues(status).Inc()
		if evt.Dur > 0 {
			s.taskRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.TaskID) {
			s.tasksRunning.Dec()
		}
	case progress.StagePageDone:
		s.pages.WithLabelValues("done").Inc()
		if evt.Stats.ShopsFound > 0 {
			s.shops.WithLabelValues(category(evt)).Add(float64(evt.Stats.ShopsFound))
		}
	case progress.StagePageSkipped:
		s.pages.WithLabelValues("skipped").Inc()
	case progress.StageChallenge:
		s.challenges.WithLabelValues(category(evt)).Inc()
	}
}

func category(evt progress.Event) string {
	if c := strings.TrimSpace(evt.Stats.Category); c != "" {
		return c
	}
	return "unknown"
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
