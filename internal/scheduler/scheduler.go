// Package scheduler owns the task queue: it admits submissions through the
// cookie governor, claims pending tasks from the store in priority order, and
// runs each one in a crawl session while never exceeding the configured
// number of concurrent browsers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/catalog"
	"github.com/JakeFAU/listing-crawler/internal/cookie"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/progress"
	"github.com/JakeFAU/listing-crawler/internal/session"
)

const (
	defaultPollInterval = 2 * time.Second
	finalizeTimeout     = 30 * time.Second
)

// Config controls admission limits and worker behavior.
type Config struct {
	Concurrency   int
	PollInterval  time.Duration
	TaskTimeout   time.Duration
	MaxCategories int
	DefaultPages  int
	MaxPages      int
	// Topic receives one message per finished task when a Publisher is set.
	Topic       string
	BlobPrefix  string
	ContentType string
}

// Governor is the identity gate used at submission.
type Governor interface {
	ValidateFormat(raw string) error
	CheckRestrictions(ctx context.Context, raw, city string, categories []string) (cookie.RestrictionResult, error)
	Reserve(ctx context.Context, hash, name string) (bool, int, error)
	Load(name string) (string, error)
}

// SessionRunner executes one decoded task.
type SessionRunner interface {
	Run(ctx context.Context, req session.Request, cb crawler.StatusCallback) session.Result
}

// Deps are the scheduler's collaborators. Events, Blobs, and Publisher are
// optional.
type Deps struct {
	Store     crawler.Store
	Governor  Governor
	Catalog   *catalog.Catalog
	Sessions  SessionRunner
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Events    progress.Emitter
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Logger    *zap.Logger
}

// TaskInfo is the answer to a status query.
type TaskInfo struct {
	TaskID     string                 `json:"task_id"`
	Status     crawler.TaskStatus     `json:"status"`
	Source     string                 `json:"source"`
	City       string                 `json:"city"`
	Categories []string               `json:"categories"`
	StartPage  int                    `json:"start_page"`
	EndPage    int                    `json:"end_page"`
	CreatedAt  time.Time              `json:"created_at"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	Progress   *crawler.StatusEvent   `json:"progress,omitempty"`
	History    *crawler.HistoryRecord `json:"history,omitempty"`
}

// Status sources, in lookup order.
const (
	SourceRunning = "running"
	SourceQueue   = "queue"
	SourceHistory = "history"
)

// QueueStatus summarizes the scheduler.
type QueueStatus struct {
	Pending          int  `json:"pending_count"`
	Queued           int  `json:"queued_count"`
	Running          int  `json:"running_count"`
	ConcurrencyLimit int  `json:"concurrency_limit"`
	WorkerActive     bool `json:"worker_active"`
}

// TaskEvent is the payload published when a task finishes.
type TaskEvent struct {
	TaskID       string             `json:"task_id"`
	Status       crawler.TaskStatus `json:"status"`
	City         string             `json:"city"`
	Categories   []string           `json:"categories"`
	TotalShops   int                `json:"total_shops"`
	CaptchaCount int                `json:"captcha_count"`
	SkippedPages int                `json:"skipped_pages"`
	OutputFile   string             `json:"output_file,omitempty"`
	ArtifactURI  string             `json:"artifact_uri,omitempty"`
	Error        string             `json:"error,omitempty"`
	FinishedAt   time.Time          `json:"finished_at"`
}

type runningTask struct {
	task      crawler.Task
	city      string
	names     []string
	startedAt time.Time
	last      *crawler.StatusEvent
	cancel    context.CancelFunc
}

// Scheduler is the task queue. The running and callback maps are private and
// guarded by mu; all durable transitions go through the store.
type Scheduler struct {
	cfg       Config
	store     crawler.Store
	governor  Governor
	catalog   *catalog.Catalog
	sessions  SessionRunner
	ids       crawler.IDGenerator
	clock     crawler.Clock
	events    progress.Emitter
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	validate  *validator.Validate
	logger    *zap.Logger

	mu        sync.Mutex
	running   map[string]*runningTask
	callbacks map[string]crawler.StatusCallback
	accepting bool
	active    bool

	slots    chan struct{}
	wake     chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}
	tasks    sync.WaitGroup

	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates deps and returns an idle scheduler. Call Start to begin
// claiming work.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Governor == nil {
		return nil, errors.New("cookie governor is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session runner is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxCategories <= 0 {
		cfg.MaxCategories = 2
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 30
	}
	if cfg.DefaultPages <= 0 || cfg.DefaultPages > cfg.MaxPages {
		cfg.DefaultPages = min(15, cfg.MaxPages)
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/csv; charset=utf-8"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		store:     deps.Store,
		governor:  deps.Governor,
		catalog:   deps.Catalog,
		sessions:  deps.Sessions,
		ids:       deps.IDs,
		clock:     deps.Clock,
		events:    deps.Events,
		blobs:     deps.Blobs,
		publisher: deps.Publisher,
		validate:  validator.New(),
		logger:    logger.Named("scheduler"),
		running:   make(map[string]*runningTask),
		callbacks: make(map[string]crawler.StatusCallback),
		accepting: true,
		slots:     make(chan struct{}, cfg.Concurrency),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}, nil
}

// Start launches the worker loop. Task contexts derive from ctx. Calling
// Start more than once has no effect.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.active = true
		s.mu.Unlock()
		go s.loop(ctx)
		s.logger.Info("worker started",
			zap.Int("concurrency", s.cfg.Concurrency),
			zap.Duration("poll_interval", s.cfg.PollInterval))
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// dispatch claims pending tasks while slots are free.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		if ctx.Err() != nil || !s.isAccepting() {
			return
		}
		select {
		case s.slots <- struct{}{}:
		default:
			return
		}
		rt, ok := s.claim(ctx)
		if !ok {
			<-s.slots
			return
		}
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			defer func() {
				<-s.slots
				s.signal()
			}()
			s.execute(ctx, rt)
		}()
	}
}

// claim takes the next pending task and registers it as running under mu, so
// Cancel never observes a claimed task outside the running map.
func (s *Scheduler) claim(ctx context.Context) (*runningTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok, err := s.store.ClaimNextPending(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("claim next task failed", zap.Error(err))
		}
		return nil, false
	}
	if !ok {
		return nil, false
	}
	rt := &runningTask{task: task, startedAt: s.clock.Now()}
	s.running[task.ID] = rt
	return rt, true
}

// execute runs one task. Every path ends in exactly one terminal history
// update, including panics.
func (s *Scheduler) execute(parent context.Context, rt *runningTask) {
	task := rt.task
	logger := s.logger.With(zap.String("task_id", task.ID))

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.cfg.TaskTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, s.cfg.TaskTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()
	s.mu.Lock()
	rt.cancel = cancel
	s.mu.Unlock()

	running := crawler.TaskStatusRunning
	start := rt.startedAt
	if err := s.store.UpdateHistory(ctx, task.ID, crawler.HistoryUpdate{Status: &running, StartTime: &start}); err != nil {
		logger.Error("mark task running failed", zap.Error(err))
	}

	var (
		req session.Request
		res session.Result
	)
	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("task panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		req, err = s.decode(task)
		if err != nil {
			return err
		}
		s.mu.Lock()
		rt.city, rt.names = req.City.Name, entryNames(req.Categories)
		s.mu.Unlock()

		s.deliver(crawler.StatusEvent{
			TaskID:    task.ID,
			Status:    crawler.TaskStatusRunning,
			State:     crawler.StateInit,
			Level:     crawler.LevelInfo,
			Message:   "task started",
			Timestamp: start,
		}, progress.StageTaskStart, 0)

		res = s.sessions.Run(ctx, req, func(ev crawler.StatusEvent) {
			s.deliver(ev, progress.StageFor(ev), 0)
		})
		if res.Err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			return fmt.Errorf("task deadline exceeded: %w", res.Err)
		}
		return res.Err
	}()

	s.finalize(context.WithoutCancel(parent), rt, req, res, runErr)
}

// displayNames maps a queued task's codes to the names history and running
// tasks report. Codes the catalog no longer knows are shown as stored.
func (s *Scheduler) displayNames(task crawler.Task) (string, []string) {
	city := task.CityCode
	if entry, err := s.catalog.ResolveCity(task.CityCode); err == nil {
		city = entry.Name
	}
	names := make([]string, 0, len(task.CategoryIDs))
	for _, id := range task.CategoryIDs {
		if entry, err := s.catalog.ResolveCategory(id); err == nil {
			id = entry.Name
		}
		names = append(names, id)
	}
	return city, names
}

// decode resolves the stored codes back to catalog entries. A code that no
// longer resolves is a configuration error and fails the task.
func (s *Scheduler) decode(task crawler.Task) (session.Request, error) {
	city, err := s.catalog.ResolveCity(task.CityCode)
	if err != nil {
		return session.Request{}, fmt.Errorf("decode task: %w", err)
	}
	categories := make([]catalog.Entry, 0, len(task.CategoryIDs))
	for _, id := range task.CategoryIDs {
		entry, err := s.catalog.ResolveCategory(id)
		if err != nil {
			return session.Request{}, fmt.Errorf("decode task: %w", err)
		}
		categories = append(categories, entry)
	}
	return session.Request{
		TaskID:     task.ID,
		City:       city,
		Categories: categories,
		StartPage:  task.StartPage,
		EndPage:    task.EndPage,
		RangeType:  task.RangeType,
		PageCount:  task.PageCount,
		Sort:       task.SortType,
		Cookie:     task.CookieString,
	}, nil
}

func (s *Scheduler) finalize(base context.Context, rt *runningTask, req session.Request, res session.Result, runErr error) {
	ctx, cancel := context.WithTimeout(base, finalizeTimeout)
	defer cancel()
	task := rt.task
	logger := s.logger.With(zap.String("task_id", task.ID))
	end := s.clock.Now()

	status := crawler.TaskStatusCompleted
	var msgs []string
	if runErr != nil {
		status = crawler.TaskStatusFailed
		msgs = append(msgs, runErr.Error())
	}
	msgs = append(msgs, res.Notes...)
	message := strings.Join(msgs, "; ")

	hash := ""
	if record, err := s.store.GetHistory(ctx, task.ID); err == nil {
		hash = record.CookieHash
	}
	for _, cat := range res.Categories {
		if cat.PagesCrawled == 0 {
			continue
		}
		combo := crawler.Combination{
			City:         req.City.Name,
			Category:     cat.Category,
			CrawlDate:    end,
			CookieHash:   hash,
			TaskID:       task.ID,
			PagesCrawled: cat.PagesCrawled,
			ShopsFound:   cat.Shops,
		}
		if err := s.store.RecordCombination(ctx, combo); err != nil {
			logger.Error("record combination failed", zap.String("category", cat.Category), zap.Error(err))
		}
	}

	artifact := s.upload(ctx, task.ID, res.OutputFile)

	total := len(res.Records)
	update := crawler.HistoryUpdate{
		Status:       &status,
		EndTime:      &end,
		TotalShops:   &total,
		CaptchaCount: &res.CaptchaCount,
		SkippedPages: &res.SkippedPages,
	}
	if res.OutputFile != "" {
		update.OutputFile = &res.OutputFile
	}
	if message != "" {
		update.ErrorMessage = &message
	}
	if err := s.store.UpdateHistory(ctx, task.ID, update); err != nil {
		logger.Error("final history update failed", zap.Error(err))
	}
	if _, err := s.store.DeleteQueued(ctx, task.ID); err != nil {
		logger.Error("remove queue row failed", zap.Error(err))
	}

	s.mu.Lock()
	delete(s.running, task.ID)
	s.mu.Unlock()

	level, stage := crawler.LevelInfo, progress.StageTaskDone
	text := fmt.Sprintf("task completed with %d shops", total)
	if status == crawler.TaskStatusFailed {
		level, stage = crawler.LevelError, progress.StageTaskError
		text = "task failed: " + message
	}
	s.deliver(crawler.StatusEvent{
		TaskID:    task.ID,
		Status:    status,
		Level:     level,
		Message:   text,
		Timestamp: end,
		Stats: crawler.EventStats{
			CaptchaCount: res.CaptchaCount,
			SkippedPages: res.SkippedPages,
			ShopsFound:   total,
		},
	}, stage, end.Sub(rt.startedAt))
	s.dropCallback(task.ID)

	s.publish(ctx, TaskEvent{
		TaskID:       task.ID,
		Status:       status,
		City:         req.City.Name,
		Categories:   entryNames(req.Categories),
		TotalShops:   total,
		CaptchaCount: res.CaptchaCount,
		SkippedPages: res.SkippedPages,
		OutputFile:   res.OutputFile,
		ArtifactURI:  artifact,
		Error:        message,
		FinishedAt:   end,
	})
	logger.Info("task finished",
		zap.String("status", string(status)),
		zap.Int("total_shops", total),
		zap.Int("captcha_count", res.CaptchaCount),
		zap.Int("skipped_pages", res.SkippedPages),
		zap.Duration("elapsed", end.Sub(rt.startedAt)),
	)
}

func (s *Scheduler) upload(ctx context.Context, taskID, file string) string {
	if s.blobs == nil || file == "" {
		return ""
	}
	f, err := os.Open(file) //nolint:gosec // path produced by the output writer
	if err != nil {
		s.logger.Error("open artifact failed", zap.String("task_id", taskID), zap.Error(err))
		return ""
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			s.logger.Warn("close artifact failed", zap.Error(cerr))
		}
	}()
	key := path.Join(strings.Trim(s.cfg.BlobPrefix, "/"), taskID, filepath.Base(file))
	uri, err := s.blobs.PutObject(ctx, key, s.cfg.ContentType, f)
	if err != nil {
		s.logger.Error("upload artifact failed", zap.String("task_id", taskID), zap.Error(err))
		return ""
	}
	return uri
}

func (s *Scheduler) publish(ctx context.Context, ev TaskEvent) {
	if s.publisher == nil || s.cfg.Topic == "" {
		return
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.Topic, ev); err != nil {
		s.logger.Warn("publish task event failed", zap.String("task_id", ev.TaskID), zap.Error(err))
	}
}

// deliver records ev as the task's latest progress, forwards it to the
// event hub, and invokes the caller's callback. A panicking callback is
// logged and ignored.
func (s *Scheduler) deliver(ev crawler.StatusEvent, stage progress.Stage, dur time.Duration) {
	s.mu.Lock()
	if rt, ok := s.running[ev.TaskID]; ok {
		copied := ev
		rt.last = &copied
	}
	cb := s.callbacks[ev.TaskID]
	s.mu.Unlock()

	if s.events != nil {
		s.events.Emit(progress.FromStatus(ev, stage, dur))
	}
	s.invoke(cb, ev)
}

func (s *Scheduler) invoke(cb crawler.StatusCallback, ev crawler.StatusEvent) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("status callback panicked", zap.String("task_id", ev.TaskID), zap.Any("panic", r))
		}
	}()
	cb(ev)
}

func (s *Scheduler) dropCallback(taskID string) {
	s.mu.Lock()
	delete(s.callbacks, taskID)
	s.mu.Unlock()
}

// Cancel removes a task that has not started yet. It returns
// crawler.ErrTaskRunning for a running task and crawler.ErrNotFound for an
// unknown one; a task that already finished yields (false, nil).
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[taskID]; ok {
		return false, crawler.ErrTaskRunning
	}
	deleted, err := s.store.DeleteQueued(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("delete queued task: %w", err)
	}
	if !deleted {
		if _, err := s.store.GetHistory(ctx, taskID); err != nil {
			if errors.Is(err, crawler.ErrNotFound) {
				return false, crawler.ErrNotFound
			}
			return false, fmt.Errorf("load history: %w", err)
		}
		return false, nil
	}
	now := s.clock.Now()
	cancelled := crawler.TaskStatusCancelled
	msg := "cancelled before start"
	if err := s.store.UpdateHistory(ctx, taskID, crawler.HistoryUpdate{Status: &cancelled, EndTime: &now, ErrorMessage: &msg}); err != nil {
		return true, fmt.Errorf("mark history cancelled: %w", err)
	}
	cb := s.callbacks[taskID]
	delete(s.callbacks, taskID)
	ev := crawler.StatusEvent{
		TaskID:    taskID,
		Status:    crawler.TaskStatusCancelled,
		Level:     crawler.LevelInfo,
		Message:   msg,
		Timestamp: now,
	}
	if s.events != nil {
		s.events.Emit(progress.FromStatus(ev, progress.StageTaskCancelled, 0))
	}
	if cb != nil {
		go s.invoke(cb, ev)
	}
	s.logger.Info("task cancelled", zap.String("task_id", taskID))
	return true, nil
}

// Status looks the task up in the running map, then the queue, then history.
func (s *Scheduler) Status(ctx context.Context, taskID string) (TaskInfo, error) {
	s.mu.Lock()
	if rt, ok := s.running[taskID]; ok {
		started := rt.startedAt
		info := TaskInfo{
			TaskID:     taskID,
			Status:     crawler.TaskStatusRunning,
			Source:     SourceRunning,
			City:       rt.city,
			Categories: append([]string(nil), rt.names...),
			StartPage:  rt.task.StartPage,
			EndPage:    rt.task.EndPage,
			CreatedAt:  rt.task.CreatedAt,
			StartedAt:  &started,
		}
		if rt.last != nil {
			last := *rt.last
			info.Progress = &last
		}
		s.mu.Unlock()
		return info, nil
	}
	s.mu.Unlock()

	task, err := s.store.GetQueued(ctx, taskID)
	if err == nil {
		city, names := s.displayNames(task)
		return TaskInfo{
			TaskID:     taskID,
			Status:     task.Status,
			Source:     SourceQueue,
			City:       city,
			Categories: names,
			StartPage:  task.StartPage,
			EndPage:    task.EndPage,
			CreatedAt:  task.CreatedAt,
		}, nil
	}
	if !errors.Is(err, crawler.ErrNotFound) {
		return TaskInfo{}, fmt.Errorf("load queued task: %w", err)
	}
	record, err := s.store.GetHistory(ctx, taskID)
	if err != nil {
		return TaskInfo{}, err
	}
	return TaskInfo{
		TaskID:     taskID,
		Status:     record.Status,
		Source:     SourceHistory,
		City:       record.City,
		Categories: record.Categories,
		StartPage:  record.StartPage,
		EndPage:    record.EndPage,
		CreatedAt:  record.CreatedAt,
		History:    &record,
	}, nil
}

// QueueStatus reports queue depth and worker state.
func (s *Scheduler) QueueStatus(ctx context.Context) (QueueStatus, error) {
	counts, err := s.store.CountQueued(ctx)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("count queue: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return QueueStatus{
		Pending:          counts.Pending,
		Queued:           counts.Queued,
		Running:          len(s.running),
		ConcurrencyLimit: s.cfg.Concurrency,
		WorkerActive:     s.active,
	}, nil
}

// Running reports how many tasks are executing.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown stops admitting work, waits up to timeout for running tasks to
// drain, then cancels whatever is left and waits for it to record its
// outcome. It is idempotent; later calls return the first call's result.
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.accepting = false
		wasActive := s.active
		s.active = false
		s.mu.Unlock()
		close(s.stopCh)
		if wasActive {
			<-s.loopDone
		}

		drained := make(chan struct{})
		go func() {
			s.tasks.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(timeout):
			s.mu.Lock()
			left := len(s.running)
			for _, rt := range s.running {
				if rt.cancel != nil {
					rt.cancel()
				}
			}
			s.mu.Unlock()
			s.logger.Warn("shutdown timeout, cancelling running tasks", zap.Int("running", left))
			s.shutdownErr = fmt.Errorf("shutdown timed out with %d running tasks", left)
			<-drained
		}

		s.mu.Lock()
		clear(s.callbacks)
		clear(s.running)
		s.mu.Unlock()
		s.logger.Info("scheduler stopped")
	})
	return s.shutdownErr
}

func (s *Scheduler) isAccepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepting
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func entryNames(entries []catalog.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
