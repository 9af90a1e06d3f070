// Package server builds the long-running crawl service: the task scheduler,
// the crawl session runner, event fan-out, retention, and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/antidetect"
	"github.com/JakeFAU/listing-crawler/internal/api"
	"github.com/JakeFAU/listing-crawler/internal/app"
	"github.com/JakeFAU/listing-crawler/internal/browser"
	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/id/uuid"
	"github.com/JakeFAU/listing-crawler/internal/output"
	"github.com/JakeFAU/listing-crawler/internal/probe"
	"github.com/JakeFAU/listing-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/listing-crawler/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/listing-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-crawler/internal/retention"
	"github.com/JakeFAU/listing-crawler/internal/scheduler"
	"github.com/JakeFAU/listing-crawler/internal/session"
	gcsstorage "github.com/JakeFAU/listing-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listing-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/listing-crawler/internal/storage/memory"
)

const httpShutdownTimeout = 10 * time.Second

type closer interface {
	Close() error
}

// Service owns every running component of the crawl service.
type Service struct {
	app       *app.App
	cfg       config.Config
	logger    *zap.Logger
	hub       *progress.Hub
	scheduler *scheduler.Scheduler
	cleaner   *retention.Cleaner
	apiServer *api.Server
	blobs     crawler.BlobStore
	publisher crawler.Publisher
}

// Build wires the service on top of the shared application services.
func Build(ctx context.Context, a *app.App) (*Service, error) {
	return BuildWithRegisterer(ctx, a, prometheus.DefaultRegisterer)
}

// BuildWithRegisterer is Build with a custom Prometheus registerer for the
// event sink.
func BuildWithRegisterer(ctx context.Context, a *app.App, reg prometheus.Registerer) (*Service, error) {
	cfg := a.Config()
	svc := &Service{app: a, cfg: cfg, logger: a.Logger()}
	svc.logger.Info("building crawl service")

	var err error
	if svc.blobs, err = setupStorage(ctx, cfg.Output, svc.logger); err != nil {
		return nil, err
	}
	if svc.publisher, err = setupPublisher(ctx, cfg.Events, svc.logger); err != nil {
		svc.closeInfrastructure()
		return nil, err
	}
	if svc.hub, err = setupProgress(cfg.Events, reg, svc.logger); err != nil {
		svc.closeInfrastructure()
		return nil, err
	}
	runner, err := setupSessions(cfg, a, svc.logger)
	if err != nil {
		svc.closeInfrastructure()
		return nil, err
	}

	schedDeps := scheduler.Deps{
		Store:     a.Store(),
		Governor:  a.Governor(),
		Catalog:   a.Catalog(),
		Sessions:  runner,
		IDs:       uuid.New(),
		Clock:     a.Clock(),
		Events:    svc.hub,
		Blobs:     svc.blobs,
		Publisher: svc.publisher,
		Logger:    svc.logger,
	}
	svc.scheduler, err = scheduler.New(scheduler.Config{
		Concurrency:   cfg.Scheduler.Concurrency,
		PollInterval:  cfg.Scheduler.PollInterval,
		TaskTimeout:   cfg.Scheduler.TaskTimeout,
		MaxCategories: cfg.Limits.MaxCategoriesPerTask,
		DefaultPages:  cfg.Limits.DefaultPages,
		MaxPages:      cfg.Limits.MaxPages,
		Topic:         cfg.Events.PubSubTopic,
		BlobPrefix:    cfg.Output.Prefix,
		ContentType:   cfg.Output.ContentType,
	}, schedDeps)
	if err != nil {
		svc.closeInfrastructure()
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	if cfg.Retention.Enabled {
		svc.cleaner, err = retention.New(retention.Config{
			Days:     cfg.Retention.Days,
			Schedule: cfg.Retention.Schedule,
		}, a.Store(), a.Clock(), svc.logger)
		if err != nil {
			svc.closeInfrastructure()
			return nil, fmt.Errorf("build retention: %w", err)
		}
	}

	svc.apiServer, err = api.NewServer(api.Config{
		APIKey:         apiKey(cfg.Auth),
		RequestTimeout: cfg.Server.RequestTimeout,
	}, api.Deps{
		Tasks:   svc.scheduler,
		History: a.Store(),
		Cookies: a.Governor(),
		Events:  svc.hub,
		Clock:   a.Clock(),
		Logger:  svc.logger,
	})
	if err != nil {
		svc.closeInfrastructure()
		return nil, fmt.Errorf("build api server: %w", err)
	}
	return svc, nil
}

// Handler exposes the HTTP API.
func (s *Service) Handler() http.Handler {
	return s.apiServer.Handler()
}

// Scheduler exposes the task queue.
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Run starts the worker, retention, and HTTP server, and blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives. Running tasks get the configured
// shutdown timeout to finish.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Task contexts outlive the signal so Shutdown can drain them.
	s.scheduler.Start(context.WithoutCancel(ctx))
	if s.cleaner != nil {
		if err := s.cleaner.Start(); err != nil {
			s.logger.Warn("retention schedule not started", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", zap.Int("port", s.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	s.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := s.Close(context.Background())

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close stops the scheduler and retention, then flushes events and releases
// cloud clients. The shared app is left for its owner to close.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(s.cfg.Scheduler.ShutdownTimeout); err != nil {
			s.logger.Warn("scheduler shutdown incomplete", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if s.cleaner != nil {
		if err := s.cleaner.Stop(ctx); err != nil {
			s.logger.Warn("retention stop failed", zap.Error(err))
		}
	}
	if s.hub != nil {
		hubCtx, cancel := context.WithTimeout(ctx, httpShutdownTimeout)
		if err := s.hub.Close(hubCtx); err != nil {
			s.logger.Warn("progress hub close failed", zap.Error(err))
		}
		cancel()
	}
	s.closeInfrastructure()
	s.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (s *Service) closeInfrastructure() {
	if c, ok := s.publisher.(closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if c, ok := s.blobs.(closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Warn("blob store close failed", zap.Error(err))
		}
	}
}

func apiKey(cfg config.AuthConfig) string {
	if !cfg.Enabled {
		return ""
	}
	return cfg.APIKey
}

func setupStorage(ctx context.Context, cfg config.OutputConfig, logger *zap.Logger) (crawler.BlobStore, error) {
	switch cfg.Upload {
	case config.UploadGCS:
		logger.Info("using GCS artifact upload", zap.String("bucket", cfg.Bucket))
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{
			Bucket:   cfg.Bucket,
			Metadata: map[string]string{"source": "listing-crawler"},
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return store, nil
	case config.UploadLocal:
		logger.Info("using local artifact archive", zap.String("path", cfg.LocalDir))
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	case config.UploadMemory:
		logger.Info("keeping artifacts in memory for this run")
		return memorystorage.NewBlobStore(), nil
	}
	logger.Debug("artifact upload disabled")
	return nil, nil
}

func setupPublisher(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (crawler.Publisher, error) {
	if cfg.PubSubTopic == "" || cfg.PubSubProject == "" {
		logger.Info("no Pub/Sub topic configured, task events stay local")
		return nil, nil
	}
	pub, err := gcppublisher.Dial(ctx, cfg.PubSubProject, cfg.PubSubTopic, logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.PubSubProject),
		zap.String("topic", cfg.PubSubTopic))
	return pub, nil
}

func setupProgress(cfg config.EventsConfig, reg prometheus.Registerer, logger *zap.Logger) (*progress.Hub, error) {
	var sinks []progress.Sink
	if reg != nil {
		promSink, err := progresssinks.NewPrometheusSink(reg)
		if err != nil {
			return nil, fmt.Errorf("register event metrics: %w", err)
		}
		sinks = append(sinks, promSink)
	}
	if cfg.LogEvents {
		sinks = append(sinks, progresssinks.NewLogSink(logger))
	}
	hubCfg := progress.Config{
		BufferSize:   cfg.BufferSize,
		MaxBatchWait: cfg.MaxBatchWait,
		Logger:       logger,
	}
	hub := progress.NewHub(hubCfg, sinks...)
	logger.Info("progress hub initialized",
		zap.Int("buffer_size", cfg.BufferSize),
		zap.Duration("max_batch_wait", cfg.MaxBatchWait),
		zap.Int("sinks", len(sinks)))
	return hub, nil
}

func setupSessions(cfg config.Config, a *app.App, logger *zap.Logger) (*session.Runner, error) {
	drivers, err := browser.NewFactory(browser.Config{
		Headless:          cfg.Browser.Headless,
		ExecPath:          cfg.Browser.ExecPath,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		Stealth:           cfg.Browser.Stealth,
		WindowWidth:       cfg.Browser.WindowWidth,
		WindowHeight:      cfg.Browser.WindowHeight,
		MaxParallel:       cfg.Scheduler.Concurrency,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("browser factory init failed: %w", err)
	}
	writer, err := output.NewWriter(cfg.Output.Dir)
	if err != nil {
		return nil, fmt.Errorf("output writer init failed: %w", err)
	}
	deps := session.Deps{
		Drivers: drivers,
		Catalog: a.Catalog(),
		Writer:  writer,
		Policy:  PolicyFactory(cfg.AntiDetect),
		Clock:   a.Clock(),
		Logger:  logger,
	}
	if cfg.Probe.Mode == config.ProbeHTTP {
		deps.Prober = probe.NewHTTP(probe.Config{
			UserAgent:         cfg.Browser.UserAgent,
			Timeout:           cfg.Probe.Timeout,
			RequestsPerSecond: cfg.Probe.RequestsPerSecond,
			Burst:             cfg.Probe.Burst,
		})
		logger.Info("using HTTP page probe", zap.Duration("timeout", cfg.Probe.Timeout))
	}
	runner, err := session.New(session.Config{
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		NavigationRetries: cfg.Browser.NavigationRetries,
		ChallengePoll:     cfg.Challenge.PollInterval,
		ChallengeMaxWait:  cfg.Challenge.MaxWait,
		CookieDomain:      cfg.Cookies.Domain,
		FilteredCookies:   cfg.Cookies.FilteredNames,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("session runner init failed: %w", err)
	}
	return runner, nil
}

// PolicyFactory returns a constructor that gives every session its own
// anti-detection policy. A non-zero seed makes pacing reproducible.
func PolicyFactory(cfg config.AntiDetectConfig) func() *antidetect.Policy {
	pc := antidetect.DefaultConfig()
	for kind, r := range cfg.Delays {
		pc.Delays[antidetect.DelayKind(kind)] = antidetect.Range{Min: r.Min, Max: r.Max}
	}
	for name, r := range cfg.StayPatterns {
		pc.StayPatterns[name] = antidetect.Range{Min: r.Min, Max: r.Max}
	}
	pc.ScrollProbability = cfg.ScrollProbability
	pc.HoverProbability = cfg.HoverProbability
	pc.ClickProbability = cfg.ClickProbability
	pc.RotateProbability = cfg.RotateProbability
	if len(cfg.UserAgents) > 0 {
		pc.UserAgents = append([]string(nil), cfg.UserAgents...)
	}
	seed := cfg.Seed
	return func() *antidetect.Policy {
		if seed != 0 {
			return antidetect.NewSeeded(pc, uint64(seed))
		}
		return antidetect.New(pc, nil)
	}
}
