// Package app initializes and holds the long-lived services shared by every
// command: the persistence store, the cookie governor, the catalog, and the
// quota clock.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/catalog"
	"github.com/JakeFAU/listing-crawler/internal/clock/system"
	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/cookie"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/hash/sha256"
	"github.com/JakeFAU/listing-crawler/internal/storage/postgres"
	"github.com/JakeFAU/listing-crawler/internal/storage/sqlite"
)

// App holds the shared services. It is built once per process and closed by
// the command that built it.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    crawler.Clock
	store    crawler.Store
	governor *cookie.Governor
	catalog  *catalog.Catalog
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the clock whose midnight rolls over quota days.
func (a *App) Clock() crawler.Clock { return a.clock }

// Store returns the persistence store.
func (a *App) Store() crawler.Store { return a.store }

// Governor returns the cookie governor.
func (a *App) Governor() *cookie.Governor { return a.governor }

// Catalog returns the city and category tables.
func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// StoreOpener opens the persistence store for cfg.
type StoreOpener func(ctx context.Context, cfg config.StoreConfig, clock crawler.Clock, logger *zap.Logger) (crawler.Store, error)

// New builds the shared services from cfg. It fails fast when the store or
// the cookie directory cannot be opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	return NewWithStore(ctx, cfg, logger, OpenStore)
}

// NewWithStore is New with a custom store opener.
func NewWithStore(ctx context.Context, cfg config.Config, logger *zap.Logger, open StoreOpener) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if open == nil {
		return nil, errors.New("store opener is required")
	}
	clock, err := system.NewNamed(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load scheduler timezone %q: %w", cfg.Scheduler.Timezone, err)
	}
	cat, err := buildCatalog(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	store, err := open(ctx, cfg.Store, clock, logger)
	if err != nil {
		return nil, err
	}
	files, err := cookie.NewFileStore(cfg.Cookies.Dir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open cookie store: %w", err)
	}
	governor, err := cookie.New(store, sha256.New(), clock, files, cookie.Config{
		Enabled:           cfg.Limits.Enabled,
		MaxDailyUsage:     cfg.Limits.MaxDailyUsage,
		MinInterval:       cfg.Limits.MinInterval,
		DedupCombinations: cfg.Limits.DedupCombinations,
		RequiredFields:    cfg.Cookies.RequiredFields,
		MinPairs:          cfg.Cookies.MinPairs,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build cookie governor: %w", err)
	}
	logger.Info("application services initialized",
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("cookie_dir", cfg.Cookies.Dir),
		zap.String("timezone", cfg.Scheduler.Timezone),
		zap.Bool("limits_enabled", cfg.Limits.Enabled))
	return &App{
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		store:    store,
		governor: governor,
		catalog:  cat,
	}, nil
}

// OpenStore opens the configured backend. SQLite migrates on open; Postgres
// migrates after connecting.
func OpenStore(ctx context.Context, cfg config.StoreConfig, clock crawler.Clock, logger *zap.Logger) (crawler.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		store, err := sqlite.Open(ctx, cfg.DSN, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case config.StorePostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DSN,
			MaxConns: int32(max(cfg.MaxOpenConns, 0)),
			Migrate:  true,
		}, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func buildCatalog(cfg config.CatalogConfig) (*catalog.Catalog, error) {
	cat, err := catalog.New(cfg.BaseURL, cfg.Cities, cfg.Categories)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}
	return cat, nil
}

// Close releases the store and flushes the logger.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", zap.Error(err))
	}
	// Sync fails on stderr-backed loggers; nothing useful can be done with it.
	_ = a.logger.Sync()
}
