// Package postgres provides a Postgres-backed crawler.Store for multi-process
// deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Schema creates the tables used by Store. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS task_queue (
	id BIGSERIAL PRIMARY KEY,
	task_id TEXT UNIQUE NOT NULL,
	city TEXT NOT NULL,
	categories TEXT[] NOT NULL,
	start_page INTEGER NOT NULL DEFAULT 1,
	end_page INTEGER NOT NULL,
	range_type TEXT NOT NULL DEFAULT 'first',
	page_count INTEGER NOT NULL DEFAULT 0,
	sort_type TEXT NOT NULL DEFAULT 'popularity',
	cookie_string TEXT NOT NULL,
	cookie_name TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_queue_claim ON task_queue (status, priority DESC, created_at, id);
CREATE TABLE IF NOT EXISTS crawl_history (
	id BIGSERIAL PRIMARY KEY,
	task_id TEXT UNIQUE NOT NULL,
	city TEXT NOT NULL,
	categories TEXT[] NOT NULL,
	start_page INTEGER NOT NULL DEFAULT 1,
	end_page INTEGER NOT NULL,
	range_type TEXT NOT NULL DEFAULT 'first',
	cookie_hash TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ,
	status TEXT NOT NULL,
	total_shops INTEGER NOT NULL DEFAULT 0,
	captcha_count INTEGER NOT NULL DEFAULT 0,
	skipped_pages INTEGER NOT NULL DEFAULT 0,
	output_file TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_crawl_history_cookie ON crawl_history (cookie_hash, status, start_time);
CREATE TABLE IF NOT EXISTS cookie_usage (
	id BIGSERIAL PRIMARY KEY,
	cookie_hash TEXT NOT NULL,
	cookie_name TEXT NOT NULL DEFAULT '',
	last_used TIMESTAMPTZ NOT NULL,
	daily_usage_count INTEGER NOT NULL DEFAULT 0,
	usage_date DATE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (cookie_hash, usage_date)
);
CREATE TABLE IF NOT EXISTS crawl_combinations (
	id BIGSERIAL PRIMARY KEY,
	city TEXT NOT NULL,
	category TEXT NOT NULL,
	crawl_date DATE NOT NULL,
	cookie_hash TEXT NOT NULL,
	task_id TEXT NOT NULL,
	pages_crawled INTEGER NOT NULL DEFAULT 0,
	shops_found INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (city, category, crawl_date, cookie_hash)
);`

const taskColumns = `task_id, city, categories, start_page, end_page, range_type, page_count,
	sort_type, cookie_string, cookie_name, priority, status, created_at, updated_at`

const historyColumns = `task_id, city, categories, start_page, end_page, range_type, cookie_hash,
	start_time, end_time, status, total_shops, captcha_count, skipped_pages, output_file,
	error_message, created_at, updated_at`

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	// Migrate applies Schema after connecting.
	Migrate bool
}

type pgxIface interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool   pgxIface
	clock  crawler.Clock
	logger *zap.Logger
}

var _ crawler.Store = (*Store)(nil)

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// New connects to Postgres and optionally migrates the schema.
func New(ctx context.Context, cfg Config, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, clock, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxIface, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = utcClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, clock: clock, logger: logger.Named("postgres")}, nil
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Enqueue inserts a pending queue row.
func (s *Store) Enqueue(ctx context.Context, task crawler.Task) error {
	status := task.Status
	if status == "" {
		status = crawler.TaskStatusPending
	}
	created := task.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}
	query := `INSERT INTO task_queue (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.pool.Exec(ctx, query,
		task.ID, task.CityCode, task.CategoryIDs, task.StartPage, task.EndPage,
		string(task.RangeType), task.PageCount, string(task.SortType), task.CookieString,
		task.CookieName, task.Priority, string(status), created, created,
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// ClaimNextPending moves the best pending row to queued. SKIP LOCKED keeps
// concurrent claimers from handing out the same row.
func (s *Store) ClaimNextPending(ctx context.Context) (crawler.Task, bool, error) {
	query := `
		UPDATE task_queue SET status = $1, updated_at = $2
		WHERE id = (
			SELECT id FROM task_queue WHERE status = $3
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns
	row := s.pool.QueryRow(ctx, query,
		string(crawler.TaskStatusQueued), s.clock.Now(), string(crawler.TaskStatusPending))
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Task{}, false, nil
	}
	if err != nil {
		return crawler.Task{}, false, fmt.Errorf("claim next pending: %w", err)
	}
	return task, true, nil
}

// GetQueued loads a queue row.
func (s *Store) GetQueued(ctx context.Context, taskID string) (crawler.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM task_queue WHERE task_id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Task{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Task{}, fmt.Errorf("get queued task: %w", err)
	}
	return task, nil
}

// DeleteQueued removes a queue row.
func (s *Store) DeleteQueued(ctx context.Context, taskID string) (bool, error) {
	res, err := s.pool.Exec(ctx, `DELETE FROM task_queue WHERE task_id = $1`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete queued task: %w", err)
	}
	return res.RowsAffected() > 0, nil
}

// CountQueued counts pending and queued rows.
func (s *Store) CountQueued(ctx context.Context) (crawler.QueueCounts, error) {
	var pending, queued int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = $1), COUNT(*) FILTER (WHERE status = $2)
		FROM task_queue`,
		string(crawler.TaskStatusPending), string(crawler.TaskStatusQueued),
	).Scan(&pending, &queued)
	if err != nil {
		return crawler.QueueCounts{}, fmt.Errorf("count queued tasks: %w", err)
	}
	return crawler.QueueCounts{Pending: int(pending), Queued: int(queued)}, nil
}

// AppendHistory inserts a history row.
func (s *Store) AppendHistory(ctx context.Context, rec crawler.HistoryRecord) error {
	now := s.clock.Now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	start := rec.StartTime
	if start.IsZero() {
		start = now
	}
	query := `INSERT INTO crawl_history (` + historyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	_, err := s.pool.Exec(ctx, query,
		rec.TaskID, rec.City, rec.Categories, rec.StartPage, rec.EndPage, string(rec.RangeType),
		rec.CookieHash, start, rec.EndTime, string(rec.Status), rec.TotalShops, rec.CaptchaCount,
		rec.SkippedPages, rec.OutputFile, rec.ErrorMessage, created, now,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// UpdateHistory applies the non-nil fields of update.
func (s *Store) UpdateHistory(ctx context.Context, taskID string, update crawler.HistoryUpdate) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.StartTime != nil {
		add("start_time", *update.StartTime)
	}
	if update.EndTime != nil {
		add("end_time", *update.EndTime)
	}
	if update.TotalShops != nil {
		add("total_shops", *update.TotalShops)
	}
	if update.CaptchaCount != nil {
		add("captcha_count", *update.CaptchaCount)
	}
	if update.SkippedPages != nil {
		add("skipped_pages", *update.SkippedPages)
	}
	if update.OutputFile != nil {
		add("output_file", *update.OutputFile)
	}
	if update.ErrorMessage != nil {
		add("error_message", *update.ErrorMessage)
	}
	add("updated_at", s.clock.Now())
	args = append(args, taskID)
	query := fmt.Sprintf(`UPDATE crawl_history SET %s WHERE task_id = $%d`, strings.Join(sets, ", "), len(args))
	res, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update history: %w", err)
	}
	if res.RowsAffected() == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

// GetHistory loads one history row.
func (s *Store) GetHistory(ctx context.Context, taskID string) (crawler.HistoryRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+historyColumns+` FROM crawl_history WHERE task_id = $1`, taskID)
	rec, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.HistoryRecord{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.HistoryRecord{}, fmt.Errorf("get history: %w", err)
	}
	return rec, nil
}

// QueryHistory pages through history, newest first.
func (s *Store) QueryHistory(ctx context.Context, limit, offset int) ([]crawler.HistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `SELECT `+historyColumns+` FROM crawl_history
		ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []crawler.HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// RecordCookieUsage unconditionally bumps the day's counter.
func (s *Store) RecordCookieUsage(ctx context.Context, hash, name string, at time.Time) error {
	query := `
		INSERT INTO cookie_usage (cookie_hash, cookie_name, last_used, daily_usage_count, usage_date, created_at)
		VALUES ($1, $2, $3, 1, $4, $3)
		ON CONFLICT (cookie_hash, usage_date) DO UPDATE
		SET daily_usage_count = cookie_usage.daily_usage_count + 1,
			last_used = EXCLUDED.last_used,
			cookie_name = COALESCE(NULLIF(EXCLUDED.cookie_name, ''), cookie_usage.cookie_name)`
	if _, err := s.pool.Exec(ctx, query, hash, name, at, crawler.Day(at)); err != nil {
		return fmt.Errorf("record cookie usage: %w", err)
	}
	return nil
}

// ReserveCookieUsage bumps the counter only while it is below max. The
// conditional upsert runs under the row lock, so concurrent reservations
// cannot overshoot.
func (s *Store) ReserveCookieUsage(ctx context.Context, hash, name string, at time.Time, max int) (bool, int, error) {
	if max <= 0 {
		return false, 0, nil
	}
	query := `
		INSERT INTO cookie_usage (cookie_hash, cookie_name, last_used, daily_usage_count, usage_date, created_at)
		VALUES ($1, $2, $3, 1, $4, $3)
		ON CONFLICT (cookie_hash, usage_date) DO UPDATE
		SET daily_usage_count = cookie_usage.daily_usage_count + 1,
			last_used = EXCLUDED.last_used,
			cookie_name = COALESCE(NULLIF(EXCLUDED.cookie_name, ''), cookie_usage.cookie_name)
		WHERE cookie_usage.daily_usage_count < $5
		RETURNING daily_usage_count`
	var count int
	err := s.pool.QueryRow(ctx, query, hash, name, at, crawler.Day(at), max).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		usage, getErr := s.GetCookieUsage(ctx, hash, at)
		if getErr != nil {
			return false, 0, getErr
		}
		return false, usage.DailyUsageCount, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("reserve cookie usage: %w", err)
	}
	return true, count, nil
}

// ReleaseCookieUsage gives back one run on at's day.
func (s *Store) ReleaseCookieUsage(ctx context.Context, hash string, at time.Time) error {
	query := `
		UPDATE cookie_usage SET daily_usage_count = daily_usage_count - 1
		WHERE cookie_hash = $1 AND usage_date = $2 AND daily_usage_count > 0`
	if _, err := s.pool.Exec(ctx, query, hash, crawler.Day(at)); err != nil {
		return fmt.Errorf("release cookie usage: %w", err)
	}
	return nil
}

// CheckCookieQuota reports the day's count and whether it is below max.
func (s *Store) CheckCookieQuota(ctx context.Context, hash string, day time.Time, max int) (bool, int, error) {
	usage, err := s.GetCookieUsage(ctx, hash, day)
	if err != nil {
		return false, 0, err
	}
	return usage.DailyUsageCount < max, usage.DailyUsageCount, nil
}

// GetCookieUsage returns the day's usage row; a missing row is a zero count.
func (s *Store) GetCookieUsage(ctx context.Context, hash string, day time.Time) (crawler.CookieUsage, error) {
	usage := crawler.CookieUsage{CookieHash: hash, UsageDate: crawler.Day(day)}
	err := s.pool.QueryRow(ctx, `
		SELECT cookie_name, daily_usage_count, last_used
		FROM cookie_usage WHERE cookie_hash = $1 AND usage_date = $2`,
		hash, crawler.Day(day),
	).Scan(&usage.CookieName, &usage.DailyUsageCount, &usage.LastUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return usage, nil
	}
	if err != nil {
		return crawler.CookieUsage{}, fmt.Errorf("get cookie usage: %w", err)
	}
	return usage, nil
}

// CheckMinInterval compares now against the identity's latest completed or
// running crawl.
func (s *Store) CheckMinInterval(ctx context.Context, hash string, now time.Time, interval time.Duration) (bool, *time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(start_time) FROM crawl_history
		WHERE cookie_hash = $1 AND status IN ($2, $3)`,
		hash, string(crawler.TaskStatusCompleted), string(crawler.TaskStatusRunning),
	).Scan(&last)
	if err != nil {
		return false, nil, fmt.Errorf("check min interval: %w", err)
	}
	if last == nil {
		return true, nil, nil
	}
	return now.Sub(*last) >= interval, last, nil
}

// IsCombinationCrawled reports whether the combination was recorded on day.
func (s *Store) IsCombinationCrawled(ctx context.Context, city, category, hash string, day time.Time) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM crawl_combinations
			WHERE city = $1 AND category = $2 AND cookie_hash = $3 AND crawl_date = $4
		)`, city, category, hash, crawler.Day(day),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check combination: %w", err)
	}
	return exists, nil
}

// RecordCombination upserts the day's combination row.
func (s *Store) RecordCombination(ctx context.Context, combo crawler.Combination) error {
	query := `
		INSERT INTO crawl_combinations
			(city, category, crawl_date, cookie_hash, task_id, pages_crawled, shops_found, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (city, category, crawl_date, cookie_hash) DO UPDATE
		SET task_id = EXCLUDED.task_id,
			pages_crawled = EXCLUDED.pages_crawled,
			shops_found = EXCLUDED.shops_found`
	_, err := s.pool.Exec(ctx, query,
		combo.City, combo.Category, crawler.Day(combo.CrawlDate), combo.CookieHash,
		combo.TaskID, combo.PagesCrawled, combo.ShopsFound, s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("record combination: %w", err)
	}
	return nil
}

// AggregateStats summarizes history and the day's active identities.
func (s *Store) AggregateStats(ctx context.Context, day time.Time) (crawler.Stats, error) {
	start := crawler.Day(day)
	end := start.AddDate(0, 0, 1)
	var total, today, completed, shops, active int64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE created_at >= $1 AND created_at < $2),
			COUNT(*) FILTER (WHERE status = $3),
			COALESCE(SUM(total_shops), 0)
		FROM crawl_history`,
		start, end, string(crawler.TaskStatusCompleted),
	).Scan(&total, &today, &completed, &shops)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("aggregate history stats: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT cookie_hash) FROM cookie_usage WHERE usage_date = $1`, start,
	).Scan(&active)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("aggregate cookie stats: %w", err)
	}
	stats := crawler.Stats{
		TotalTasks:     int(total),
		TodayTasks:     int(today),
		CompletedTasks: int(completed),
		TotalShops:     int(shops),
		ActiveCookies:  int(active),
	}
	if total > 0 {
		stats.SuccessRate = float64(completed) / float64(total) * 100
	}
	return stats, nil
}

// Cleanup deletes history, usage, and combination rows older than before.
func (s *Store) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	stmts := []struct {
		query string
		arg   any
	}{
		{`DELETE FROM crawl_history WHERE created_at < $1`, before},
		{`DELETE FROM cookie_usage WHERE usage_date < $1`, crawler.Day(before)},
		{`DELETE FROM crawl_combinations WHERE crawl_date < $1`, crawler.Day(before)},
	}
	var total int64
	for _, stmt := range stmts {
		res, err := tx.Exec(ctx, stmt.query, stmt.arg)
		if err != nil {
			return 0, fmt.Errorf("clean up: %w", err)
		}
		total += res.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	s.logger.Info("retention cleanup finished", zap.Time("before", before), zap.Int64("rows", total))
	return total, nil
}

func scanTask(row pgx.Row) (crawler.Task, error) {
	var (
		task                        crawler.Task
		rangeType, sortType, status string
	)
	err := row.Scan(&task.ID, &task.CityCode, &task.CategoryIDs, &task.StartPage, &task.EndPage,
		&rangeType, &task.PageCount, &sortType, &task.CookieString, &task.CookieName,
		&task.Priority, &status, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return crawler.Task{}, err
	}
	task.RangeType = crawler.RangeType(rangeType)
	task.SortType = crawler.SortType(sortType)
	if task.Status, err = crawler.ParseTaskStatus(status); err != nil {
		return crawler.Task{}, err
	}
	return task, nil
}

func scanHistory(row pgx.Row) (crawler.HistoryRecord, error) {
	var (
		rec               crawler.HistoryRecord
		rangeType, status string
	)
	err := row.Scan(&rec.TaskID, &rec.City, &rec.Categories, &rec.StartPage, &rec.EndPage, &rangeType,
		&rec.CookieHash, &rec.StartTime, &rec.EndTime, &status, &rec.TotalShops, &rec.CaptchaCount,
		&rec.SkippedPages, &rec.OutputFile, &rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return crawler.HistoryRecord{}, err
	}
	rec.RangeType = crawler.RangeType(rangeType)
	if rec.Status, err = crawler.ParseTaskStatus(status); err != nil {
		return crawler.HistoryRecord{}, err
	}
	return rec, nil
}
