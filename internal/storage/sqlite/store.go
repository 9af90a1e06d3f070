// Package sqlite implements crawler.Store on an embedded SQLite database. It
// is the default single-writer backend: one connection serializes writes, so
// claiming a task is a single UPDATE ... RETURNING statement.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

const dateLayout = "2006-01-02"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS task_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT UNIQUE NOT NULL,
		city TEXT NOT NULL,
		categories TEXT NOT NULL,
		start_page INTEGER NOT NULL DEFAULT 1,
		end_page INTEGER NOT NULL,
		range_type TEXT NOT NULL DEFAULT 'first',
		page_count INTEGER NOT NULL DEFAULT 0,
		sort_type TEXT NOT NULL DEFAULT 'popularity',
		cookie_string TEXT NOT NULL,
		cookie_name TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_queue_claim ON task_queue (status, priority DESC, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS crawl_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT UNIQUE NOT NULL,
		city TEXT NOT NULL,
		categories TEXT NOT NULL,
		start_page INTEGER NOT NULL DEFAULT 1,
		end_page INTEGER NOT NULL,
		range_type TEXT NOT NULL DEFAULT 'first',
		cookie_hash TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		status TEXT NOT NULL,
		total_shops INTEGER NOT NULL DEFAULT 0,
		captcha_count INTEGER NOT NULL DEFAULT 0,
		skipped_pages INTEGER NOT NULL DEFAULT 0,
		output_file TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_crawl_history_cookie ON crawl_history (cookie_hash, status, start_time)`,
	`CREATE INDEX IF NOT EXISTS idx_crawl_history_created ON crawl_history (created_at)`,
	`CREATE TABLE IF NOT EXISTS cookie_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cookie_hash TEXT NOT NULL,
		cookie_name TEXT NOT NULL DEFAULT '',
		last_used INTEGER NOT NULL,
		daily_usage_count INTEGER NOT NULL DEFAULT 0,
		usage_date TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (cookie_hash, usage_date)
	)`,
	`CREATE TABLE IF NOT EXISTS crawl_combinations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		city TEXT NOT NULL,
		category TEXT NOT NULL,
		crawl_date TEXT NOT NULL,
		cookie_hash TEXT NOT NULL,
		task_id TEXT NOT NULL,
		pages_crawled INTEGER NOT NULL DEFAULT 0,
		shops_found INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE (city, category, crawl_date, cookie_hash)
	)`,
}

const taskColumns = `task_id, city, categories, start_page, end_page, range_type, page_count,
	sort_type, cookie_string, cookie_name, priority, status, created_at, updated_at`

const historyColumns = `task_id, city, categories, start_page, end_page, range_type, cookie_hash,
	start_time, end_time, status, total_shops, captcha_count, skipped_pages, output_file,
	error_message, created_at, updated_at`

// Store implements crawler.Store.
type Store struct {
	db     *sql.DB
	clock  crawler.Clock
	logger *zap.Logger
}

var _ crawler.Store = (*Store)(nil)

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// DSN builds a modernc DSN for path with WAL journaling and a busy timeout.
func DSN(path string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
}

// Open creates the parent directory, opens the database, and migrates it.
func Open(ctx context.Context, path string, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	store, err := NewWithDB(ctx, db, clock, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing handle. The pool is pinned to one connection so
// writers never contend for the database lock.
func NewWithDB(ctx context.Context, db *sql.DB, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if clock == nil {
		clock = utcClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, clock: clock, logger: logger.Named("sqlite")}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Enqueue inserts a pending queue row.
func (s *Store) Enqueue(ctx context.Context, task crawler.Task) error {
	categories, err := json.Marshal(task.CategoryIDs)
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	status := task.Status
	if status == "" {
		status = crawler.TaskStatusPending
	}
	created := task.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO task_queue (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.CityCode, string(categories), task.StartPage, task.EndPage,
		string(task.RangeType), task.PageCount, string(task.SortType), task.CookieString,
		task.CookieName, task.Priority, string(status), created.UnixMilli(), created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

// ClaimNextPending atomically moves the best pending row to queued.
func (s *Store) ClaimNextPending(ctx context.Context) (crawler.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE task_queue SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM task_queue WHERE status = ?
			ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1
		)
		RETURNING `+taskColumns,
		string(crawler.TaskStatusQueued), s.clock.Now().UnixMilli(), string(crawler.TaskStatusPending),
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Task{}, false, nil
	}
	if err != nil {
		return crawler.Task{}, false, fmt.Errorf("claim next pending: %w", err)
	}
	return task, true, nil
}

// GetQueued loads a queue row.
func (s *Store) GetQueued(ctx context.Context, taskID string) (crawler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_queue WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Task{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.Task{}, fmt.Errorf("get queued task %s: %w", taskID, err)
	}
	return task, nil
}

// DeleteQueued removes a queue row and reports whether one existed.
func (s *Store) DeleteQueued(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete queued task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete queued task %s: %w", taskID, err)
	}
	return n > 0, nil
}

// CountQueued counts pending and queued rows.
func (s *Store) CountQueued(ctx context.Context) (crawler.QueueCounts, error) {
	var counts crawler.QueueCounts
	err := s.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM task_queue`,
		string(crawler.TaskStatusPending), string(crawler.TaskStatusQueued),
	).Scan(&counts.Pending, &counts.Queued)
	if err != nil {
		return crawler.QueueCounts{}, fmt.Errorf("count queued tasks: %w", err)
	}
	return counts, nil
}

// AppendHistory inserts a history row.
func (s *Store) AppendHistory(ctx context.Context, rec crawler.HistoryRecord) error {
	categories, err := json.Marshal(rec.Categories)
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	now := s.clock.Now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	start := rec.StartTime
	if start.IsZero() {
		start = now
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO crawl_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.City, string(categories), rec.StartPage, rec.EndPage, string(rec.RangeType),
		rec.CookieHash, start.UnixMilli(), nullableMillis(rec.EndTime), string(rec.Status),
		rec.TotalShops, rec.CaptchaCount, rec.SkippedPages, rec.OutputFile, rec.ErrorMessage,
		created.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append history %s: %w", rec.TaskID, err)
	}
	return nil
}

// UpdateHistory applies the non-nil fields of update.
func (s *Store) UpdateHistory(ctx context.Context, taskID string, update crawler.HistoryUpdate) error {
	sets, args := historySets(update)
	sets = append(sets, "updated_at = ?")
	args = append(args, s.clock.Now().UnixMilli(), taskID)
	res, err := s.db.ExecContext(ctx,
		`UPDATE crawl_history SET `+strings.Join(sets, ", ")+` WHERE task_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update history %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update history %s: %w", taskID, err)
	}
	if n == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

func historySets(u crawler.HistoryUpdate) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.StartTime != nil {
		add("start_time", u.StartTime.UnixMilli())
	}
	if u.EndTime != nil {
		add("end_time", u.EndTime.UnixMilli())
	}
	if u.TotalShops != nil {
		add("total_shops", *u.TotalShops)
	}
	if u.CaptchaCount != nil {
		add("captcha_count", *u.CaptchaCount)
	}
	if u.SkippedPages != nil {
		add("skipped_pages", *u.SkippedPages)
	}
	if u.OutputFile != nil {
		add("output_file", *u.OutputFile)
	}
	if u.ErrorMessage != nil {
		add("error_message", *u.ErrorMessage)
	}
	return sets, args
}

// GetHistory loads one history row.
func (s *Store) GetHistory(ctx context.Context, taskID string) (crawler.HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM crawl_history WHERE task_id = ?`, taskID)
	rec, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.HistoryRecord{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.HistoryRecord{}, fmt.Errorf("get history %s: %w", taskID, err)
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
	rows, err := s.db.QueryContext(ctx, `SELECT `+historyColumns+` FROM crawl_history
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor
	var out []crawler.HistoryRecord
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
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
	_, err := s.db.ExecContext(ctx, `INSERT INTO cookie_usage
			(cookie_hash, cookie_name, last_used, daily_usage_count, usage_date, created_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (cookie_hash, usage_date) DO UPDATE SET
			daily_usage_count = cookie_usage.daily_usage_count + 1,
			last_used = excluded.last_used,
			cookie_name = CASE WHEN excluded.cookie_name = '' THEN cookie_usage.cookie_name ELSE excluded.cookie_name END`,
		hash, name, at.UnixMilli(), at.Format(dateLayout), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record cookie usage: %w", err)
	}
	return nil
}

// ReserveCookieUsage bumps the counter only while it is below max.
func (s *Store) ReserveCookieUsage(ctx context.Context, hash, name string, at time.Time, max int) (bool, int, error) {
	if max <= 0 {
		return false, 0, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx, `INSERT INTO cookie_usage
			(cookie_hash, cookie_name, last_used, daily_usage_count, usage_date, created_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (cookie_hash, usage_date) DO UPDATE SET
			daily_usage_count = cookie_usage.daily_usage_count + 1,
			last_used = excluded.last_used,
			cookie_name = CASE WHEN excluded.cookie_name = '' THEN cookie_usage.cookie_name ELSE excluded.cookie_name END
		WHERE cookie_usage.daily_usage_count < ?
		RETURNING daily_usage_count`,
		hash, name, at.UnixMilli(), at.Format(dateLayout), at.UnixMilli(), max,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err := s.db.ExecContext(ctx, `UPDATE cookie_usage
		SET daily_usage_count = daily_usage_count - 1
		WHERE cookie_hash = ? AND usage_date = ? AND daily_usage_count > 0`,
		hash, at.Format(dateLayout),
	)
	if err != nil {
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
	var lastUsed int64
	err := s.db.QueryRowContext(ctx, `SELECT cookie_name, daily_usage_count, last_used
		FROM cookie_usage WHERE cookie_hash = ? AND usage_date = ?`,
		hash, day.Format(dateLayout),
	).Scan(&usage.CookieName, &usage.DailyUsageCount, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return usage, nil
	}
	if err != nil {
		return crawler.CookieUsage{}, fmt.Errorf("get cookie usage: %w", err)
	}
	usage.LastUsed = time.UnixMilli(lastUsed).In(day.Location())
	return usage, nil
}

// CheckMinInterval compares now against the identity's latest completed or
// running crawl.
func (s *Store) CheckMinInterval(ctx context.Context, hash string, now time.Time, interval time.Duration) (bool, *time.Time, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(start_time) FROM crawl_history
		WHERE cookie_hash = ? AND status IN (?, ?)`,
		hash, string(crawler.TaskStatusCompleted), string(crawler.TaskStatusRunning),
	).Scan(&last)
	if err != nil {
		return false, nil, fmt.Errorf("check min interval: %w", err)
	}
	if !last.Valid {
		return true, nil, nil
	}
	lastTime := time.UnixMilli(last.Int64).In(now.Location())
	return now.Sub(lastTime) >= interval, &lastTime, nil
}

// IsCombinationCrawled reports whether the combination was recorded on day.
func (s *Store) IsCombinationCrawled(ctx context.Context, city, category, hash string, day time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crawl_combinations
		WHERE city = ? AND category = ? AND cookie_hash = ? AND crawl_date = ?`,
		city, category, hash, day.Format(dateLayout),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check combination: %w", err)
	}
	return n > 0, nil
}

// RecordCombination upserts the day's combination row.
func (s *Store) RecordCombination(ctx context.Context, combo crawler.Combination) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO crawl_combinations
			(city, category, crawl_date, cookie_hash, task_id, pages_crawled, shops_found, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (city, category, crawl_date, cookie_hash) DO UPDATE SET
			task_id = excluded.task_id,
			pages_crawled = excluded.pages_crawled,
			shops_found = excluded.shops_found`,
		combo.City, combo.Category, combo.CrawlDate.Format(dateLayout), combo.CookieHash,
		combo.TaskID, combo.PagesCrawled, combo.ShopsFound, s.clock.Now().UnixMilli(),
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
	var stats crawler.Stats
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN created_at >= ? AND created_at < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_shops), 0)
		FROM crawl_history`,
		start.UnixMilli(), end.UnixMilli(), string(crawler.TaskStatusCompleted),
	).Scan(&stats.TotalTasks, &stats.TodayTasks, &stats.CompletedTasks, &stats.TotalShops)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("aggregate history stats: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT cookie_hash) FROM cookie_usage WHERE usage_date = ?`,
		start.Format(dateLayout),
	).Scan(&stats.ActiveCookies)
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("aggregate cookie stats: %w", err)
	}
	if stats.TotalTasks > 0 {
		stats.SuccessRate = float64(stats.CompletedTasks) / float64(stats.TotalTasks) * 100
	}
	return stats, nil
}

// Cleanup deletes history, usage, and combination rows older than before.
func (s *Store) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cleanup: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit
	stmts := []struct {
		query string
		arg   any
	}{
		{`DELETE FROM crawl_history WHERE created_at < ?`, before.UnixMilli()},
		{`DELETE FROM cookie_usage WHERE usage_date < ?`, before.Format(dateLayout)},
		{`DELETE FROM crawl_combinations WHERE crawl_date < ?`, before.Format(dateLayout)},
	}
	var total int64
	for _, stmt := range stmts {
		res, err := tx.ExecContext(ctx, stmt.query, stmt.arg)
		if err != nil {
			return 0, fmt.Errorf("cleanup: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("cleanup: %w", err)
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	s.logger.Info("retention cleanup finished", zap.Time("before", before), zap.Int64("rows", total))
	return total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (crawler.Task, error) {
	var (
		task                      crawler.Task
		categories, rangeType     string
		sortType, status          string
		createdMillis, updatedMil int64
	)
	err := row.Scan(&task.ID, &task.CityCode, &categories, &task.StartPage, &task.EndPage,
		&rangeType, &task.PageCount, &sortType, &task.CookieString, &task.CookieName,
		&task.Priority, &status, &createdMillis, &updatedMil)
	if err != nil {
		return crawler.Task{}, err
	}
	if err := json.Unmarshal([]byte(categories), &task.CategoryIDs); err != nil {
		return crawler.Task{}, fmt.Errorf("decode categories: %w", err)
	}
	task.RangeType = crawler.RangeType(rangeType)
	task.SortType = crawler.SortType(sortType)
	if task.Status, err = crawler.ParseTaskStatus(status); err != nil {
		return crawler.Task{}, err
	}
	task.CreatedAt = time.UnixMilli(createdMillis).UTC()
	task.UpdatedAt = time.UnixMilli(updatedMil).UTC()
	return task, nil
}

func scanHistory(row scanner) (crawler.HistoryRecord, error) {
	var (
		rec                      crawler.HistoryRecord
		categories, rangeType    string
		status                   string
		startMillis              int64
		endMillis                sql.NullInt64
		createdMillis, updatedMs int64
	)
	err := row.Scan(&rec.TaskID, &rec.City, &categories, &rec.StartPage, &rec.EndPage, &rangeType,
		&rec.CookieHash, &startMillis, &endMillis, &status, &rec.TotalShops, &rec.CaptchaCount,
		&rec.SkippedPages, &rec.OutputFile, &rec.ErrorMessage, &createdMillis, &updatedMs)
	if err != nil {
		return crawler.HistoryRecord{}, err
	}
	if err := json.Unmarshal([]byte(categories), &rec.Categories); err != nil {
		return crawler.HistoryRecord{}, fmt.Errorf("decode categories: %w", err)
	}
	rec.RangeType = crawler.RangeType(rangeType)
	if rec.Status, err = crawler.ParseTaskStatus(status); err != nil {
		return crawler.HistoryRecord{}, err
	}
	rec.StartTime = time.UnixMilli(startMillis).UTC()
	if endMillis.Valid {
		end := time.UnixMilli(endMillis.Int64).UTC()
		rec.EndTime = &end
	}
	rec.CreatedAt = time.UnixMilli(createdMillis).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return rec, nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
