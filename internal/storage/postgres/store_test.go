package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

var testNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, fixedClock{now: testNow}, nil)
	require.NoError(t, err)
	return store, mock
}

var taskCols = []string{
	"task_id", "city", "categories", "start_page", "end_page", "range_type", "page_count",
	"sort_type", "cookie_string", "cookie_name", "priority", "status", "created_at", "updated_at",
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, nil, nil)
	require.Error(t, err)
}

func TestClaimNextPendingReturnsTask(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	rows := mock.NewRows(taskCols).AddRow(
		"t1", "xian", []string{"g132"}, 1, 2, "first", 2,
		"popularity", "dper=x", "alice", 3, "queued", testNow, testNow,
	)
	mock.ExpectQuery("UPDATE task_queue SET status").
		WithArgs("queued", testNow, "pending").
		WillReturnRows(rows)

	task, ok, err := store.ClaimNextPending(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", task.ID)
	require.Equal(t, crawler.TaskStatusQueued, task.Status)
	require.Equal(t, []string{"g132"}, task.CategoryIDs)
	require.Equal(t, 3, task.Priority)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextPendingEmptyQueue(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE task_queue SET status").
		WithArgs("queued", testNow, "pending").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := store.ClaimNextPending(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueInsertsRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	task := crawler.Task{
		ID: "t1", CityCode: "xian", CategoryIDs: []string{"g132", "g110"}, StartPage: 1, EndPage: 15,
		RangeType: crawler.RangeFirst, PageCount: 15, SortType: crawler.SortReviews,
		CookieString: "dper=x", Priority: 1,
	}
	mock.ExpectExec("INSERT INTO task_queue").
		WithArgs("t1", "xian", []string{"g132", "g110"}, 1, 15, "first", 15, "reviews",
			"dper=x", "", 1, "pending", testNow, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Enqueue(context.Background(), task))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteQueuedReportsMissingRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM task_queue").
		WithArgs("gone").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	deleted, err := store.DeleteQueued(context.Background(), "gone")
	require.NoError(t, err)
	require.False(t, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHistoryBuildsSetClause(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	status := crawler.TaskStatusFailed
	msg := "task deadline exceeded"
	mock.ExpectExec(`UPDATE crawl_history SET status = \$1, error_message = \$2, updated_at = \$3 WHERE task_id = \$4`).
		WithArgs("failed", msg, testNow, "t1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateHistory(context.Background(), "t1", crawler.HistoryUpdate{Status: &status, ErrorMessage: &msg})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHistoryNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	shops := 1
	mock.ExpectExec("UPDATE crawl_history").
		WithArgs(1, testNow, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateHistory(context.Background(), "missing", crawler.HistoryUpdate{TotalShops: &shops})
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestReserveCookieUsageAccepted(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO cookie_usage").
		WithArgs("hash", "alice", testNow, crawler.Day(testNow), 2).
		WillReturnRows(mock.NewRows([]string{"daily_usage_count"}).AddRow(1))

	ok, count, err := store.ReserveCookieUsage(context.Background(), "hash", "alice", testNow, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveCookieUsageRejectedAtLimit(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO cookie_usage").
		WithArgs("hash", "", testNow, crawler.Day(testNow), 2).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT cookie_name, daily_usage_count, last_used").
		WithArgs("hash", crawler.Day(testNow)).
		WillReturnRows(mock.NewRows([]string{"cookie_name", "daily_usage_count", "last_used"}).
			AddRow("alice", 2, testNow))

	ok, count, err := store.ReserveCookieUsage(context.Background(), "hash", "", testNow, 2)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 2, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveCookieUsageZeroMaxSkipsWrite(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	ok, _, err := store.ReserveCookieUsage(context.Background(), "hash", "", testNow, 0)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseCookieUsage(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE cookie_usage SET daily_usage_count = daily_usage_count - 1").
		WithArgs("hash", crawler.Day(testNow)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.ReleaseCookieUsage(context.Background(), "hash", testNow))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckMinIntervalTooSoon(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	last := testNow.Add(-20 * time.Minute)
	mock.ExpectQuery("SELECT MAX\\(start_time\\)").
		WithArgs("hash", "completed", "running").
		WillReturnRows(mock.NewRows([]string{"max"}).AddRow(&last))

	ok, got, err := store.CheckMinInterval(context.Background(), "hash", testNow, time.Hour)
	require.NoError(t, err)
	require.False(t, ok)
	require.NotNil(t, got)
	require.True(t, got.Equal(last))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateStats(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	day := crawler.Day(testNow)
	mock.ExpectQuery("FROM crawl_history").
		WithArgs(day, day.AddDate(0, 0, 1), "completed").
		WillReturnRows(mock.NewRows([]string{"total", "today", "completed", "shops"}).
			AddRow(int64(4), int64(2), int64(3), int64(120)))
	mock.ExpectQuery("COUNT\\(DISTINCT cookie_hash\\)").
		WithArgs(day).
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(int64(2)))

	stats, err := store.AggregateStats(context.Background(), testNow)
	require.NoError(t, err)
	require.Equal(t, 4, stats.TotalTasks)
	require.Equal(t, 2, stats.TodayTasks)
	require.Equal(t, 120, stats.TotalShops)
	require.Equal(t, 2, stats.ActiveCookies)
	require.InDelta(t, 75.0, stats.SuccessRate, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupRunsInTransaction(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	before := testNow.AddDate(0, 0, -30)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM crawl_history").WithArgs(before).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("DELETE FROM cookie_usage").WithArgs(crawler.Day(before)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("DELETE FROM crawl_combinations").WithArgs(crawler.Day(before)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	removed, err := store.Cleanup(context.Background(), before)
	require.NoError(t, err)
	require.Equal(t, int64(6), removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorsNameTheOperation(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE task_queue SET status").
		WithArgs("queued", testNow, "pending").
		WillReturnError(errors.New("connection reset"))

	_, ok, err := store.ClaimNextPending(context.Background())
	require.False(t, ok)
	require.EqualError(t, err, "claim next pending: connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}
