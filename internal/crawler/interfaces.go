package crawler

import (
	"context"
	"io"
	"time"
)

// Store is the durable relational state behind the scheduler: task queue,
// crawl history, cookie usage counters, and combination dedup records.
type Store interface {
	Enqueue(ctx context.Context, task Task) error
	// ClaimNextPending marks the highest-priority, oldest pending task as
	// queued and returns it. ok is false when nothing is pending.
	ClaimNextPending(ctx context.Context) (task Task, ok bool, err error)
	GetQueued(ctx context.Context, taskID string) (Task, error)
	DeleteQueued(ctx context.Context, taskID string) (bool, error)
	CountQueued(ctx context.Context) (QueueCounts, error)

	AppendHistory(ctx context.Context, record HistoryRecord) error
	UpdateHistory(ctx context.Context, taskID string, update HistoryUpdate) error
	GetHistory(ctx context.Context, taskID string) (HistoryRecord, error)
	QueryHistory(ctx context.Context, limit, offset int) ([]HistoryRecord, error)

	RecordCookieUsage(ctx context.Context, hash, name string, at time.Time) error
	// ReserveCookieUsage increments the counter for the day only while it is
	// below max. accepted is false when the quota is already spent.
	ReserveCookieUsage(ctx context.Context, hash, name string, at time.Time, max int) (accepted bool, count int, err error)
	// ReleaseCookieUsage undoes one reservation made on at's day. The count
	// never drops below zero.
	ReleaseCookieUsage(ctx context.Context, hash string, at time.Time) error
	CheckCookieQuota(ctx context.Context, hash string, day time.Time, max int) (allowed bool, count int, err error)
	GetCookieUsage(ctx context.Context, hash string, day time.Time) (CookieUsage, error)
	CheckMinInterval(ctx context.Context, hash string, now time.Time, interval time.Duration) (allowed bool, last *time.Time, err error)

	IsCombinationCrawled(ctx context.Context, city, category, hash string, day time.Time) (bool, error)
	RecordCombination(ctx context.Context, combo Combination) error

	AggregateStats(ctx context.Context, day time.Time) (Stats, error)
	Cleanup(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Cookie is one name/value pair injected into the browser.
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// NavigateOutcome describes where a navigation ended.
type NavigateOutcome struct {
	URL    string
	Status int
}

// Driver is the browser automation boundary used by a crawl session. Calls
// are synchronous; implementations return ErrBrowserDisconnected once the
// underlying browser is gone.
type Driver interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) (NavigateOutcome, error)
	ReadyState(ctx context.Context) (string, error)
	RenderedContent(ctx context.Context) (string, error)
	InjectCookies(ctx context.Context, cookies []Cookie) error
	RunScript(ctx context.Context, src string, result any) error
	VisibleElementMatches(ctx context.Context, selector string) (bool, error)
	SetUserAgent(ctx context.Context, userAgent string) error
	Close() error
}

// DriverFactory opens one browser session per task.
type DriverFactory interface {
	NewDriver(ctx context.Context) (Driver, error)
}

// BlobStore writes finished artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes terminal task events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes identity digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
