package crawler

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound            = errors.New("not found")
	ErrTaskRunning         = errors.New("task is running")
	ErrQueueStopped        = errors.New("task queue is not accepting work")
	ErrIdentityRejected    = errors.New("cookie identity rejected by target site")
	ErrBrowserDisconnected = errors.New("browser disconnected")
	ErrUnsupportedCity     = errors.New("unsupported city")
	ErrUnsupportedCategory = errors.New("unsupported category")
	// ErrNeedsBrowser marks a page that only yields content once rendered.
	ErrNeedsBrowser = errors.New("page needs a browser to render")
)

// TaskStatus enumerates the lifecycle states of a crawl task.
type TaskStatus string

// Supported task statuses.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ParseTaskStatus converts a persisted value into a TaskStatus.
func ParseTaskStatus(raw string) (TaskStatus, error) {
	status := TaskStatus(raw)
	if _, err := status.rank(); err != nil {
		return "", err
	}
	return status, nil
}

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	case TaskStatusPending, TaskStatusQueued, TaskStatusRunning:
		return false
	}
	return false
}

// CanTransition reports whether moving from s to next keeps the lifecycle
// monotonic. Terminal states never transition.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	from, err := s.rank()
	if err != nil {
		return false
	}
	to, err := next.rank()
	if err != nil {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	if next == TaskStatusCancelled && s == TaskStatusRunning {
		return false
	}
	return to > from
}

func (s TaskStatus) rank() (int, error) {
	switch s {
	case TaskStatusPending:
		return 0, nil
	case TaskStatusQueued:
		return 1, nil
	case TaskStatusRunning:
		return 2, nil
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return 3, nil
	}
	return 0, fmt.Errorf("unknown task status %q", string(s))
}

// RangeType selects how the page range of a task is interpreted.
type RangeType string

// Supported range types.
const (
	RangeFirst  RangeType = "first"
	RangeLast   RangeType = "last"
	RangeCustom RangeType = "custom"
)

// Valid reports whether r is a known range type.
func (r RangeType) Valid() bool {
	switch r {
	case RangeFirst, RangeLast, RangeCustom:
		return true
	}
	return false
}

// SortType selects the listing order requested from the target site.
type SortType string

// Supported sort orders.
const (
	SortPopularity SortType = "popularity"
	SortReviews    SortType = "reviews"
)

// Suffix returns the URL path suffix for the sort order.
func (s SortType) Suffix() string {
	switch s {
	case SortReviews:
		return "o11"
	case SortPopularity:
		return "o2"
	}
	return "o2"
}

// Valid reports whether s is a known sort order.
func (s SortType) Valid() bool {
	switch s {
	case SortPopularity, SortReviews:
		return true
	}
	return false
}

// Task is a queue entry. It exists only while pending, queued, or running.
type Task struct {
	ID           string
	CityCode     string
	CategoryIDs  []string
	StartPage    int
	EndPage      int
	RangeType    RangeType
	PageCount    int
	SortType     SortType
	CookieString string
	CookieName   string
	Priority     int
	Status       TaskStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HistoryRecord is the durable audit trail for a task.
type HistoryRecord struct {
	TaskID       string     `json:"task_id"`
	City         string     `json:"city"`
	Categories   []string   `json:"categories"`
	StartPage    int        `json:"start_page"`
	EndPage      int        `json:"end_page"`
	RangeType    RangeType  `json:"range_type"`
	CookieHash   string     `json:"cookie_hash"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Status       TaskStatus `json:"status"`
	TotalShops   int        `json:"total_shops"`
	CaptchaCount int        `json:"captcha_count"`
	SkippedPages int        `json:"skipped_pages"`
	OutputFile   string     `json:"output_file,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HistoryUpdate carries the fields to change on a history row. Nil fields
// are left untouched.
type HistoryUpdate struct {
	Status       *TaskStatus
	StartTime    *time.Time
	EndTime      *time.Time
	TotalShops   *int
	CaptchaCount *int
	SkippedPages *int
	OutputFile   *string
	ErrorMessage *string
}

// Empty reports whether the update carries no changes.
func (u HistoryUpdate) Empty() bool {
	return u.Status == nil && u.StartTime == nil && u.EndTime == nil &&
		u.TotalShops == nil && u.CaptchaCount == nil && u.SkippedPages == nil &&
		u.OutputFile == nil && u.ErrorMessage == nil
}

// CookieUsage is the per-identity, per-day usage counter.
type CookieUsage struct {
	CookieHash      string    `json:"cookie_hash"`
	CookieName      string    `json:"cookie_name,omitempty"`
	UsageDate       time.Time `json:"usage_date"`
	DailyUsageCount int       `json:"daily_usage_count"`
	LastUsed        time.Time `json:"last_used"`
}

// Combination records that an identity harvested a city and category on a day.
type Combination struct {
	City         string
	Category     string
	CrawlDate    time.Time
	CookieHash   string
	TaskID       string
	PagesCrawled int
	ShopsFound   int
}

// ShopRecord is one extracted listing.
type ShopRecord struct {
	City              string   `json:"city"`
	PrimaryCategory   string   `json:"primary_category"`
	SecondaryCategory string   `json:"secondary_category"`
	ShopName          string   `json:"shop_name"`
	AvgPrice          string   `json:"avg_price,omitempty"`
	ReviewCount       string   `json:"review_count,omitempty"`
	Rating            *float64 `json:"rating,omitempty"`
}

// QueueCounts summarizes queue rows by status.
type QueueCounts struct {
	Pending int
	Queued  int
}

// Stats aggregates history and usage counters.
type Stats struct {
	TotalTasks     int     `json:"total_tasks"`
	TodayTasks     int     `json:"today_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	TotalShops     int     `json:"total_shops"`
	ActiveCookies  int     `json:"active_cookies"`
	SuccessRate    float64 `json:"success_rate"`
}

// Day truncates t to midnight in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
