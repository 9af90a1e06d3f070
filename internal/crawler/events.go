package crawler

import "time"

// SessionState names the step a crawl session is executing.
type SessionState string

// Crawl session states.
const (
	StateInit               SessionState = "INIT"
	StateCookieInject       SessionState = "COOKIE_INJECT"
	StatePageProbe          SessionState = "PAGE_PROBE"
	StateNavigate           SessionState = "NAVIGATE"
	StateChallengeCheck     SessionState = "CHALLENGE_CHECK"
	StateChallengeWait      SessionState = "CHALLENGE_WAIT"
	StateExtract            SessionState = "EXTRACT"
	StatePersistIncremental SessionState = "PERSIST_INCREMENTAL"
	StateInterPageDelay     SessionState = "INTER_PAGE_DELAY"
	StateCategoryDone       SessionState = "CATEGORY_DONE"
	StateInterCategoryDelay SessionState = "INTER_CATEGORY_DELAY"
	StateComplete           SessionState = "COMPLETE"
	StateFailed             SessionState = "FAILED"
)

// EventStats carries counters attached to a status event.
type EventStats struct {
	Category     string `json:"category,omitempty"`
	Page         int    `json:"page,omitempty"`
	CaptchaCount int    `json:"captcha_count"`
	SkippedPages int    `json:"skipped_pages"`
	ShopsFound   int    `json:"shops_found"`
	// PageOutcome is set on the one event that closes a page.
	PageOutcome string `json:"page_outcome,omitempty"`
}

// Page outcomes.
const (
	PageDone    = "done"
	PageSkipped = "skipped"
)

// StatusEvent is one entry of the per-task status stream. Delivery is best
// effort; Status(task_id) stays the source of truth.
type StatusEvent struct {
	TaskID    string       `json:"task_id"`
	Status    TaskStatus   `json:"status"`
	State     SessionState `json:"state,omitempty"`
	Level     string       `json:"level,omitempty"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
	Stats     EventStats   `json:"stats"`
}

// Event levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// StatusCallback receives status events for one task.
type StatusCallback func(StatusEvent)
