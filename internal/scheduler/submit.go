package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/catalog"
	"github.com/JakeFAU/listing-crawler/internal/cookie"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/progress"
)

// Submission is a crawl request as received from a caller. Either
// CookieString or CookieName must be set.
type Submission struct {
	City         string            `json:"city" validate:"required"`
	Categories   []string          `json:"categories" validate:"required,min=1,dive,required"`
	StartPage    int               `json:"start_page" validate:"omitempty,min=1"`
	EndPage      int               `json:"end_page" validate:"omitempty,min=1"`
	RangeType    crawler.RangeType `json:"range_type" validate:"omitempty,oneof=first last custom"`
	PageCount    int               `json:"page_count" validate:"omitempty,min=1"`
	SortType     crawler.SortType  `json:"sort_type" validate:"omitempty,oneof=popularity reviews"`
	CookieString string            `json:"cookie_string" validate:"required_without=CookieName"`
	CookieName   string            `json:"cookie_name"`
	Priority     int               `json:"priority" validate:"gte=0,lte=100"`
}

// ValidationError rejects a submission that can never run as given.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + e.Reason
}

// RestrictionError rejects a submission whose identity is not allowed to
// crawl right now. Result lists every failing check.
type RestrictionError struct {
	Result cookie.RestrictionResult
}

func (e *RestrictionError) Error() string {
	return "cookie restricted: " + strings.Join(e.Result.Reasons, "; ")
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// normalized is a submission after defaults and catalog resolution.
type normalized struct {
	sub        Submission
	cookie     string
	city       catalog.Entry
	categories []catalog.Entry
}

func (n normalized) categoryNames() []string {
	out := make([]string, 0, len(n.categories))
	for _, c := range n.categories {
		out = append(out, c.Name)
	}
	return out
}

func (n normalized) categoryCodes() []string {
	out := make([]string, 0, len(n.categories))
	for _, c := range n.categories {
		out = append(out, c.Code)
	}
	return out
}

// Submit validates sub, reserves one run of the identity's quota, and queues
// the task. cb, when non-nil, receives the task's status events.
func (s *Scheduler) Submit(ctx context.Context, sub Submission, cb crawler.StatusCallback) (string, error) {
	if !s.isAccepting() {
		return "", crawler.ErrQueueStopped
	}
	n, err := s.normalize(sub)
	if err != nil {
		metrics.ObserveAdmission("invalid")
		return "", err
	}
	names := n.categoryNames()

	restriction, err := s.governor.CheckRestrictions(ctx, n.cookie, n.city.Name, names)
	if err != nil {
		return "", fmt.Errorf("check restrictions: %w", err)
	}
	if !restriction.CanUse {
		metrics.ObserveAdmission("restricted")
		return "", &RestrictionError{Result: restriction}
	}
	reservation, err := s.governor.Reserve(ctx, restriction.CookieHash, n.sub.CookieName)
	if err != nil {
		return "", fmt.Errorf("reserve cookie: %w", err)
	}
	if !reservation.Accepted {
		restriction.CanUse = false
		restriction.DailyUsage = reservation.Count
		restriction.DailyLimitReached = true
		restriction.Reasons = append(restriction.Reasons,
			fmt.Sprintf("daily limit reached: %d of %d runs used today", reservation.Count, restriction.MaxDailyUsage))
		metrics.ObserveAdmission("restricted")
		return "", &RestrictionError{Result: restriction}
	}

	taskID, err := s.ids.NewID()
	if err != nil {
		s.release(ctx, restriction.CookieHash, reservation)
		return "", fmt.Errorf("generate task id: %w", err)
	}
	now := s.clock.Now()
	record := crawler.HistoryRecord{
		TaskID:     taskID,
		City:       n.city.Name,
		Categories: names,
		StartPage:  n.sub.StartPage,
		EndPage:    n.sub.EndPage,
		RangeType:  n.sub.RangeType,
		CookieHash: restriction.CookieHash,
		StartTime:  now,
		Status:     crawler.TaskStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.AppendHistory(ctx, record); err != nil {
		s.release(ctx, restriction.CookieHash, reservation)
		return "", fmt.Errorf("append history: %w", err)
	}
	task := crawler.Task{
		ID:           taskID,
		CityCode:     n.city.Code,
		CategoryIDs:  n.categoryCodes(),
		StartPage:    n.sub.StartPage,
		EndPage:      n.sub.EndPage,
		RangeType:    n.sub.RangeType,
		PageCount:    n.sub.PageCount,
		SortType:     n.sub.SortType,
		CookieString: n.cookie,
		CookieName:   n.sub.CookieName,
		Priority:     n.sub.Priority,
		Status:       crawler.TaskStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Enqueue(ctx, task); err != nil {
		failed := crawler.TaskStatusFailed
		msg := "enqueue failed: " + err.Error()
		if uerr := s.store.UpdateHistory(ctx, taskID, crawler.HistoryUpdate{Status: &failed, ErrorMessage: &msg}); uerr != nil {
			s.logger.Error("history update after enqueue failure", zap.String("task_id", taskID), zap.Error(uerr))
		}
		s.release(ctx, restriction.CookieHash, reservation)
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	if cb != nil {
		s.mu.Lock()
		s.callbacks[taskID] = cb
		s.mu.Unlock()
	}
	metrics.ObserveAdmission("accepted")
	s.logger.Info("task accepted",
		zap.String("task_id", taskID),
		zap.String("city", n.city.Name),
		zap.Strings("categories", names),
		zap.Int("start_page", n.sub.StartPage),
		zap.Int("end_page", n.sub.EndPage),
		zap.String("cookie_hash", restriction.CookieHash),
		zap.Int("daily_usage", reservation.Count),
	)
	s.deliver(crawler.StatusEvent{
		TaskID:    taskID,
		Status:    crawler.TaskStatusPending,
		Level:     crawler.LevelInfo,
		Message:   "task queued",
		Timestamp: now,
	}, progress.StageTaskAccepted, 0)
	s.signal()
	return taskID, nil
}

// release returns a reservation whose task never made it into the queue. It
// runs even when ctx is already done so the quota is not left spent.
func (s *Scheduler) release(ctx context.Context, hash string, r cookie.Reservation) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.governor.Release(relCtx, hash, r); err != nil {
		s.logger.Error("release cookie reservation", zap.String("cookie_hash", hash), zap.Error(err))
	}
}

// CheckCookie runs the format and restriction checks without reserving.
func (s *Scheduler) CheckCookie(ctx context.Context, raw, city string, categories []string) (cookie.RestrictionResult, error) {
	if err := s.governor.ValidateFormat(raw); err != nil {
		return cookie.RestrictionResult{}, &ValidationError{Reason: err.Error()}
	}
	cityEntry, err := s.catalog.ResolveCity(city)
	if err != nil {
		return cookie.RestrictionResult{}, &ValidationError{Reason: err.Error()}
	}
	names := make([]string, 0, len(categories))
	for _, c := range categories {
		entry, err := s.catalog.ResolveCategory(c)
		if err != nil {
			return cookie.RestrictionResult{}, &ValidationError{Reason: err.Error()}
		}
		names = append(names, entry.Name)
	}
	return s.governor.CheckRestrictions(ctx, raw, cityEntry.Name, names)
}

func (s *Scheduler) normalize(sub Submission) (normalized, error) {
	if err := s.validate.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return normalized{}, invalid("%s failed %q", strings.ToLower(fe.Field()), fe.Tag())
		}
		return normalized{}, invalid("%v", err)
	}
	if sub.RangeType == "" {
		sub.RangeType = crawler.RangeFirst
	}
	if sub.SortType == "" {
		sub.SortType = crawler.SortPopularity
	}
	if sub.StartPage == 0 {
		sub.StartPage = 1
	}
	if sub.EndPage == 0 {
		pages := s.cfg.DefaultPages
		if sub.PageCount > 0 {
			pages = sub.PageCount
		}
		sub.EndPage = sub.StartPage + pages - 1
	}
	if sub.EndPage < sub.StartPage {
		return normalized{}, invalid("end_page %d is before start_page %d", sub.EndPage, sub.StartPage)
	}
	if size := sub.EndPage - sub.StartPage + 1; size > s.cfg.MaxPages {
		return normalized{}, invalid("page range of %d exceeds the limit of %d", size, s.cfg.MaxPages)
	}
	if sub.RangeType == crawler.RangeLast {
		if sub.PageCount == 0 {
			sub.PageCount = sub.EndPage - sub.StartPage + 1
		}
		if sub.PageCount > s.cfg.MaxPages {
			return normalized{}, invalid("page_count %d exceeds the limit of %d", sub.PageCount, s.cfg.MaxPages)
		}
	}
	if len(sub.Categories) > s.cfg.MaxCategories {
		return normalized{}, invalid("at most %d categories per task, got %d", s.cfg.MaxCategories, len(sub.Categories))
	}

	city, err := s.catalog.ResolveCity(sub.City)
	if err != nil {
		return normalized{}, &ValidationError{Reason: err.Error()}
	}
	seen := make(map[string]struct{}, len(sub.Categories))
	categories := make([]catalog.Entry, 0, len(sub.Categories))
	for _, raw := range sub.Categories {
		entry, err := s.catalog.ResolveCategory(raw)
		if err != nil {
			return normalized{}, &ValidationError{Reason: err.Error()}
		}
		if _, dup := seen[entry.Code]; dup {
			return normalized{}, invalid("category %s listed twice", entry.Name)
		}
		seen[entry.Code] = struct{}{}
		categories = append(categories, entry)
	}

	raw := strings.TrimSpace(sub.CookieString)
	if raw == "" {
		loaded, err := s.governor.Load(sub.CookieName)
		if err != nil {
			if errors.Is(err, crawler.ErrNotFound) {
				return normalized{}, invalid("cookie %q not found", sub.CookieName)
			}
			return normalized{}, &ValidationError{Reason: err.Error()}
		}
		raw = loaded
	} else if err := s.governor.ValidateFormat(raw); err != nil {
		return normalized{}, &ValidationError{Reason: err.Error()}
	}
	return normalized{sub: sub, cookie: raw, city: city, categories: categories}, nil
}
