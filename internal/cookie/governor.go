// Package cookie decides whether a cookie identity may run another crawl. It
// validates cookie strings, fingerprints them, composes the quota, interval,
// and combination checks from the store, and keeps named cookies on disk.
package cookie

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// ErrInvalidFormat wraps every format validation failure.
var ErrInvalidFormat = errors.New("invalid cookie format")

// Config is the restriction policy. Enabled is the master switch; the
// per-check toggles only apply while it is on.
type Config struct {
	Enabled           bool
	MaxDailyUsage     int
	MinInterval       time.Duration
	DedupCombinations bool
	RequiredFields    []string
	MinPairs          int
}

// RestrictionResult is the composite answer for one identity.
type RestrictionResult struct {
	CanUse                     bool       `json:"can_use"`
	CookieHash                 string     `json:"cookie_hash"`
	DailyUsage                 int        `json:"daily_usage"`
	MaxDailyUsage              int        `json:"max_daily_usage"`
	LastCrawlTime              *time.Time `json:"last_crawl_time,omitempty"`
	MinIntervalHours           float64    `json:"min_interval_hours"`
	CrawledCombinations        []string   `json:"crawled_combinations"`
	DailyLimitReached          bool       `json:"daily_limit_reached"`
	IntervalInsufficient       bool       `json:"time_interval_insufficient"`
	CombinationsAlreadyCrawled bool       `json:"combinations_already_crawled"`
	Reasons                    []string   `json:"reasons,omitempty"`
}

// Governor gates identity consumption.
type Governor struct {
	store  crawler.Store
	hasher crawler.Hasher
	clock  crawler.Clock
	files  *FileStore
	cfg    Config
	logger *zap.Logger
}

// New wires a governor. files may be nil when named cookies are not used.
func New(store crawler.Store, hasher crawler.Hasher, clock crawler.Clock, files *FileStore, cfg Config, logger *zap.Logger) (*Governor, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		store:  store,
		hasher: hasher,
		clock:  clock,
		files:  files,
		cfg:    cfg,
		logger: logger.Named("cookie"),
	}, nil
}

// Config returns the active policy.
func (g *Governor) Config() Config {
	return g.cfg
}

// ValidateFormat rejects empty strings, strings missing a required field, and
// strings with fewer than MinPairs well-formed pairs.
func (g *Governor) ValidateFormat(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: cookie is empty", ErrInvalidFormat)
	}
	pairs := Pairs(raw)
	present := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		present[p.Name] = struct{}{}
	}
	var missing []string
	for _, field := range g.cfg.RequiredFields {
		if _, ok := present[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", ErrInvalidFormat, strings.Join(missing, ", "))
	}
	if len(pairs) < g.cfg.MinPairs {
		return fmt.Errorf("%w: %d key=value pairs, need at least %d", ErrInvalidFormat, len(pairs), g.cfg.MinPairs)
	}
	return nil
}

// Hash fingerprints a cookie string. Surrounding whitespace is ignored.
func (g *Governor) Hash(raw string) (string, error) {
	h, err := g.hasher.Hash([]byte(strings.TrimSpace(raw)))
	if err != nil {
		return "", fmt.Errorf("hash cookie: %w", err)
	}
	return h, nil
}

// CheckRestrictions runs every enabled check and reports all failures
// together.
func (g *Governor) CheckRestrictions(ctx context.Context, raw, city string, categories []string) (RestrictionResult, error) {
	hash, err := g.Hash(raw)
	if err != nil {
		return RestrictionResult{}, err
	}
	now := g.clock.Now()
	res := RestrictionResult{
		CanUse:              true,
		CookieHash:          hash,
		MaxDailyUsage:       g.cfg.MaxDailyUsage,
		MinIntervalHours:    g.cfg.MinInterval.Hours(),
		CrawledCombinations: []string{},
	}

	underQuota, count, err := g.store.CheckCookieQuota(ctx, hash, now, g.cfg.MaxDailyUsage)
	if err != nil {
		return RestrictionResult{}, fmt.Errorf("check cookie quota: %w", err)
	}
	res.DailyUsage = count

	if !g.cfg.Enabled {
		return res, nil
	}

	if !underQuota {
		res.DailyLimitReached = true
		res.Reasons = append(res.Reasons,
			fmt.Sprintf("daily limit reached: %d of %d runs used today", count, g.cfg.MaxDailyUsage))
	}

	if g.cfg.MinInterval > 0 {
		ok, last, err := g.store.CheckMinInterval(ctx, hash, now, g.cfg.MinInterval)
		if err != nil {
			return RestrictionResult{}, fmt.Errorf("check min interval: %w", err)
		}
		res.LastCrawlTime = last
		if !ok {
			res.IntervalInsufficient = true
			wait := g.cfg.MinInterval - now.Sub(*last)
			res.Reasons = append(res.Reasons,
				fmt.Sprintf("last crawl at %s, wait %s more", last.Format(time.RFC3339), wait.Round(time.Minute)))
		}
	}

	if g.cfg.DedupCombinations {
		for _, category := range categories {
			crawled, err := g.store.IsCombinationCrawled(ctx, city, category, hash, now)
			if err != nil {
				return RestrictionResult{}, fmt.Errorf("check combination: %w", err)
			}
			if crawled {
				res.CrawledCombinations = append(res.CrawledCombinations, category)
			}
		}
		if len(res.CrawledCombinations) > 0 {
			res.CombinationsAlreadyCrawled = true
			res.Reasons = append(res.Reasons,
				fmt.Sprintf("already crawled today in %s: %s", city, strings.Join(res.CrawledCombinations, ", ")))
		}
	}

	res.CanUse = len(res.Reasons) == 0
	return res, nil
}

// Reservation is one run taken from an identity's daily quota.
type Reservation struct {
	Accepted bool
	// Count is the day's usage after the reservation, or the spent total
	// when it was refused.
	Count int
	At    time.Time
}

// Reserve consumes one run of the identity's daily quota. With limits off the
// usage is still counted but never refused.
func (g *Governor) Reserve(ctx context.Context, hash, name string) (Reservation, error) {
	now := g.clock.Now()
	if !g.cfg.Enabled {
		if err := g.store.RecordCookieUsage(ctx, hash, name, now); err != nil {
			return Reservation{}, err
		}
		usage, err := g.store.GetCookieUsage(ctx, hash, now)
		if err != nil {
			return Reservation{}, err
		}
		return Reservation{Accepted: true, Count: usage.DailyUsageCount, At: now}, nil
	}
	ok, count, err := g.store.ReserveCookieUsage(ctx, hash, name, now, g.cfg.MaxDailyUsage)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve cookie usage: %w", err)
	}
	if !ok {
		g.logger.Info("cookie quota exhausted", zap.String("cookie_hash", hash), zap.Int("daily_usage", count))
	}
	return Reservation{Accepted: ok, Count: count, At: now}, nil
}

// Release hands back a run taken by Reserve for a task that was never
// queued.
func (g *Governor) Release(ctx context.Context, hash string, r Reservation) error {
	if !r.Accepted {
		return nil
	}
	if err := g.store.ReleaseCookieUsage(ctx, hash, r.At); err != nil {
		return fmt.Errorf("release cookie usage: %w", err)
	}
	return nil
}

// Save validates raw and stores it under name.
func (g *Governor) Save(name, raw string) error {
	if g.files == nil {
		return fmt.Errorf("cookie file store is not configured")
	}
	if err := g.ValidateFormat(raw); err != nil {
		return err
	}
	return g.files.Write(name, raw)
}

// Load reads and validates the cookie stored under name.
func (g *Governor) Load(name string) (string, error) {
	if g.files == nil {
		return "", fmt.Errorf("cookie file store is not configured")
	}
	raw, err := g.files.Read(name)
	if err != nil {
		return "", err
	}
	if err := g.ValidateFormat(raw); err != nil {
		return "", err
	}
	return raw, nil
}

// Delete removes the cookie stored under name.
func (g *Governor) Delete(name string) error {
	if g.files == nil {
		return fmt.Errorf("cookie file store is not configured")
	}
	return g.files.Remove(name)
}

// Identity statuses reported by List.
const (
	StatusAvailable = "available"
	StatusLimited   = "limited"
	StatusInvalid   = "invalid"
)

// Identity is one stored cookie joined with its live usage.
type Identity struct {
	Name       string     `json:"name"`
	Hash       string     `json:"hash,omitempty"`
	CanUse     bool       `json:"can_use"`
	DailyUsage int        `json:"daily_usage"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
	FileSize   int64      `json:"file_size"`
	ModifiedAt time.Time  `json:"modified_at"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
}

// List returns every stored cookie with its quota and interval status. A
// cookie that fails validation is listed as invalid rather than failing the
// whole listing.
func (g *Governor) List(ctx context.Context) ([]Identity, error) {
	if g.files == nil {
		return nil, fmt.Errorf("cookie file store is not configured")
	}
	files, err := g.files.Files()
	if err != nil {
		return nil, err
	}
	now := g.clock.Now()
	out := make([]Identity, 0, len(files))
	for _, f := range files {
		id := Identity{Name: f.Name, FileSize: f.Size, ModifiedAt: f.ModifiedAt}
		raw, err := g.Load(f.Name)
		if err != nil {
			id.Status = StatusInvalid
			id.Error = err.Error()
			out = append(out, id)
			continue
		}
		if id.Hash, err = g.Hash(raw); err != nil {
			return nil, err
		}
		usage, err := g.store.GetCookieUsage(ctx, id.Hash, now)
		if err != nil {
			return nil, fmt.Errorf("load usage for %s: %w", f.Name, err)
		}
		id.DailyUsage = usage.DailyUsageCount
		intervalOK, last, err := g.store.CheckMinInterval(ctx, id.Hash, now, g.cfg.MinInterval)
		if err != nil {
			return nil, fmt.Errorf("check interval for %s: %w", f.Name, err)
		}
		id.LastUsed = last
		quotaOK := usage.DailyUsageCount < g.cfg.MaxDailyUsage
		id.CanUse = !g.cfg.Enabled || (quotaOK && intervalOK)
		id.Status = StatusLimited
		if id.CanUse {
			id.Status = StatusAvailable
		}
		out = append(out, id)
	}
	return out, nil
}

// AvailableCookie picks the usable stored cookie with the fewest runs today.
func (g *Governor) AvailableCookie(ctx context.Context) (string, string, error) {
	ids, err := g.List(ctx)
	if err != nil {
		return "", "", err
	}
	best := -1
	for i, id := range ids {
		if !id.CanUse {
			continue
		}
		if best < 0 || id.DailyUsage < ids[best].DailyUsage {
			best = i
		}
	}
	if best < 0 {
		return "", "", fmt.Errorf("no usable cookie: %w", crawler.ErrNotFound)
	}
	raw, err := g.Load(ids[best].Name)
	if err != nil {
		return "", "", err
	}
	return ids[best].Name, raw, nil
}

// Summary counts stored cookies by status.
type Summary struct {
	Total            int     `json:"total_cookies"`
	Available        int     `json:"available_cookies"`
	Limited          int     `json:"limited_cookies"`
	Invalid          int     `json:"invalid_cookies"`
	AvailabilityRate float64 `json:"availability_rate"`
}

// Summarize aggregates List.
func (g *Governor) Summarize(ctx context.Context) (Summary, error) {
	ids, err := g.List(ctx)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Total: len(ids)}
	for _, id := range ids {
		switch id.Status {
		case StatusAvailable:
			s.Available++
		case StatusLimited:
			s.Limited++
		case StatusInvalid:
			s.Invalid++
		}
	}
	if s.Total > 0 {
		s.AvailabilityRate = float64(s.Available) / float64(s.Total) * 100
	}
	return s, nil
}
