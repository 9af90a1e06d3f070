// Package session runs one crawl task against a single browser: cookie
// injection, per-category page walks with challenge handling, paced
// delays, and incremental CSV persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/antidetect"
	"github.com/JakeFAU/listing-crawler/internal/catalog"
	"github.com/JakeFAU/listing-crawler/internal/cookie"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/extract"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/output"
	"github.com/JakeFAU/listing-crawler/internal/probe"
)

// ErrNoPages is reported when every page of the task was skipped.
var ErrNoPages = errors.New("no listing page could be crawled")

const (
	defaultNavRetries    = 3
	defaultNavTimeout    = 30 * time.Second
	defaultChallengePoll = 10 * time.Second
	defaultChallengeMax  = 300 * time.Second
	defaultSegment       = 3 * time.Second
)

// Config tunes one session.
type Config struct {
	NavigationTimeout time.Duration
	NavigationRetries int
	ChallengePoll     time.Duration
	ChallengeMaxWait  time.Duration
	CookieDomain      string
	FilteredCookies   []string
	// LivenessSegment splits long sleeps so a dead browser is noticed early.
	LivenessSegment time.Duration
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = defaultNavTimeout
	}
	if c.NavigationRetries <= 0 {
		c.NavigationRetries = defaultNavRetries
	}
	if c.ChallengePoll <= 0 {
		c.ChallengePoll = defaultChallengePoll
	}
	if c.ChallengeMaxWait <= 0 {
		c.ChallengeMaxWait = defaultChallengeMax
	}
	if c.LivenessSegment <= 0 {
		c.LivenessSegment = defaultSegment
	}
	if c.CookieDomain == "" {
		c.CookieDomain = ".dianping.com"
	}
	return c
}

// PageProber reports how many listing pages a category has.
type PageProber interface {
	TotalPages(ctx context.Context, url, cookie string) (int, error)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper sleeps on a real timer.
type TimerSleeper struct{}

// Sleep waits for d, returning early with ctx's error.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Drivers crawler.DriverFactory
	Catalog *catalog.Catalog
	Writer  *output.Writer
	// Prober handles last-N probing over HTTP. Nil probes through the browser.
	Prober  PageProber
	Policy  func() *antidetect.Policy
	Sleeper Sleeper
	Clock   crawler.Clock
	Logger  *zap.Logger
}

// Request is one decoded task.
type Request struct {
	TaskID     string
	City       catalog.Entry
	Categories []catalog.Entry
	StartPage  int
	EndPage    int
	RangeType  crawler.RangeType
	PageCount  int
	Sort       crawler.SortType
	Cookie     string
}

// CategoryResult summarizes one category walk.
type CategoryResult struct {
	Category     string `json:"category"`
	StartPage    int    `json:"start_page"`
	EndPage      int    `json:"end_page"`
	PagesCrawled int    `json:"pages_crawled"`
	SkippedPages int    `json:"skipped_pages"`
	Shops        int    `json:"shops"`
	File         string `json:"file,omitempty"`
	Abandoned    bool   `json:"abandoned,omitempty"`
}

// Result is the session outcome. Err is set whenever Success is false.
type Result struct {
	Success      bool
	Records      []crawler.ShopRecord
	SavedFiles   []string
	OutputFile   string
	CaptchaCount int
	SkippedPages int
	Categories   []CategoryResult
	Notes        []string
	Err          error
}

// Runner executes sessions. It holds no per-task state and may run several
// sessions at once.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps.
func New(cfg Config, deps Deps) (*Runner, error) {
	if deps.Drivers == nil {
		return nil, fmt.Errorf("driver factory is required")
	}
	if deps.Writer == nil {
		return nil, fmt.Errorf("output writer is required")
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.Default()
	}
	if deps.Policy == nil {
		deps.Policy = func() *antidetect.Policy {
			return antidetect.New(antidetect.DefaultConfig(), nil)
		}
	}
	if deps.Sleeper == nil {
		deps.Sleeper = TimerSleeper{}
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg.withDefaults(), deps: deps, logger: logger.Named("session")}, nil
}

// Run executes req to completion and reports progress through cb. The driver
// is always closed before Run returns.
func (r *Runner) Run(ctx context.Context, req Request, cb crawler.StatusCallback) Result {
	s := &session{
		runner:  r,
		req:     req,
		cb:      cb,
		policy:  r.deps.Policy(),
		started: r.deps.Clock.Now(),
		logger:  r.logger.With(zap.String("task_id", req.TaskID), zap.String("city", req.City.Name)),
	}
	res := s.run(ctx)
	if res.Success {
		s.emit(crawler.StateComplete, crawler.LevelInfo, fmt.Sprintf("crawl finished with %d shops", len(res.Records)))
	} else {
		s.emit(crawler.StateFailed, crawler.LevelError, res.Err.Error())
	}
	return res
}

type pageOutcome int

const (
	pageDone pageOutcome = iota
	pageSkipped
)

type session struct {
	runner  *Runner
	req     Request
	cb      crawler.StatusCallback
	policy  *antidetect.Policy
	driver  crawler.Driver
	started time.Time
	logger  *zap.Logger

	category   string
	page       int
	captchas   int
	skipped    int
	pagesOK    int
	shopsFound int
	notes      []string
}

func (s *session) run(ctx context.Context) (res Result) {
	s.emit(crawler.StateInit, crawler.LevelInfo, "starting browser")
	driver, err := s.runner.deps.Drivers.NewDriver(ctx)
	if err != nil {
		return s.finish(res, fmt.Errorf("start browser: %w", err))
	}
	s.driver = driver
	metrics.IncBrowserSessions()
	defer func() {
		metrics.DecBrowserSessions()
		if cerr := driver.Close(); cerr != nil {
			s.logger.Warn("browser close failed", zap.Error(cerr))
		}
	}()

	s.emit(crawler.StateCookieInject, crawler.LevelInfo, "injecting identity cookies")
	cookies := cookie.ToBrowserCookies(s.req.Cookie, s.runner.cfg.CookieDomain, s.runner.cfg.FilteredCookies)
	if err := driver.InjectCookies(ctx, cookies); err != nil {
		return s.finish(res, fmt.Errorf("inject cookies: %w", err))
	}
	if err := s.sleepAlive(ctx, s.policy.Delay(antidetect.DelayInitial)); err != nil {
		return s.finish(res, err)
	}

	var fatal error
	for i, cat := range s.req.Categories {
		s.category = cat.Name
		summary, records, err := s.crawlCategory(ctx, cat)
		res.Records = append(res.Records, records...)

		if len(records) > 0 {
			s.emit(crawler.StatePersistIncremental, crawler.LevelInfo, fmt.Sprintf("saving %d shops for %s", len(records), cat.Name))
			path, werr := s.runner.deps.Writer.Append(output.PartialName(s.req.City.Name, cat.Name, s.started), records)
			if werr != nil {
				s.logger.Error("partial save failed", zap.String("category", cat.Name), zap.Error(werr))
				if err == nil {
					err = fmt.Errorf("save %s: %w", cat.Name, werr)
				}
			} else {
				summary.File = path
				res.SavedFiles = append(res.SavedFiles, path)
			}
		}
		res.Categories = append(res.Categories, summary)
		s.emit(crawler.StateCategoryDone, crawler.LevelInfo,
			fmt.Sprintf("%s done: %d pages, %d shops", cat.Name, summary.PagesCrawled, summary.Shops))

		if err != nil {
			fatal = err
			break
		}
		if i < len(s.req.Categories)-1 {
			s.emit(crawler.StateInterCategoryDelay, crawler.LevelInfo, "pausing before next category")
			if err := s.sleepAlive(ctx, s.policy.Delay(antidetect.DelayInterCategory)); err != nil {
				fatal = err
				break
			}
		}
	}

	if fatal == nil && len(s.req.Categories) > 1 && len(res.Records) > 0 {
		names := make([]string, 0, len(s.req.Categories))
		for _, cat := range s.req.Categories {
			names = append(names, cat.Name)
		}
		path, err := s.runner.deps.Writer.WriteFile(output.FinalName(s.req.City.Name, names, s.started), res.Records)
		if err != nil {
			fatal = fmt.Errorf("write merged output: %w", err)
		} else {
			res.SavedFiles = append(res.SavedFiles, path)
			res.OutputFile = path
		}
	}
	if res.OutputFile == "" && len(res.SavedFiles) > 0 {
		res.OutputFile = res.SavedFiles[len(res.SavedFiles)-1]
	}
	if fatal == nil && s.pagesOK == 0 {
		fatal = ErrNoPages
	}
	return s.finish(res, fatal)
}

func (s *session) finish(res Result, err error) Result {
	res.CaptchaCount = s.captchas
	res.SkippedPages = s.skipped
	res.Notes = append(res.Notes, s.notes...)
	res.Err = err
	res.Success = err == nil
	return res
}

func (s *session) crawlCategory(ctx context.Context, cat catalog.Entry) (CategoryResult, []crawler.ShopRecord, error) {
	summary := CategoryResult{Category: cat.Name}
	start, end, err := s.pageRange(ctx, cat)
	if err != nil {
		return summary, nil, err
	}
	summary.StartPage, summary.EndPage = start, end

	var records []crawler.ShopRecord
	threshold := EmptyPageThreshold(end - start + 1)
	empty := 0
	for page := start; page <= end; page++ {
		s.page = page
		url := s.runner.deps.Catalog.ListingURL(s.req.City.Code, cat.Code, s.req.Sort, page)
		shops, outcome, err := s.crawlPage(ctx, url)
		if err != nil {
			return summary, records, err
		}
		switch outcome {
		case pageSkipped:
			s.skipped++
			summary.SkippedPages++
			s.emitPage(crawler.PageSkipped, crawler.LevelWarning, fmt.Sprintf("page %d skipped", page))
		case pageDone:
			s.pagesOK++
			summary.PagesCrawled++
			if len(shops) == 0 {
				empty++
			} else {
				empty = 0
				records = append(records, shops...)
				summary.Shops += len(shops)
				s.shopsFound += len(shops)
			}
			s.emitPage(crawler.PageDone, crawler.LevelInfo, fmt.Sprintf("page %d: %d shops", page, len(shops)))
		}
		if empty >= threshold {
			summary.Abandoned = true
			s.emit(crawler.StateCategoryDone, crawler.LevelWarning,
				fmt.Sprintf("%d consecutive empty pages, leaving %s early", empty, cat.Name))
			break
		}
		if page < end {
			delay, pace := s.policy.InterPageDelay(page, s.captchas)
			s.emit(crawler.StateInterPageDelay, crawler.LevelInfo, fmt.Sprintf("waiting %s (%s)", delay.Round(time.Second), pace))
			if err := s.sleepAlive(ctx, delay); err != nil {
				return summary, records, err
			}
		}
	}
	return summary, records, nil
}

// EmptyPageThreshold is the number of consecutive empty pages after which a
// category is abandoned: the whole range when it spans five pages or fewer,
// otherwise half of it but never fewer than three.
func EmptyPageThreshold(rangeSize int) int {
	if rangeSize <= 5 {
		return max(rangeSize, 1)
	}
	return max(3, rangeSize/2)
}

func (s *session) pageRange(ctx context.Context, cat catalog.Entry) (int, int, error) {
	if s.req.RangeType != crawler.RangeLast {
		return s.req.StartPage, s.req.EndPage, nil
	}
	n := s.req.PageCount
	if n <= 0 {
		n = s.req.EndPage - s.req.StartPage + 1
	}
	s.emit(crawler.StatePageProbe, crawler.LevelInfo, fmt.Sprintf("probing page count for %s", cat.Name))
	total, err := s.probeTotal(ctx, cat)
	if err != nil {
		if isFatal(ctx, err) {
			return 0, 0, err
		}
		note := fmt.Sprintf("%s: page count probe failed (%v), crawled pages 1-%d instead", cat.Name, err, n)
		s.notes = append(s.notes, note)
		s.emit(crawler.StatePageProbe, crawler.LevelWarning, note)
		return 1, n, nil
	}
	return max(1, total-n+1), total, nil
}

func (s *session) probeTotal(ctx context.Context, cat catalog.Entry) (int, error) {
	url := s.runner.deps.Catalog.ListingURL(s.req.City.Code, cat.Code, s.req.Sort, 1)
	if s.runner.deps.Prober != nil {
		total, err := s.runner.deps.Prober.TotalPages(ctx, url, s.req.Cookie)
		metrics.ObserveProbe("http", err)
		if !errors.Is(err, crawler.ErrNeedsBrowser) {
			return total, err
		}
		s.logger.Debug("http probe got a script shell, probing in browser", zap.String("url", url))
	}
	total, err := s.probeInBrowser(ctx, url)
	metrics.ObserveProbe("browser", err)
	return total, err
}

func (s *session) probeInBrowser(ctx context.Context, url string) (int, error) {
	if err := s.navigate(ctx, url); err != nil {
		return 0, err
	}
	html, err := s.driver.RenderedContent(ctx)
	if err != nil {
		return 0, err
	}
	return probe.CountPages(html)
}

// crawlPage handles one listing page. A non-nil error ends the task.
func (s *session) crawlPage(ctx context.Context, url string) ([]crawler.ShopRecord, pageOutcome, error) {
	s.emit(crawler.StateNavigate, crawler.LevelInfo, fmt.Sprintf("loading page %d", s.page))
	if err := s.navigate(ctx, url); err != nil {
		if isFatal(ctx, err) {
			return nil, pageSkipped, err
		}
		s.emit(crawler.StateNavigate, crawler.LevelWarning, fmt.Sprintf("page %d failed to load: %v", s.page, err))
		return nil, pageSkipped, nil
	}
	if err := s.sleepAlive(ctx, s.policy.Delay(antidetect.DelayInterRequest)); err != nil {
		return nil, pageSkipped, err
	}

	s.emit(crawler.StateChallengeCheck, crawler.LevelInfo, fmt.Sprintf("checking page %d for challenges", s.page))
	present, err := s.challengePresent(ctx)
	if err != nil {
		return nil, pageSkipped, err
	}
	if present {
		s.captchas++
		s.emit(crawler.StateChallengeWait, crawler.LevelWarning, fmt.Sprintf("challenge on page %d, waiting for it to clear", s.page))
		cleared, err := s.waitChallenge(ctx)
		if err != nil {
			return nil, pageSkipped, err
		}
		if !cleared {
			s.logger.Warn("challenge did not clear", zap.Int("page", s.page), zap.Duration("waited", s.runner.cfg.ChallengeMaxWait))
			return nil, pageSkipped, nil
		}
		cooldown := s.policy.Delay(antidetect.DelayChallengeWait)
		s.emit(crawler.StateChallengeWait, crawler.LevelInfo,
			fmt.Sprintf("challenge on page %d cleared, resuming in %s", s.page, cooldown.Round(time.Second)))
		if err := s.sleepAlive(ctx, cooldown); err != nil {
			return nil, pageSkipped, err
		}
		if err := s.navigate(ctx, url); err != nil {
			if isFatal(ctx, err) {
				return nil, pageSkipped, err
			}
			return nil, pageSkipped, nil
		}
	}

	if s.policy.ShouldRotateIdentity() {
		if ua := s.policy.UserAgent(); ua != "" {
			if err := s.driver.SetUserAgent(ctx, ua); err != nil {
				if isFatal(ctx, err) {
					return nil, pageSkipped, err
				}
				s.logger.Debug("user agent rotation failed", zap.Error(err))
			}
		}
	}
	if err := s.browse(ctx); err != nil {
		return nil, pageSkipped, err
	}

	html, err := s.driver.RenderedContent(ctx)
	if err != nil {
		if isFatal(ctx, err) {
			return nil, pageSkipped, err
		}
		s.logger.Warn("read page failed", zap.Int("page", s.page), zap.Error(err))
		return nil, pageSkipped, nil
	}
	page, err := extract.Parse(html)
	if err != nil {
		s.logger.Warn("parse page failed", zap.Int("page", s.page), zap.Error(err))
		return nil, pageSkipped, nil
	}
	return page.Shops(s.req.City.Name, s.category), pageDone, nil
}

// navigate loads url, retrying transient failures. A redirect to the login
// page burns the identity and is returned as ErrIdentityRejected.
func (s *session) navigate(ctx context.Context, url string) error {
	cfg := s.runner.cfg
	var lastErr error
	for attempt := 1; attempt <= cfg.NavigationRetries; attempt++ {
		outcome, err := s.driver.Navigate(ctx, url, cfg.NavigationTimeout)
		if err == nil {
			if strings.Contains(strings.ToLower(outcome.URL), "login") {
				metrics.ObserveNavigation("rejected")
				return fmt.Errorf("%w: redirected to %s", crawler.ErrIdentityRejected, outcome.URL)
			}
			if err = s.sleepAlive(ctx, s.policy.Delay(antidetect.DelaySettle)); err != nil {
				return err
			}
			var state string
			state, err = s.driver.ReadyState(ctx)
			if err == nil && state == "complete" {
				metrics.ObserveNavigation("ok")
				return nil
			}
			if err == nil {
				metrics.ObserveNavigation("not_ready")
				err = fmt.Errorf("document not ready: %s", state)
			}
		} else {
			metrics.ObserveNavigation("error")
		}
		if isFatal(ctx, err) {
			return err
		}
		lastErr = err
		s.logger.Warn("navigation attempt failed",
			zap.Int("attempt", attempt), zap.Int("page", s.page), zap.Error(err))
		if attempt < cfg.NavigationRetries {
			if err := s.sleepAlive(ctx, s.policy.Delay(antidetect.DelayErrorBackoff)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("navigate after %d attempts: %w", cfg.NavigationRetries, lastErr)
}

func (s *session) waitChallenge(ctx context.Context) (bool, error) {
	cfg := s.runner.cfg
	waited := time.Duration(0)
	for waited < cfg.ChallengeMaxWait {
		if err := s.runner.deps.Sleeper.Sleep(ctx, cfg.ChallengePoll); err != nil {
			return false, err
		}
		waited += cfg.ChallengePoll
		present, err := s.challengePresent(ctx)
		if err != nil {
			return false, err
		}
		if !present {
			metrics.ObserveChallengeWait(true, waited)
			return true, nil
		}
	}
	metrics.ObserveChallengeWait(false, waited)
	return false, nil
}

// challengePresent looks for visible challenge widgets first, then for
// challenge signatures in the title and body.
func (s *session) challengePresent(ctx context.Context) (bool, error) {
	for _, sel := range ChallengeSelectors {
		visible, err := s.driver.VisibleElementMatches(ctx, sel)
		if err != nil {
			if isFatal(ctx, err) {
				return false, err
			}
			continue
		}
		if visible {
			return true, nil
		}
	}
	html, err := s.driver.RenderedContent(ctx)
	if err != nil {
		if isFatal(ctx, err) {
			return false, err
		}
		return false, nil
	}
	return IsChallengePage(html), nil
}

func (s *session) emit(state crawler.SessionState, level, msg string) {
	s.send(s.event(state, level, msg))
}

func (s *session) emitPage(outcome, level, msg string) {
	ev := s.event(crawler.StateExtract, level, msg)
	ev.Stats.PageOutcome = outcome
	s.send(ev)
}

func (s *session) send(ev crawler.StatusEvent) {
	if ev.Level == crawler.LevelError {
		s.logger.Error(ev.Message, zap.String("state", string(ev.State)))
	} else {
		s.logger.Debug(ev.Message, zap.String("state", string(ev.State)))
	}
	if s.cb != nil {
		s.cb(ev)
	}
}

func (s *session) event(state crawler.SessionState, level, msg string) crawler.StatusEvent {
	return crawler.StatusEvent{
		TaskID:    s.req.TaskID,
		Status:    crawler.TaskStatusRunning,
		State:     state,
		Level:     level,
		Message:   msg,
		Timestamp: s.runner.deps.Clock.Now(),
		Stats: crawler.EventStats{
			Category:     s.category,
			Page:         s.page,
			CaptchaCount: s.captchas,
			SkippedPages: s.skipped,
			ShopsFound:   s.shopsFound,
		},
	}
}

// sleepAlive sleeps d in segments and checks the browser between them.
func (s *session) sleepAlive(ctx context.Context, d time.Duration) error {
	segment := s.runner.cfg.LivenessSegment
	for d > 0 {
		step := min(d, segment)
		if err := s.runner.deps.Sleeper.Sleep(ctx, step); err != nil {
			return err
		}
		d -= step
		if d > 0 && s.driver != nil {
			if _, err := s.driver.ReadyState(ctx); err != nil && errors.Is(err, crawler.ErrBrowserDisconnected) {
				return err
			}
		}
	}
	return ctx.Err()
}

func isFatal(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return ctx.Err() != nil ||
		errors.Is(err, crawler.ErrIdentityRejected) ||
		errors.Is(err, crawler.ErrBrowserDisconnected)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
