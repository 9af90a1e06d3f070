// Package browser drives a real Chrome instance through chromedp. Each driver
// owns a fresh browser process and profile, so cookies and storage never leak
// between tasks.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// Config controls browser launch.
type Config struct {
	Headless          bool
	ExecPath          string
	UserAgent         string
	NavigationTimeout time.Duration
	Stealth           bool
	WindowWidth       int
	WindowHeight      int
	// MaxParallel caps live browsers across the factory. Zero means no cap.
	MaxParallel int
}

// Factory launches one Chrome per driver.
type Factory struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger
}

var _ crawler.DriverFactory = (*Factory)(nil)

// NewFactory validates cfg.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Factory{cfg: cfg, limiter: limiter, logger: logger.Named("browser")}, nil
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if f.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if f.cfg.WindowWidth > 0 && f.cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(f.cfg.WindowWidth, f.cfg.WindowHeight))
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	return opts
}

// NewDriver launches a browser, opens a tab, and prepares the network and
// stealth hooks. The browser slot is held until Close.
func (f *Factory) NewDriver(ctx context.Context) (crawler.Driver, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	d := &Driver{
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		navTimeout:  f.cfg.NavigationTimeout,
		meta:        newResponseMeta(),
		release:     f.release,
		logger:      f.logger,
	}
	chromedp.ListenTarget(tabCtx, d.meta.captureEvent)

	setup := []chromedp.Action{network.Enable()}
	if f.cfg.Stealth {
		setup = append(setup, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(ctx)
			return err
		}))
	}
	if f.cfg.UserAgent != "" {
		setup = append(setup, emulation.SetUserAgentOverride(f.cfg.UserAgent))
	}
	if err := d.start(ctx, f.cfg.NavigationTimeout, setup...); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return d, nil
}

func (f *Factory) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (f *Factory) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// Driver is one browser tab. Methods are not safe for concurrent use.
type Driver struct {
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	navTimeout  time.Duration
	meta        *responseMeta
	release     func()
	logger      *zap.Logger
	closeOnce   sync.Once
	closeErr    error
}

var _ crawler.Driver = (*Driver)(nil)

// start makes the first Run on the tab. chromedp launches Chrome with the
// context of that call, so it must be tabCtx itself: a derived context would
// kill the process when it is cancelled. The caller's ctx and the startup
// timeout are watched separately and tear the tab down only while starting.
func (d *Driver) start(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		d.tabCancel()
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, d.tabCancel)
	defer stop()

	err := chromedp.Run(d.tabCtx, actions...)
	// A watcher that fired after Run returned has still cancelled the tab.
	if !stop() || ctx.Err() != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return context.Canceled
	}
	if !timer.Stop() || timedOut.Load() {
		return fmt.Errorf("browser did not start within %s: %w", timeout, context.DeadlineExceeded)
	}
	return err
}

// run executes actions on the tab, bounded by timeout and by ctx. It must
// not be the first Run on the tab; see start.
func (d *Driver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.tabCtx.Err() != nil {
		return crawler.ErrBrowserDisconnected
	}
	if timeout <= 0 {
		timeout = d.navTimeout
	}
	runCtx, cancel := context.WithTimeout(d.tabCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if d.tabCtx.Err() != nil {
		return fmt.Errorf("%w: %v", crawler.ErrBrowserDisconnected, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Navigate loads url and reports the final location and document status.
func (d *Driver) Navigate(ctx context.Context, url string, timeout time.Duration) (crawler.NavigateOutcome, error) {
	d.meta.reset()
	var finalURL string
	err := d.run(ctx, timeout,
		chromedp.Navigate(url),
		chromedp.Location(&finalURL),
	)
	if err != nil {
		return crawler.NavigateOutcome{}, fmt.Errorf("navigate %s: %w", url, err)
	}
	status, _, respURL := d.meta.snapshotWithFallbacks(url, finalURL)
	if finalURL != "" {
		respURL = finalURL
	}
	return crawler.NavigateOutcome{URL: respURL, Status: status}, nil
}

// ReadyState returns document.readyState.
func (d *Driver) ReadyState(ctx context.Context) (string, error) {
	var state string
	if err := d.run(ctx, 5*time.Second, chromedp.Evaluate(`document.readyState`, &state)); err != nil {
		return "", fmt.Errorf("read ready state: %w", err)
	}
	return state, nil
}

// RenderedContent returns the serialized DOM.
func (d *Driver) RenderedContent(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, 0, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return html, nil
}

// InjectCookies sets every cookie before the first navigation.
func (d *Driver) InjectCookies(ctx context.Context, cookies []crawler.Cookie) error {
	action := chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			params := network.SetCookie(c.Name, c.Value).WithDomain(c.Domain).WithPath(c.Path)
			if err := params.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
	if err := d.run(ctx, 0, action); err != nil {
		return fmt.Errorf("inject cookies: %w", err)
	}
	return nil
}

// RunScript evaluates src and decodes its value into result when non-nil.
func (d *Driver) RunScript(ctx context.Context, src string, result any) error {
	if err := d.run(ctx, 0, chromedp.Evaluate(src, result)); err != nil {
		return fmt.Errorf("run script: %w", err)
	}
	return nil
}

const visibleScript = `(() => {
	const els = document.querySelectorAll(%s);
	for (const el of els) {
		const r = el.getBoundingClientRect();
		const st = window.getComputedStyle(el);
		if (r.width > 0 && r.height > 0 && st.visibility !== 'hidden' && st.display !== 'none') {
			return true;
		}
	}
	return false;
})()`

// VisibleElementMatches reports whether any element matching selector is
// rendered with a non-empty box.
func (d *Driver) VisibleElementMatches(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, fmt.Errorf("encode selector: %w", err)
	}
	var visible bool
	if err := d.run(ctx, 5*time.Second, chromedp.Evaluate(fmt.Sprintf(visibleScript, quoted), &visible)); err != nil {
		return false, fmt.Errorf("check %s: %w", selector, err)
	}
	return visible, nil
}

// SetUserAgent overrides the user agent for later requests.
func (d *Driver) SetUserAgent(ctx context.Context, userAgent string) error {
	if err := d.run(ctx, 5*time.Second, emulation.SetUserAgentOverride(userAgent)); err != nil {
		return fmt.Errorf("set user-agent: %w", err)
	}
	return nil
}

// Close shuts the tab, then the browser, then the allocator. It is safe to
// call more than once.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if d.tabCtx.Err() == nil {
			if err := chromedp.Cancel(d.tabCtx); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("close browser: %w", err))
			}
		}
		d.tabCancel()
		d.allocCancel()
		if d.release != nil {
			d.release()
		}
		d.closeErr = errors.Join(errs...)
		if d.closeErr != nil {
			d.logger.Warn("browser teardown incomplete", zap.Error(d.closeErr))
		}
	})
	return d.closeErr
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status, m.headers, m.url = 0, http.Header{}, ""
	m.mu.Unlock()
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		headers.Add(key, fmt.Sprint(value))
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	headers := m.headers.Clone()
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}
