// Package probe discovers how many listing pages a category has without
// opening a browser, so last-N ranges can be resolved up front.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/extract"
)

// ErrNoPagination is returned when the page neither paginates nor lists shops.
var ErrNoPagination = errors.New("no pagination found")

// Config controls the HTTP probe.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// RequestsPerSecond caps probes per host. Zero means unlimited.
	RequestsPerSecond float64
	Burst             int
}

// HTTPProber fetches page 1 over plain HTTP and reads its pagination bar.
type HTTPProber struct {
	cfg     Config
	base    *colly.Collector
	limiter *hostLimiter
}

// NewHTTP builds a prober.
func NewHTTP(cfg Config) *HTTPProber {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &HTTPProber{cfg: cfg, base: c, limiter: newHostLimiter(cfg.RequestsPerSecond, cfg.Burst)}
}

// TotalPages fetches url with the identity cookie attached. A listing page
// with no pagination bar counts as one page.
func (p *HTTPProber) TotalPages(ctx context.Context, url, cookie string) (int, error) {
	if err := p.limiter.Wait(ctx, url); err != nil {
		return 0, err
	}
	collector := p.base.Clone()
	collector.SetRequestTimeout(p.cfg.Timeout)
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}

	var (
		body     []byte
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		if cookie != "" {
			r.Headers.Set("Cookie", cookie)
		}
		r.Headers.Set("Accept-Language", "zh-CN,zh;q=0.9")
	})
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("page probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return 0, fmt.Errorf("page probe visit failed: %w", err)
		}
		if fetchErr != nil {
			return 0, fmt.Errorf("page probe response failed: %w", fetchErr)
		}
	}
	n, err := CountPages(string(body))
	if errors.Is(err, ErrNoPagination) && looksScripted(body) {
		return 0, fmt.Errorf("%w: %s", crawler.ErrNeedsBrowser, url)
	}
	return n, err
}

// CountPages reads the page count out of rendered listing HTML.
func CountPages(html string) (int, error) {
	page, err := extract.Parse(html)
	if err != nil {
		return 0, fmt.Errorf("parse probe page: %w", err)
	}
	if n, ok := page.TotalPages(); ok {
		return n, nil
	}
	if page.HasListing() {
		return 1, nil
	}
	return 0, ErrNoPagination
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
