// Package collyfetcher fetches announcement detail pages with gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// Throttle delays a request to rawURL's host. *ratelimit.Limiter satisfies it.
type Throttle interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// Throttle is optional.
	Throttle Throttle
}

// Fetcher implements ingest.DetailFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnHTML(string, colly.HTMLCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// publishedSelectors are the generic metadata tags that carry a publication time.
var publishedSelectors = []string{
	`meta[property="article:published_time"]`,
	`meta[name="PubDate"]`,
	`meta[name="pubdate"]`,
}

// publishedLayouts are tried in order when parsing publication metadata.
var publishedLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	ingest.DateLayout,
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// FetchDetail downloads item's detail page and extracts its title, visible
// text, final URL, and publication time when the page declares one.
func (f *Fetcher) FetchDetail(ctx context.Context, item ingest.ListItem) (ingest.Detail, error) {
	if item.DetailURL == "" {
		return ingest.Detail{}, fmt.Errorf("fetch detail: empty url")
	}
	if f.cfg.Throttle != nil {
		if err := f.cfg.Throttle.Wait(ctx, item.DetailURL); err != nil {
			return ingest.Detail{}, fmt.Errorf("fetch detail: %w", err)
		}
	}
	var (
		result   ingest.Detail
		fetchErr error
	)
	collector := f.buildCollector(&result, &fetchErr)
	if err := f.runCollector(ctx, collector, item.DetailURL, &fetchErr); err != nil {
		return ingest.Detail{}, err
	}
	if result.Title == "" {
		result.Title = item.Title
	}
	return result, nil
}

func (f *Fetcher) buildCollector(result *ingest.Detail, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	// Clones share the visited store; retries fetch the same URL again.
	collector.AllowURLRevisit = true
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	f.configureCollectorHooks(collector, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *ingest.Detail, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		result.OriginURL = r.Request.URL.String()
	})

	hooks.OnHTML("title", func(e *colly.HTMLElement) {
		if result.Title == "" {
			result.Title = collapse(e.Text)
		}
	})

	hooks.OnHTML("body", func(e *colly.HTMLElement) {
		e.DOM.Find("script, style, noscript").Remove()
		result.Content = collapse(e.DOM.Text())
	})

	for _, sel := range publishedSelectors {
		hooks.OnHTML(sel, func(e *colly.HTMLElement) {
			if result.PublishedAt != nil {
				return
			}
			if ts, ok := parsePublished(e.Attr("content")); ok {
				result.PublishedAt = &ts
			}
		})
	}

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func parsePublished(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range publishedLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
