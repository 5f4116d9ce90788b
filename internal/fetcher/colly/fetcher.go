// Package collyfetcher implements fetcher.PageFetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/autopublisher/internal/fetcher"
	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// ErrBlockedByRobots marks references a site's robots.txt disallows. It is
// wrapped together with publishing.ErrNotFound so the item fails without
// retries.
var ErrBlockedByRobots = errors.New("blocked by robots.txt")

const defaultMaxBody = 5 << 20

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	Headers       http.Header
	RespectRobots bool
	// MaxBodyBytes truncates larger source pages. Zero means 5 MiB.
	MaxBodyBytes int
}

// Fetcher downloads source pages for item references.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Every Fetch clones the base collector so revisits
// and concurrent fetches never share callback state.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, base: c}
}

// visit collects what the callbacks observed during one request.
type visit struct {
	page   fetcher.Page
	status int
	err    error
}

// Fetch executes a single GET. 404, 410 and robots.txt denials map to
// publishing.ErrNotFound; timeouts, 429 and 5xx are transient.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (fetcher.Page, error) {
	v := &visit{}
	collector := f.collector(ctx, time.Now(), v)

	done := make(chan error, 1)
	go func() { done <- collector.Visit(rawURL) }()

	select {
	case <-ctx.Done():
		return fetcher.Page{}, fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
	case err := <-done:
		if v.err != nil {
			err = v.err
		}
		switch {
		case err == nil:
			return v.page, nil
		case ctx.Err() != nil:
			return fetcher.Page{}, fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
		case errors.Is(err, colly.ErrRobotsTxtBlocked):
			return fetcher.Page{}, fmt.Errorf("fetch %s: %w: %w", rawURL, ErrBlockedByRobots, publishing.ErrNotFound)
		case errors.Is(err, errNotHTML):
			return fetcher.Page{}, fmt.Errorf("fetch %s: %w", rawURL, err)
		default:
			return fetcher.Page{}, fetcher.Classify("fetch "+rawURL, v.status, err)
		}
	}
}

func (f *Fetcher) collector(ctx context.Context, start time.Time, v *visit) *colly.Collector {
	c := f.base.Clone()
	c.Context = ctx
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	c.MaxBodySize = f.cfg.MaxBodyBytes
	c.SetRequestTimeout(f.cfg.Timeout)
	f.hook(c, start, v)
	return c
}

var errNotHTML = errors.New("source is not an html document")

func (f *Fetcher) hook(hooks collectorHooks, start time.Time, v *visit) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
		for key, values := range f.cfg.Headers {
			for _, val := range values {
				r.Headers.Add(key, val)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		v.status = r.StatusCode
		if !isHTML(r.Headers.Get("Content-Type")) {
			v.err = fmt.Errorf("%w: %s", errNotHTML, r.Headers.Get("Content-Type"))
			return
		}
		v.page = fetcher.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			v.status = r.StatusCode
		}
		v.err = err
	})
}

// isHTML accepts HTML and XHTML, and a missing content type.
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml" || strings.HasPrefix(mediaType, "text/plain")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
