// Package headless renders source pages that only produce their article body
// after JavaScript runs.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/autopublisher/internal/fetcher"
	"github.com/JakeFAU/autopublisher/internal/publishing"
)

const (
	defaultNavTimeout    = 45 * time.Second
	defaultSettle        = 500 * time.Millisecond
	defaultReadySelector = "article, main, body"
)

// Config controls the renderer.
type Config struct {
	// MaxParallel caps concurrent browser tabs. Zero means unlimited.
	MaxParallel int

	UserAgent         string
	NavigationTimeout time.Duration
	Headers           http.Header

	// ReadySelector is awaited before the DOM is captured.
	ReadySelector string

	// Settle is an extra pause after the selector appears so late scripts
	// can fill in the article. Negative disables it.
	Settle time.Duration
}

// Renderer implements fetcher.PageFetcher with headless Chrome.
type Renderer struct {
	cfg         Config
	slots       *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New starts a browser allocator. No browser process is launched until the
// first Fetch.
func New(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.ReadySelector == "" {
		cfg.ReadySelector = defaultReadySelector
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	} else if cfg.Settle == 0 {
		cfg.Settle = defaultSettle
	}

	r := &Renderer{cfg: cfg}
	if cfg.MaxParallel > 0 {
		r.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("enable-automation", false),
	)
	r.allocator, r.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return r, nil
}

// Close shuts the browser down.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Fetch renders rawURL and returns the final DOM. Browser failures are
// transient; the document status is classified like a plain fetch.
func (r *Renderer) Fetch(ctx context.Context, rawURL string) (fetcher.Page, error) {
	if r.slots != nil {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return fetcher.Page{}, fmt.Errorf("wait for render slot: %w", err)
		}
		defer r.slots.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(r.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, r.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tabCtx,
		r.prepare(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady(r.cfg.ReadySelector, chromedp.ByQuery),
		chromedp.Sleep(r.cfg.Settle),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return fetcher.Page{}, publishing.Transient("render "+rawURL, err)
	}

	status, headers, pageURL := doc.result(rawURL, location)
	if err := fetcher.Classify("render "+rawURL, status, nil); err != nil {
		return fetcher.Page{}, err
	}
	return fetcher.Page{
		URL:          pageURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (r *Renderer) prepare() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user agent: %w", err)
			}
		}
		if len(r.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(networkHeaders(r.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set headers: %w", err)
			}
		}
		return nil
	})
}

// documentResponse remembers the last top-level document response of a tab.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := httpHeaders(resp.Response.Headers)
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.headers = headers
	d.mu.Unlock()
}

// result falls back to the browser location, then the requested URL, and
// assumes 200 when no document response was seen.
func (d *documentResponse) result(requested, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, pageURL, headers := d.status, d.url, d.headers.Clone()
	if pageURL == "" {
		pageURL = location
	}
	if pageURL == "" {
		pageURL = requested
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, pageURL
}

func httpHeaders(src network.Headers) http.Header {
	out := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func networkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
