// Package fetcher resolves item references into source content. A plain HTTP
// fetch is tried first and promoted to a headless browser when the page looks
// like it needs JavaScript to render.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/metrics"
	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// Page is a raw HTTP or browser response.
type Page struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// PageFetcher retrieves a single URL.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Promoter decides whether a page must be re-fetched headless.
type Promoter interface {
	ShouldPromote(page Page) bool
}

// Waiter shapes outbound requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls how references become URLs.
type Config struct {
	// URLTemplate builds a URL for references that are not absolute URLs.
	// "{ref}" is replaced with the escaped reference.
	URLTemplate string
}

// Detail implements publishing.DetailFetcher.
type Detail struct {
	cfg      Config
	primary  PageFetcher
	headless PageFetcher
	promoter Promoter
	limiter  Waiter
	clock    publishing.Clock
	logger   *zap.Logger
}

// Option customises a Detail fetcher.
type Option func(*Detail)

// WithHeadless enables promotion to a headless fetcher.
func WithHeadless(f PageFetcher, p Promoter) Option {
	return func(d *Detail) {
		d.headless = f
		d.promoter = p
	}
}

// WithLimiter rate limits requests per host.
func WithLimiter(w Waiter) Option {
	return func(d *Detail) { d.limiter = w }
}

// NewDetail builds a Detail fetcher around the primary page fetcher.
func NewDetail(cfg Config, primary PageFetcher, clock publishing.Clock, logger *zap.Logger, opts ...Option) *Detail {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detail{cfg: cfg, primary: primary, clock: clock, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch resolves reference, downloads it and extracts the main article.
func (d *Detail) Fetch(ctx context.Context, reference string) (publishing.DetailedContent, error) {
	target, err := d.resolve(reference)
	if err != nil {
		return publishing.DetailedContent{}, err
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, target); err != nil {
			return publishing.DetailedContent{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	page, err := d.primary.Fetch(ctx, target)
	if err != nil {
		return publishing.DetailedContent{}, err
	}
	if d.headless != nil && d.promoter != nil && d.promoter.ShouldPromote(page) {
		metrics.ObserveHeadlessPromotion()
		d.logger.Debug("promoting to headless", zap.String("url", target))
		rendered, err := d.headless.Fetch(ctx, target)
		if err != nil {
			d.logger.Warn("headless fetch failed, using plain response", zap.String("url", target), zap.Error(err))
		} else {
			page = rendered
		}
	}
	metrics.ObserveFetch(metrics.SanitizeSite(page.URL), statusClass(page.StatusCode), len(page.Body))

	return d.extract(reference, page)
}

func (d *Detail) resolve(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", fmt.Errorf("empty reference: %w", publishing.ErrNotFound)
	}
	if u, err := url.Parse(ref); err == nil && u.IsAbs() && u.Host != "" {
		return ref, nil
	}
	if d.cfg.URLTemplate == "" {
		return "", fmt.Errorf("reference %q is not a URL and no url template is configured: %w", ref, publishing.ErrNotFound)
	}
	return strings.ReplaceAll(d.cfg.URLTemplate, "{ref}", url.PathEscape(ref)), nil
}

func (d *Detail) extract(reference string, page Page) (publishing.DetailedContent, error) {
	pageURL, err := url.Parse(page.URL)
	if err != nil {
		return publishing.DetailedContent{}, fmt.Errorf("parse page url: %w", err)
	}
	article, err := readability.FromReader(bytes.NewReader(page.Body), pageURL)
	if err != nil {
		return publishing.DetailedContent{}, fmt.Errorf("extract article from %s: %w", page.URL, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return publishing.DetailedContent{}, errors.New("extracted article is empty")
	}
	fields := map[string]string{}
	if article.Byline != "" {
		fields["byline"] = article.Byline
	}
	if article.SiteName != "" {
		fields["site_name"] = article.SiteName
	}
	if article.Excerpt != "" {
		fields["excerpt"] = article.Excerpt
	}
	if page.UsedHeadless {
		fields["rendered"] = "headless"
	}
	return publishing.DetailedContent{
		Reference: reference,
		URL:       page.URL,
		Title:     strings.TrimSpace(article.Title),
		Text:      text,
		HTML:      article.Content,
		Fields:    fields,
		FetchedAt: d.clock.Now(),
	}, nil
}

// Classify maps an HTTP status to the error taxonomy. It returns nil for 2xx.
func Classify(op string, status int, err error) error {
	if err == nil {
		err = fmt.Errorf("unexpected status %d", status)
	}
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%s: status %d: %w", op, status, publishing.ErrNotFound)
	case status == 0, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return publishing.Transient(op, err)
	default:
		return fmt.Errorf("%s: status %d: %w", op, status, err)
	}
}

func statusClass(code int) string {
	if code <= 0 {
		return "error"
	}
	return fmt.Sprintf("%dxx", code/100)
}
