// Package wordpress publishes drafts through the WordPress REST API using
// per-author application passwords.
package wordpress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// Waiter shapes outbound calls per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the publisher.
type Config struct {
	// PostStatus is "publish", "future", "draft" or "pending".
	PostStatus string
	Timeout    time.Duration
	UserAgent  string
}

// Publisher implements publishing.SitePublisher.
type Publisher struct {
	cfg     Config
	http    *http.Client
	limiter Waiter
	logger  *zap.Logger
}

// New builds a Publisher. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Publisher {
	if cfg.PostStatus == "" {
		cfg.PostStatus = "publish"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "autopublisher/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

type postRequest struct {
	Title      string `json:"title"`
	Content    string `json:"content"`
	Excerpt    string `json:"excerpt,omitempty"`
	Status     string `json:"status"`
	Author     int64  `json:"author,omitempty"`
	Categories []int  `json:"categories,omitempty"`
}

type postResponse struct {
	ID   int64  `json:"id"`
	Link string `json:"link"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Publish creates a post as author on profile's site and returns its id.
func (p *Publisher) Publish(
	ctx context.Context,
	profile publishing.Profile,
	author publishing.Author,
	draft publishing.Draft,
) (string, error) {
	endpoint := strings.TrimRight(profile.SiteURL, "/") + "/wp-json/wp/v2/posts"
	body, err := json.Marshal(p.buildPost(profile, author, draft))
	if err != nil {
		return "", fmt.Errorf("marshal post: %w", err)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, endpoint); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(author.Username, author.Secret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", p.cfg.UserAgent)

	res, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("publish post: %w", ctx.Err())
		}
		return "", publishing.Transient("wordpress publish", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", publishing.Transient("wordpress publish", fmt.Errorf("read body: %w", err))
	}
	if err := classify(res.StatusCode, author.Username, raw); err != nil {
		return "", err
	}

	var post postResponse
	if err := json.Unmarshal(raw, &post); err != nil {
		return "", fmt.Errorf("decode post response: %w", err)
	}
	if post.ID == 0 {
		return "", &publishing.RemoteError{StatusCode: res.StatusCode, Body: "response carried no post id"}
	}
	p.logger.Info("post created",
		zap.String("profile_id", profile.ID),
		zap.String("author", author.Username),
		zap.Int64("post_id", post.ID),
		zap.String("link", post.Link),
	)
	return strconv.FormatInt(post.ID, 10), nil
}

func (p *Publisher) buildPost(profile publishing.Profile, author publishing.Author, draft publishing.Draft) postRequest {
	post := postRequest{
		Title:   draft.Title,
		Content: draft.Body,
		Excerpt: draft.Excerpt,
		Status:  p.cfg.PostStatus,
	}
	if id, err := strconv.ParseInt(author.ExternalUserID, 10, 64); err == nil {
		post.Author = id
	}
	if id, err := strconv.Atoi(profile.CategoryID); err == nil && id > 0 {
		post.Categories = []int{id}
	}
	return post
}

const maxErrorBytes = 512

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// classify maps response codes: 401/403 reject the author, 429 and 5xx are
// retryable, any other non-2xx is a RemoteError.
func classify(status int, username string, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		msg = apiErr.Code + ": " + apiErr.Message
	}
	msg = truncate(msg, maxErrorBytes)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &publishing.AuthError{Username: username, StatusCode: status, Err: fmt.Errorf("%s", msg)}
	case status == http.StatusTooManyRequests || status >= 500:
		return publishing.Transient("wordpress publish", fmt.Errorf("status %d: %s", status, msg))
	default:
		return &publishing.RemoteError{StatusCode: status, Body: msg}
	}
}
