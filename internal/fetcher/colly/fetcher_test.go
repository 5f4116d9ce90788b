package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

func TestCollectorSettings(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "autopub-test", RespectRobots: true})
	require.Equal(t, 15*time.Second, f.cfg.Timeout)
	c := f.collector(context.Background(), time.Unix(0, 0), &visit{})
	require.Equal(t, "autopub-test", c.UserAgent)
	require.False(t, c.IgnoreRobotsTxt)
	require.Equal(t, defaultMaxBody, c.MaxBodySize)

	c = New(Config{MaxBodyBytes: 10}).collector(context.Background(), time.Unix(0, 0), &visit{})
	require.True(t, c.IgnoreRobotsTxt)
	require.Equal(t, 10, c.MaxBodySize)
}

func TestHooksCaptureVisit(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: http.Header{"X-Trace": {"yes"}}})
	v := &visit{}
	hooks := &stubHooks{}
	f.hook(hooks, time.Unix(0, 0), v)

	req := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(req)
	require.Equal(t, "yes", req.Headers.Get("X-Trace"))
	require.Contains(t, req.Headers.Get("Accept"), "text/html")

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("<p>body</p>"),
		Headers:    &http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://news.example.com/a")},
	})
	require.NoError(t, v.err)
	require.Equal(t, "https://news.example.com/a", v.page.URL)
	require.Equal(t, "<p>body</p>", string(v.page.Body))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Headers:    &http.Header{"Content-Type": {"application/pdf"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://news.example.com/a.pdf")},
	})
	require.ErrorIs(t, v.err, errNotHTML)

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	require.EqualError(t, v.err, "boom")
	require.Equal(t, http.StatusBadGateway, v.status)
}

func TestIsHTML(t *testing.T) {
	t.Parallel()

	for ct, want := range map[string]bool{
		"":                         true,
		"text/html":                true,
		"TEXT/HTML; charset=utf-8": true,
		"application/xhtml+xml":    true,
		"text/plain":               true,
		"application/json":         false,
		"image/png":                false,
		"not a ; valid = = type;;": false,
	} {
		require.Equal(t, want, isHTML(ct), ct)
	}
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
		case "/ok", "/private":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><body>" + r.Header.Get("X-Token") + "</body></html>"))
		case "/data.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		case "/missing":
			http.NotFound(w, r)
		default:
			http.Error(w, "down", http.StatusServiceUnavailable)
		}
	}))
	t.Cleanup(srv.Close)

	ctx := context.Background()
	f := New(Config{Timeout: 2 * time.Second, Headers: http.Header{"X-Token": {"t0k"}}})

	page, err := f.Fetch(ctx, srv.URL+"/ok")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Contains(t, string(page.Body), "t0k")
	require.False(t, page.UsedHeadless)

	// Retries revisit the same URL.
	_, err = f.Fetch(ctx, srv.URL+"/ok")
	require.NoError(t, err)

	_, err = f.Fetch(ctx, srv.URL+"/private")
	require.NoError(t, err, "robots.txt is ignored unless enabled")

	_, err = f.Fetch(ctx, srv.URL+"/missing")
	require.ErrorIs(t, err, publishing.ErrNotFound)

	_, err = f.Fetch(ctx, srv.URL+"/flaky")
	require.True(t, publishing.IsTransient(err), "got %v", err)

	_, err = f.Fetch(ctx, srv.URL+"/data.json")
	require.ErrorIs(t, err, errNotHTML)
	require.False(t, publishing.IsTransient(err))

	polite := New(Config{Timeout: 2 * time.Second, RespectRobots: true})
	_, err = polite.Fetch(ctx, srv.URL+"/private")
	require.ErrorIs(t, err, ErrBlockedByRobots)
	require.ErrorIs(t, err, publishing.ErrNotFound)
	_, err = polite.Fetch(ctx, srv.URL+"/ok")
	require.NoError(t, err)
}

func TestFetchHonoursCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{Timeout: time.Second}).Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.Canceled)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
