package headless

import (
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1})
	require.Error(t, err)

	r, err := New(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer r.Close()
	require.NotNil(t, r.slots)
	require.Equal(t, defaultNavTimeout, r.cfg.NavigationTimeout)
	require.Equal(t, defaultReadySelector, r.cfg.ReadySelector)
	require.Equal(t, defaultSettle, r.cfg.Settle)

	r2, err := New(Config{NavigationTimeout: time.Second, ReadySelector: "#story", Settle: -1})
	require.NoError(t, err)
	defer r2.Close()
	require.Nil(t, r2.slots)
	require.Equal(t, time.Second, r2.cfg.NavigationTimeout)
	require.Equal(t, "#story", r2.cfg.ReadySelector)
	require.Zero(t, r2.cfg.Settle)
}

func TestDocumentResponseKeepsTopLevelDocument(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 203, URL: "https://news.example.com/story", Headers: network.Headers{"X-Cache": "HIT"}},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://cdn.example.com/app.js"},
	})
	doc.observe("unrelated event")

	status, headers, url := doc.result("https://req", "https://final")
	require.Equal(t, 203, status)
	require.Equal(t, "HIT", headers.Get("X-Cache"))
	require.Equal(t, "https://news.example.com/story", url)
}

func TestDocumentResponseFallbacks(t *testing.T) {
	t.Parallel()

	status, headers, url := (&documentResponse{}).result("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, headers)
	require.Equal(t, "https://final", url)

	_, _, url = (&documentResponse{}).result("https://req", "")
	require.Equal(t, "https://req", url)
}

func TestHeaderConversion(t *testing.T) {
	t.Parallel()

	out := networkHeaders(http.Header{"Accept": {"text/html"}, "X-Multi": {"a", "b"}, "X-Empty": {}})
	require.Equal(t, "text/html", out["Accept"])
	require.Equal(t, []string{"a", "b"}, out["X-Multi"])
	require.NotContains(t, out, "X-Empty")

	back := httpHeaders(network.Headers{"X-Multi": []any{"a", "b"}, "X-Num": 3})
	require.Equal(t, []string{"a", "b"}, back.Values("X-Multi"))
	require.Equal(t, "3", back.Get("X-Num"))
}
