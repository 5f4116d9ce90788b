package wordpress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

var (
	author = publishing.Author{Username: "ann", ExternalUserID: "7", Secret: "app-pass"}
	draft  = publishing.Draft{Title: "Apple tops estimates", Body: "<p>s</p>", Excerpt: "Services lead."}
)

func TestPublishCreatesPost(t *testing.T) {
	t.Parallel()

	var got postRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/blog/wp-json/wp/v2/posts", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "ann", user)
		require.Equal(t, "app-pass", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 4242, "link": "https://blog/aapl"}`))
	}))
	t.Cleanup(srv.Close)

	profile := publishing.Profile{ID: "p1", SiteURL: srv.URL + "/blog/", CategoryID: "12"}
	id, err := New(Config{PostStatus: "draft"}, nil, nil).Publish(context.Background(), profile, author, draft)
	require.NoError(t, err)
	require.Equal(t, "4242", id)
	require.Equal(t, postRequest{
		Title:      draft.Title,
		Content:    draft.Body,
		Excerpt:    draft.Excerpt,
		Status:     "draft",
		Author:     7,
		Categories: []int{12},
	}, got)
}

func TestPublishClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			var auth *publishing.AuthError
			require.ErrorAs(t, err, &auth)
			require.Equal(t, "ann", auth.Username)
			require.Contains(t, auth.Error(), "rest_cannot_create")
		}},
		{"forbidden", http.StatusForbidden, func(t *testing.T, err error) {
			var auth *publishing.AuthError
			require.ErrorAs(t, err, &auth)
		}},
		{"throttled", http.StatusTooManyRequests, func(t *testing.T, err error) {
			require.True(t, publishing.IsTransient(err))
		}},
		{"server error", http.StatusBadGateway, func(t *testing.T, err error) {
			require.True(t, publishing.IsTransient(err))
		}},
		{"bad request", http.StatusBadRequest, func(t *testing.T, err error) {
			var remote *publishing.RemoteError
			require.ErrorAs(t, err, &remote)
			require.Equal(t, http.StatusBadRequest, remote.StatusCode)
			require.False(t, publishing.IsTransient(err))
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code": "rest_cannot_create", "message": "Sorry, you are not allowed"}`))
			}))
			t.Cleanup(srv.Close)

			_, err := New(Config{}, nil, nil).Publish(context.Background(), publishing.Profile{SiteURL: srv.URL}, author, draft)
			tt.check(t, err)
		})
	}
}

func TestClassifyTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	// 511 ASCII bytes put the 3-byte rune across the 512 byte cut.
	body := strings.Repeat("x", 511) + strings.Repeat("€", 10)
	err := classify(http.StatusBadRequest, "ann", []byte(body))

	var remote *publishing.RemoteError
	require.ErrorAs(t, err, &remote)
	require.True(t, utf8.ValidString(remote.Body))
	require.Equal(t, strings.Repeat("x", 511), remote.Body)

	require.Equal(t, "héllo", truncate("héllo", 6))
	require.Equal(t, "h", truncate("héllo", 2))
	require.Equal(t, "", truncate("€", 2))
}

func TestPublishRejectsMissingID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	_, err := New(Config{}, nil, nil).Publish(context.Background(), publishing.Profile{SiteURL: srv.URL}, author, draft)
	var remote *publishing.RemoteError
	require.ErrorAs(t, err, &remote)
}

func TestPublishUnreachableIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(Config{}, nil, nil).Publish(context.Background(), publishing.Profile{SiteURL: url}, author, draft)
	require.True(t, publishing.IsTransient(err))
}
