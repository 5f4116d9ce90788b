package gcs

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type recorder struct {
	mu     sync.Mutex
	paths  []string
	names  []string
	bodies []string
	status int
}

func (r *recorder) client() *http.Client {
	return &http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.paths = append(r.paths, req.URL.Path)
		r.names = append(r.names, req.URL.Query().Get("name"))
		if req.Body != nil {
			b, _ := io.ReadAll(req.Body)
			r.bodies = append(r.bodies, string(b))
		}
		status := r.status
		if status == 0 {
			status = http.StatusOK
		}
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(strings.NewReader(`{"name": "obj", "bucket": "drafts"}`)),
			Header:     http.Header{"Content-Type": {"application/json"}},
			Request:    req,
		}, nil
	})}
}

func TestOpenChecksBucketAndUploads(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	store, err := Open(context.Background(), Config{Bucket: "drafts", Prefix: "/archive/"},
		option.WithoutAuthentication(), option.WithHTTPClient(rec.client()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.Contains(t, rec.paths[0], "/storage/v1/b/drafts")

	uri, err := store.PutObject(context.Background(), "run-1/p1/abc.json", "application/json", bytes.NewReader([]byte(`{"title":"t"}`)))
	require.NoError(t, err)
	require.Equal(t, "gs://drafts/archive/run-1/p1/abc.json", uri)
	require.Equal(t, "archive/run-1/p1/abc.json", rec.names[len(rec.names)-1])
	require.Contains(t, rec.bodies[len(rec.bodies)-1], `{"title":"t"}`)
}

func TestOpenFailsOnMissingBucket(t *testing.T) {
	t.Parallel()

	rec := &recorder{status: http.StatusNotFound}
	_, err := Open(context.Background(), Config{Bucket: "missing"},
		option.WithoutAuthentication(), option.WithHTTPClient(rec.client()))
	require.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	store, err := Open(context.Background(), Config{Bucket: "drafts"},
		option.WithoutAuthentication(), option.WithHTTPClient(rec.client()))
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
}
