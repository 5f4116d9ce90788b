package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/runs/{run_id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})
	r.Post("/v1/runs/{run_id}/cancel", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.WriteHeader(http.StatusAccepted)
	})

	for _, id := range []string{"run-1", "run-2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/runs/"+id, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/runs/run-1/cancel", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere/run-3", nil))

	require.InDelta(t, 2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/runs/{run_id}", "200")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/v1/runs/{run_id}/cancel", "409")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", unmatchedRoute, "404")), 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestStatusWriterUnwrap(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	require.Equal(t, http.StatusOK, sw.code())
	require.Same(t, rec, sw.Unwrap())
}
