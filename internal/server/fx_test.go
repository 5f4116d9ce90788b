package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/autopublisher/internal/auth"
	"github.com/JakeFAU/autopublisher/internal/config"
)

func articlePage(title string) string {
	para := strings.Repeat("Quarterly revenue grew while margins held steady across every segment. ", 12)
	return fmt.Sprintf(`<html><head><title>%s</title></head><body>
<article><h1>%s</h1><p>%s</p><p>%s</p><p>%s</p></article></body></html>`, title, title, para, para, para)
}

func call(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set(auth.OwnerHeader, "owner-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// TestBuildDryRunEndToEnd wires the in-memory stack and drives a dry run
// through the HTTP API, the worker pool and the fetch/generate/link stages.
func TestBuildDryRunEndToEnd(t *testing.T) {
	t.Parallel()

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(articlePage("Results for " + strings.TrimPrefix(r.URL.Path, "/q/"))))
	}))
	defer source.Close()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Fetch.URLTemplate = source.URL + "/q/{ref}"
	cfg.Fetch.RPS = 0
	cfg.Fetch.RespectRobots = false
	cfg.Runs.Workers = 1

	app, err := build(context.Background(), &cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.dispatch.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
		require.NoError(t, app.Close(context.Background()))
	}()

	rec := call(t, app.handler, http.MethodPost, "/v1/profiles", `{
		"site_url": "https://blog.example.com",
		"authors": [{"username": "ana", "external_user_id": "7", "credential_secret": "pw"}],
		"min_gap_minutes": 1,
		"max_gap_minutes": 1
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = call(t, app.handler, http.MethodPost, "/v1/runs", fmt.Sprintf(
		`{"content_type":"earnings","items":[{"key":"AAPL"}],"profile_ids":[%q],"options":{"dry_run":true}}`, created.ID))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted struct {
		RunID string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	var run struct {
		Status  string `json:"status"`
		Entries []struct {
			Outcome string `json:"outcome"`
			DryRun  bool   `json:"dry_run"`
		} `json:"entries"`
	}
	require.Eventually(t, func() bool {
		rec := call(t, app.handler, http.MethodGet, "/v1/runs/"+accepted.RunID, "")
		if rec.Code != http.StatusOK || json.Unmarshal(rec.Body.Bytes(), &run) != nil {
			return false
		}
		return run.Status == "completed"
	}, 10*time.Second, 20*time.Millisecond)

	require.Len(t, run.Entries, 1)
	require.Equal(t, "success", run.Entries[0].Outcome)
	require.True(t, run.Entries[0].DryRun)
}

func TestBuildRejectsUnreachableDatabase(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "postgres"
	cfg.DB.DSN = "postgres://user:pw@127.0.0.1:1/none?connect_timeout=1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = build(ctx, &cfg, zap.NewNop(), prometheus.NewRegistry())
	require.ErrorContains(t, err, "postgres init failed")
}
