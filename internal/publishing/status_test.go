package publishing

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func entries(outcomes ...Outcome) []LogEntry {
	out := make([]LogEntry, 0, len(outcomes))
	for i, o := range outcomes {
		out = append(out, LogEntry{ItemKey: fmt.Sprintf("item-%d", i), ProfileID: "p1", Outcome: o})
	}
	return out
}

func TestFinalStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		entries   []LogEntry
		cancelled bool
		want      RunStatus
	}{
		{"all success", entries(OutcomeSuccess, OutcomeSuccess), false, RunCompleted},
		{"success and quota skip", entries(OutcomeSuccess, OutcomeSkippedQuota), false, RunCompleted},
		{"only skips", entries(OutcomeSkippedQuota, OutcomeSkippedDuplicate), false, RunCompleted},
		{"empty", nil, false, RunCompleted},
		{"mixed", entries(OutcomeSuccess, OutcomeFailure, OutcomeSkippedQuota), false, RunCompletedWithErrors},
		{"auth abort", entries(OutcomeSuccess, OutcomeFailure, OutcomeSkippedAuthError), false, RunCompletedWithErrors},
		{"all failed", entries(OutcomeFailure, OutcomeFailure), false, RunFailed},
		{"failure with skips only", entries(OutcomeFailure, OutcomeSkippedDuplicate), false, RunFailed},
		{"cancelled", entries(OutcomeSuccess, OutcomeSkippedCancelled), true, RunFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, FinalStatus(tt.entries, tt.cancelled))
		})
	}
}

func TestProgressTracksPairs(t *testing.T) {
	t.Parallel()

	p := NewProgress([]LogEntry{
		{ProfileID: "a", ItemKey: "x", Outcome: OutcomeSuccess},
		{ProfileID: "b", ItemKey: "x", Outcome: OutcomeFailure},
		{ProfileID: "a", ItemKey: "y", Outcome: OutcomeSkippedQuota},
	})

	require.True(t, p.Logged("a", "x"))
	require.True(t, p.Logged("b", "x"))
	require.False(t, p.Logged("b", "y"))
	require.Equal(t, map[string]struct{}{"x": {}}, p.Succeeded())
}

func TestDraftForProfileFiltersSections(t *testing.T) {
	t.Parallel()

	d := Draft{
		Title: "AAPL",
		Sections: []Section{
			{Name: "summary", HTML: "<p>s</p>"},
			{Name: "technicals", HTML: "<p>t</p>"},
		},
	}
	got := d.ForProfile(Profile{Sections: []string{"Summary"}})
	require.Len(t, got.Sections, 1)
	require.Equal(t, "<p>s</p>", got.Body)

	all := d.ForProfile(Profile{})
	require.Len(t, all.Sections, 2)
	require.Contains(t, all.Body, "<p>t</p>")
}

func TestDayOfUsesLocation(t *testing.T) {
	t.Parallel()

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	ts := time.Date(2025, 3, 2, 3, 0, 0, 0, time.UTC) // 22:00 on Mar 1 in New York

	require.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), DayOf(ts, ny))
	require.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), DayOf(ts, time.UTC))
	require.Equal(t, time.Date(2025, 3, 1, 5, 0, 0, 0, time.UTC), DayStart(ts, ny))
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("fetch: %w", Transient("detail", errors.New("timeout")))
	require.True(t, IsTransient(wrapped))
	require.False(t, IsTransient(&GenerationError{Reason: "blocked"}))

	stageErr := &StageError{Stage: StagePublishing, Err: &AuthError{Username: "ann", StatusCode: 401}}
	var auth *AuthError
	require.ErrorAs(t, stageErr, &auth)
	require.Equal(t, "ann", auth.Username)
}
