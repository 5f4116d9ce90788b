package runstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autopublisher/internal/progress"
	"github.com/JakeFAU/autopublisher/internal/publishing"
	"github.com/JakeFAU/autopublisher/internal/storage/memory"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *captureEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *captureEmitter) kinds() []progress.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Kind, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Kind)
	}
	return out
}

func request() publishing.RunRequest {
	return publishing.RunRequest{
		ID:          "run-1",
		OwnerID:     "owner",
		ContentType: "equity",
		Items:       []publishing.Item{{Key: "AAPL"}, {Key: "MSFT"}},
		ProfileIDs:  []string{"p1"},
		CreatedAt:   time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func newStore() (*Store, *captureEmitter) {
	em := &captureEmitter{}
	clk := &stepClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	return New(memory.NewRunStore(), clk, em, nil), em
}

func TestLifecycleEmitsAfterCommit(t *testing.T) {
	t.Parallel()

	s, em := newStore()
	ctx := context.Background()

	state, err := s.Create(ctx, request())
	require.NoError(t, err)
	require.Equal(t, publishing.RunPending, state.Status)
	require.NoError(t, s.Begin(ctx, "run-1"))

	last := time.Date(2025, 6, 1, 9, 5, 0, 0, time.UTC)
	_, err = s.RecordItem(ctx, "run-1", publishing.LogEntry{
		ItemKey: "AAPL", ProfileID: "p1", Outcome: publishing.OutcomeSuccess, Stage: publishing.StageDone,
	}, &publishing.ProfileProgress{ProfileID: "p1", PostsToday: 1, LastPostAt: &last, RotationCursor: 1}, time.Second)
	require.NoError(t, err)
	_, err = s.RecordItem(ctx, "run-1", publishing.LogEntry{
		ItemKey: "MSFT", ProfileID: "p1", Outcome: publishing.OutcomeFailure, Stage: publishing.StageFetching,
	}, nil, 0)
	require.NoError(t, err)

	status, err := s.Finish(ctx, "run-1", false)
	require.NoError(t, err)
	require.Equal(t, publishing.RunCompletedWithErrors, status)

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, publishing.RunCompletedWithErrors, got.Status)
	require.Len(t, got.Entries, 2)
	require.False(t, got.Entries[0].RecordedAt.IsZero())
	require.Equal(t, 1, got.Profiles["p1"].PostsToday)

	require.Equal(t, []progress.Kind{
		progress.KindRunCreated,
		progress.KindRunStarted,
		progress.KindItemRecorded,
		progress.KindItemRecorded,
		progress.KindRunFinished,
	}, em.kinds())
}

func TestTerminalRunIsImmutable(t *testing.T) {
	t.Parallel()

	s, em := newStore()
	ctx := context.Background()
	_, err := s.Create(ctx, request())
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx, "run-1"))
	_, err = s.Finish(ctx, "run-1", false)
	require.NoError(t, err)
	before := len(em.kinds())

	_, err = s.RecordItem(ctx, "run-1", publishing.LogEntry{ItemKey: "AAPL", ProfileID: "p1"}, nil, 0)
	require.ErrorIs(t, err, publishing.ErrRunFinished)
	require.ErrorIs(t, s.RequestCancel(ctx, "run-1"), publishing.ErrRunFinished)
	_, err = s.Finish(ctx, "run-1", false)
	require.ErrorIs(t, err, publishing.ErrRunFinished)
	require.Len(t, em.kinds(), before, "failed mutations emit nothing")
}

func TestCancelledRunFinishesFailed(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()
	_, err := s.Create(ctx, request())
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx, "run-1"))
	require.NoError(t, s.RequestCancel(ctx, "run-1"))

	flag, err := s.CancelRequested(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, flag)

	status, err := s.Finish(ctx, "run-1", true)
	require.NoError(t, err)
	require.Equal(t, publishing.RunFailed, status)
}

func TestLoadProgressAndUnfinished(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()
	_, err := s.Create(ctx, request())
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx, "run-1"))
	_, err = s.RecordItem(ctx, "run-1", publishing.LogEntry{
		ItemKey: "AAPL", ProfileID: "p1", Outcome: publishing.OutcomeSuccess,
	}, nil, 0)
	require.NoError(t, err)

	p, err := s.LoadProgress(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, p.Logged("p1", "AAPL"))
	require.False(t, p.Logged("p1", "MSFT"))
	require.Contains(t, p.Succeeded(), "AAPL")

	ids, err := s.Unfinished(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"run-1"}, ids)

	_, err = s.Get(ctx, "nope")
	require.ErrorIs(t, err, publishing.ErrNotFound)
}

func TestRecordItemRejectsRepeatedPair(t *testing.T) {
	t.Parallel()

	s, em := newStore()
	ctx := context.Background()
	_, err := s.Create(ctx, request())
	require.NoError(t, err)
	entry := publishing.LogEntry{ItemKey: "AAPL", ProfileID: "p1", Outcome: publishing.OutcomeSuccess}
	_, err = s.RecordItem(ctx, "run-1", entry, nil, 0)
	require.NoError(t, err)
	_, err = s.RecordItem(ctx, "run-1", entry, nil, 0)
	require.ErrorIs(t, err, publishing.ErrEntryExists)
	require.Equal(t, []progress.Kind{progress.KindRunCreated, progress.KindItemRecorded}, em.kinds(),
		"a rejected append emits nothing")
}

func TestClaimAndLastPublished(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()
	_, err := s.Create(ctx, request())
	require.NoError(t, err)

	ok, err := s.Claim(ctx, "run-1", "w1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Claim(ctx, "run-1", "w2", time.Hour)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, s.Release(ctx, "run-1", "w1"))
	ok, err = s.Claim(ctx, "run-1", "w2", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.Claim(ctx, "nope", "w1", time.Hour)
	require.ErrorIs(t, err, publishing.ErrNotFound)

	last, err := s.LastPublished(ctx, "p1")
	require.NoError(t, err)
	require.True(t, last.IsZero())
	stored, err := s.RecordItem(ctx, "run-1", publishing.LogEntry{
		ItemKey: "AAPL", ProfileID: "p1", Outcome: publishing.OutcomeSuccess,
	}, nil, 0)
	require.NoError(t, err)
	last, err = s.LastPublished(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, stored.RecordedAt, last)
}
