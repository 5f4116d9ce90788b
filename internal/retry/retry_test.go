package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

type recordingSleeper struct {
	waits []time.Duration
	err   error
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return s.err
}

func TestDoRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	r := New(Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}, sleeper, nil)

	calls := 0
	out, err := Do(context.Background(), r, "fetch", func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", publishing.Transient("fetch", errors.New("timeout"))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 3, calls)
	require.Len(t, sleeper.waits, 2)
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	r := New(Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, &recordingSleeper{}, nil)
	calls := 0
	_, err := Do(context.Background(), r, "publish", func(context.Context) (int, error) {
		calls++
		return 0, publishing.Transient("publish", errors.New("503"))
	})
	require.True(t, publishing.IsTransient(err))
	require.Equal(t, 2, calls)
}

func TestDoNeverRetriesPermanentErrors(t *testing.T) {
	t.Parallel()

	r := New(DefaultPolicy(), &recordingSleeper{}, nil)
	for _, perm := range []error{
		&publishing.GenerationError{Reason: "blocked"},
		&publishing.AuthError{Username: "ann", StatusCode: 401},
		publishing.ErrNotFound,
		context.Canceled,
	} {
		calls := 0
		_, err := Do(context.Background(), r, "op", func(context.Context) (struct{}, error) {
			calls++
			return struct{}{}, perm
		})
		require.ErrorIs(t, err, perm)
		require.Equal(t, 1, calls)
	}
}

func TestDoReturnsLastErrorWhenSleepInterrupted(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{err: context.Canceled}
	r := New(DefaultPolicy(), sleeper, nil)
	calls := 0
	_, err := Do(context.Background(), r, "research", func(context.Context) (int, error) {
		calls++
		return 0, publishing.Transient("research", errors.New("reset"))
	})
	require.True(t, publishing.IsTransient(err))
	require.Equal(t, 1, calls)
}

func TestBackoffIsBounded(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
	first := p.Backoff(1)
	require.GreaterOrEqual(t, first, 50*time.Millisecond)
	require.LessOrEqual(t, first, 100*time.Millisecond)
}
