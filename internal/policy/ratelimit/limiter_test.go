package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterWaitThrottlesPerHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://blog.example.com/wp-json/wp/v2/posts"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://blog.example.com/wp-json/wp/v2/posts"))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// A different host has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example.com/"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example.com"))
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://fast.example.com"))
	}
}

func TestHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "api.tavily.com", Host("https://API.tavily.com/search"))
	require.Equal(t, "unknown", Host("::bad"))
}
