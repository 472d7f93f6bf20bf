package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterThrottlesSameHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://x.test/board/1/view"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://X.test/board/2/view"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Equal(t, 1, l.Hosts())
}

func TestLimiterSeparatesHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.test/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.test/1"))
	require.Less(t, time.Since(start), 200*time.Millisecond)
	require.Equal(t, 2, l.Hosts())
}

func TestLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.test/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorContains(t, l.Wait(ctx, "https://slow.test/again"), "rate limit wait for slow.test")
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	require.True(t, l.Unlimited())
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://x.test/"))
	}
}
