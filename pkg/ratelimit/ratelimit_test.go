package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_DuplicateWithinWindow(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(Config{}, WithClock(clk))
	ctx := context.Background()

	require.True(t, l.Admit(ctx, "alice", "h1", time.Minute).Allowed)

	d := l.Admit(ctx, "alice", "h1", time.Minute)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDuplicate, d.Reason)

	// Different source, same content: independent.
	assert.True(t, l.Admit(ctx, "bob", "h1", time.Minute).Allowed)
	// Same source, different content.
	assert.True(t, l.Admit(ctx, "alice", "h2", time.Minute).Allowed)
}

func TestLimiter_DuplicateAfterWindow(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(Config{}, WithClock(clk))
	ctx := context.Background()

	require.True(t, l.Admit(ctx, "alice", "h1", time.Minute).Allowed)
	clk.Advance(59 * time.Second)
	require.False(t, l.Admit(ctx, "alice", "h1", time.Minute).Allowed)
	clk.Advance(time.Second)
	assert.True(t, l.Admit(ctx, "alice", "h1", time.Minute).Allowed)
}

func TestLimiter_ZeroWindowDisablesDedupe(t *testing.T) {
	l := New(Config{}, WithClock(clockwork.NewFakeClock()))
	ctx := context.Background()
	assert.True(t, l.Admit(ctx, "alice", "h1", 0).Allowed)
	assert.True(t, l.Admit(ctx, "alice", "h1", 0).Allowed)
	assert.Zero(t, l.Tracked())
}

func TestLimiter_TokenBucket(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(Config{PerSecond: 1, Burst: 2}, WithClock(clk))
	ctx := context.Background()

	assert.True(t, l.Admit(ctx, "alice", "a", time.Minute).Allowed)
	assert.True(t, l.Admit(ctx, "alice", "b", time.Minute).Allowed)
	d := l.Admit(ctx, "alice", "c", time.Minute)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)

	// Other sources have their own bucket.
	assert.True(t, l.Admit(ctx, "bob", "c", time.Minute).Allowed)

	clk.Advance(time.Second)
	assert.True(t, l.Admit(ctx, "alice", "c", time.Minute).Allowed,
		"a rate-limited message is not remembered as seen")
}

func TestLimiter_DuplicatesDoNotConsumeTokens(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(Config{PerSecond: 1, Burst: 2}, WithClock(clk))
	ctx := context.Background()

	require.True(t, l.Admit(ctx, "alice", "a", time.Minute).Allowed)
	for i := 0; i < 10; i++ {
		require.Equal(t, ReasonDuplicate, l.Admit(ctx, "alice", "a", time.Minute).Reason)
	}
	assert.True(t, l.Admit(ctx, "alice", "b", time.Minute).Allowed)
}

func TestLimiter_Sweep(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := New(Config{PerSecond: 10, Burst: 5}, WithClock(clk))
	ctx := context.Background()

	l.Admit(ctx, "alice", "a", time.Second)
	l.Admit(ctx, "alice", "b", time.Minute)
	l.Admit(ctx, "bob", "a", time.Second)
	require.Equal(t, 3, l.Tracked())

	clk.Advance(2 * time.Second)
	assert.Equal(t, 2, l.Sweep())
	assert.Equal(t, 1, l.Tracked())
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLimiter_Dedupe(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLimiter(client, "alice", Config{}, nil)
	ctx := context.Background()

	require.True(t, l.Admit(ctx, "src", "h1", time.Minute).Allowed)
	d := l.Admit(ctx, "src", "h1", time.Minute)
	assert.Equal(t, ReasonDuplicate, d.Reason)

	// Another agent's inbox keeps its own memory.
	other := NewRedisLimiter(client, "bob", Config{}, nil)
	assert.True(t, other.Admit(ctx, "src", "h1", time.Minute).Allowed)

	mr.FastForward(time.Minute)
	assert.True(t, l.Admit(ctx, "src", "h1", time.Minute).Allowed)
}

func TestRedisLimiter_Rate(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLimiter(client, "alice", Config{PerSecond: 1, Burst: 2}, nil)
	ctx := context.Background()

	assert.True(t, l.Admit(ctx, "src", "a", time.Minute).Allowed)
	assert.True(t, l.Admit(ctx, "src", "b", time.Minute).Allowed)
	d := l.Admit(ctx, "src", "c", time.Minute)
	assert.Equal(t, ReasonRateLimited, d.Reason)

	// The rejected content was not recorded as seen.
	exists, err := client.Exists(ctx, l.dedupeKey("src", "c")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLimiter(client, "alice", Config{PerSecond: 1, Burst: 1}, nil)
	mr.Close()

	d := l.Admit(context.Background(), "src", "a", time.Minute)
	assert.True(t, d.Allowed)
}
