package inbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/persona/pkg/model"
	"github.com/daviddao/persona/pkg/ratelimit"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id string, priority float64, created time.Time) model.Message {
	return model.Message{
		ID:        id,
		SourceID:  "src-" + id,
		Domain:    model.DomainChat,
		Priority:  priority,
		CreatedAt: created,
		Payload:   []byte(`"` + id + `"`),
	}
}

func msg(id string, priority float64) model.Message {
	return msgAt(id, priority, t0)
}

func priorities(entries []Entry) []float64 {
	out := make([]float64, len(entries))
	for i, e := range entries {
		out[i] = e.Message.Priority
	}
	return out
}

func TestEnqueue_CapacityScenario(t *testing.T) {
	q := New(Config{Capacity: 3}, nil)
	ctx := context.Background()

	for i, p := range []float64{0.2, 0.5, 0.9} {
		adm, err := q.Enqueue(ctx, msg(fmt.Sprintf("m%d", i), p))
		require.NoError(t, err)
		require.Equal(t, OutcomeAccepted, adm.Outcome)
	}

	adm, err := q.Enqueue(ctx, msg("m3", 0.4))
	require.NoError(t, err)
	assert.Equal(t, OutcomeEvicted, adm.Outcome)
	require.NotNil(t, adm.Evicted)
	assert.Equal(t, "m0", adm.Evicted.ID)
	assert.Equal(t, 0.2, adm.Evicted.Priority)

	assert.Equal(t, []float64{0.9, 0.5, 0.4}, priorities(q.Peek(0)))
}

func TestEnqueue_ShedWhenNotHigherThanMinimum(t *testing.T) {
	q := New(Config{Capacity: 2}, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, msg("a", 0.6))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, msg("b", 0.3))
	require.NoError(t, err)

	// Equal to the minimum is not enough.
	adm, err := q.Enqueue(ctx, msg("c", 0.3))
	require.NoError(t, err)
	assert.Equal(t, OutcomeShed, adm.Outcome)
	assert.Nil(t, adm.Evicted)
	assert.False(t, adm.Outcome.Admitted())

	adm, err = q.Enqueue(ctx, msg("d", 0.1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeShed, adm.Outcome)

	s := q.Stats()
	assert.Equal(t, int64(2), s.Shed)
	assert.Equal(t, 2, s.Depth)
}

func TestEnqueue_EvictsLatestAmongEqualMinimum(t *testing.T) {
	q := New(Config{Capacity: 2}, nil)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, msgAt("old", 0.3, t0))
	_, _ = q.Enqueue(ctx, msgAt("new", 0.3, t0.Add(time.Second)))

	adm, err := q.Enqueue(ctx, msg("hot", 0.8))
	require.NoError(t, err)
	require.Equal(t, OutcomeEvicted, adm.Outcome)
	assert.Equal(t, "new", adm.Evicted.ID)
}

func TestEnqueue_RejectsInvalidPriority(t *testing.T) {
	q := New(Config{Capacity: 4}, nil)
	for _, p := range []float64{-0.01, 1.01, math.NaN(), math.Inf(1)} {
		_, err := q.Enqueue(context.Background(), msg("x", p))
		require.Error(t, err, "priority %v", p)
		assert.True(t, errors.Is(err, model.ErrInvalidMessage))
	}
	assert.Zero(t, q.Len())
}

func TestPeek_OrderAndTieBreak(t *testing.T) {
	q := New(Config{Capacity: 10}, nil)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, msgAt("late", 0.5, t0.Add(2*time.Second)))
	_, _ = q.Enqueue(ctx, msgAt("top", 0.9, t0.Add(3*time.Second)))
	_, _ = q.Enqueue(ctx, msgAt("early", 0.5, t0))
	_, _ = q.Enqueue(ctx, msgAt("b-same", 0.5, t0.Add(time.Second)))
	_, _ = q.Enqueue(ctx, msgAt("a-same", 0.5, t0.Add(time.Second)))

	var ids []string
	for _, e := range q.Peek(0) {
		ids = append(ids, e.Message.ID)
	}
	assert.Equal(t, []string{"top", "early", "a-same", "b-same", "late"}, ids)

	top2 := q.Peek(2)
	require.Len(t, top2, 2)
	assert.Equal(t, "top", top2[0].Message.ID)
	assert.Equal(t, 5, q.Len(), "peek is non-destructive")
}

func TestDequeue(t *testing.T) {
	q := New(Config{Capacity: 4}, nil)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, msg("a", 0.5))
	_, _ = q.Enqueue(ctx, msg("b", 0.7))

	m, err := q.Dequeue("a")
	require.NoError(t, err)
	assert.Equal(t, "a", m.ID)
	assert.Equal(t, 1, q.Len())

	_, err = q.Dequeue("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFail_CountsAttempts(t *testing.T) {
	q := New(Config{Capacity: 4}, nil)
	_, _ = q.Enqueue(context.Background(), msg("a", 0.5))

	for want := 1; want <= 3; want++ {
		n, err := q.Fail("a")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.Equal(t, 3, q.Peek(1)[0].Attempts)

	_, err := q.Fail("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpire(t *testing.T) {
	q := New(Config{Capacity: 4}, nil)
	ctx := context.Background()

	short := msg("short", 0.9)
	short.ExpiresAt = t0.Add(time.Second)
	long := msg("long", 0.5)
	long.ExpiresAt = t0.Add(time.Hour)
	_, _ = q.Enqueue(ctx, short)
	_, _ = q.Enqueue(ctx, long)
	_, _ = q.Enqueue(ctx, msg("forever", 0.1))

	assert.Empty(t, q.Expire(t0))

	gone := q.Expire(t0.Add(time.Second))
	require.Len(t, gone, 1)
	assert.Equal(t, "short", gone[0].ID)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, int64(1), q.Stats().Expired)
}

func TestEnqueue_DedupeWithinWindow(t *testing.T) {
	clk := clockwork.NewFakeClockAt(t0)
	lim := ratelimit.New(ratelimit.Config{}, ratelimit.WithClock(clk))
	q := New(Config{Capacity: 8, DedupeWindow: time.Minute}, lim)
	ctx := context.Background()

	first := model.NewMessage("alice", "general", model.DomainChat, 0.5, []byte(`"hi"`), clk.Now(), 0)
	again := model.NewMessage("alice", "general", model.DomainChat, 0.5, []byte(`"hi"`), clk.Now(), 0)
	require.NotEqual(t, first.ID, again.ID)

	adm, err := q.Enqueue(ctx, first)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, adm.Outcome)

	adm, err = q.Enqueue(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, adm.Outcome)
	assert.Equal(t, 1, q.Len())

	clk.Advance(time.Minute)
	later := model.NewMessage("alice", "general", model.DomainChat, 0.5, []byte(`"hi"`), clk.Now(), 0)
	adm, err = q.Enqueue(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, adm.Outcome)
	assert.Equal(t, 2, q.Len())
}

func TestEnqueue_ShedLeavesNoDedupeRecord(t *testing.T) {
	clk := clockwork.NewFakeClockAt(t0)
	lim := ratelimit.New(ratelimit.Config{PerSecond: 1, Burst: 1}, ratelimit.WithClock(clk))
	q := New(Config{Capacity: 1, DedupeWindow: time.Minute}, lim)
	ctx := context.Background()

	busy := msg("busy", 0.9)
	_, err := q.Enqueue(ctx, busy)
	require.NoError(t, err)

	low := model.NewMessage("alice", "", model.DomainChat, 0.3, []byte(`"later"`), clk.Now(), 0)
	adm, err := q.Enqueue(ctx, low)
	require.NoError(t, err)
	require.Equal(t, OutcomeShed, adm.Outcome)
	assert.Zero(t, lim.Tracked(), "shed message is not remembered")

	_, err = q.Dequeue(busy.ID)
	require.NoError(t, err)

	adm, err = q.Enqueue(ctx, low)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, adm.Outcome, "resubmission is neither duplicate nor rate limited")
	assert.Zero(t, q.Stats().Duplicates)
	assert.Zero(t, q.Stats().RateLimited)
}

func TestEnqueue_SameIDIsDuplicate(t *testing.T) {
	q := New(Config{Capacity: 4}, nil)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, msg("a", 0.5))
	adm, err := q.Enqueue(ctx, msg("a", 0.5))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, adm.Outcome)
	assert.Equal(t, 1, q.Len())
}

func TestEnqueue_RateLimited(t *testing.T) {
	clk := clockwork.NewFakeClockAt(t0)
	lim := ratelimit.New(ratelimit.Config{PerSecond: 1, Burst: 1}, ratelimit.WithClock(clk))
	q := New(Config{Capacity: 8}, lim)
	ctx := context.Background()

	a := msg("a", 0.5)
	a.SourceID = "noisy"
	b := msg("b", 0.5)
	b.SourceID = "noisy"

	adm, _ := q.Enqueue(ctx, a)
	require.Equal(t, OutcomeAccepted, adm.Outcome)
	adm, _ = q.Enqueue(ctx, b)
	assert.Equal(t, OutcomeRateLimited, adm.Outcome)
	assert.Equal(t, int64(1), q.Stats().RateLimited)
}

// After any run of enqueues past capacity, nothing resident may rank below
// anything that was shed or evicted.
func TestEnqueue_EvictionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		q := New(Config{Capacity: 5}, nil)
		maxRejected := -1.0
		for i := 0; i < 40; i++ {
			p := math.Round(rng.Float64()*20) / 20
			adm, err := q.Enqueue(context.Background(), msg(fmt.Sprintf("r%d-%d", round, i), p))
			require.NoError(t, err)
			switch adm.Outcome {
			case OutcomeShed:
				maxRejected = math.Max(maxRejected, p)
			case OutcomeEvicted:
				maxRejected = math.Max(maxRejected, adm.Evicted.Priority)
			}
		}
		for _, e := range q.Peek(0) {
			require.GreaterOrEqual(t, e.Message.Priority, maxRejected, "round %d", round)
		}
	}
}
