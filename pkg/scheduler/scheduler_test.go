package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/daviddao/persona/pkg/arbiter"
	"github.com/daviddao/persona/pkg/executor"
	"github.com/daviddao/persona/pkg/inbox"
	"github.com/daviddao/persona/pkg/metrics"
	"github.com/daviddao/persona/pkg/model"
	"github.com/daviddao/persona/pkg/persona"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	clk   *clockwork.FakeClock
	inbox *inbox.Inbox
	state *persona.Manager
	loop  *Loop
}

func newHarness(t *testing.T, agent string, energy float64, exec executor.Executor, arb Arbiter, opts ...Option) *harness {
	t.Helper()
	clk := clockwork.NewFakeClockAt(t0)
	cfg := DefaultConfig()
	cfg.ExecTimeout = 5 * time.Second
	cfg.MaxRetries = 2
	cfg.HeartbeatInterval = time.Second
	q := inbox.New(inbox.Config{Capacity: 8}, nil)
	st := persona.NewManager(persona.DefaultPolicy(), persona.WithClock(clk), persona.WithInitialState(energy, 1))
	opts = append([]Option{WithClock(clk)}, opts...)
	return &harness{clk: clk, inbox: q, state: st, loop: New(agent, cfg, q, st, arb, exec, opts...)}
}

func (h *harness) push(t *testing.T, id string, priority float64, channel string) model.Message {
	t.Helper()
	msg := model.Message{
		ID:        id,
		SourceID:  "user",
		ChannelID: channel,
		Domain:    model.DomainChat,
		Priority:  priority,
		CreatedAt: h.clk.Now(),
		Payload:   json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)),
	}
	msg.DedupeKey = model.Fingerprint(msg.SourceID, msg.ChannelID, msg.Payload)
	adm, err := h.inbox.Enqueue(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, adm.Outcome.Admitted())
	return msg
}

// recorder counts executions per message.
type recorder struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (r *recorder) Execute(ctx context.Context, msg model.Message) (executor.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, msg.ID)
	return executor.Result{Complexity: 0.5}, r.err
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestTick_RestsWhenEmpty(t *testing.T) {
	h := newHarness(t, "rest-empty", 0.5, &recorder{}, nil)
	h.clk.Advance(10 * time.Second)

	rep := h.loop.Tick(context.Background())
	assert.Equal(t, ActionRested, rep.Action)
	assert.Equal(t, 10*time.Second, rep.Rested)

	st := h.state.Snapshot()
	assert.InDelta(t, 0.7, st.Energy, 1e-9)
	assert.Equal(t, model.MoodActive, st.Mood)
	assert.Equal(t, 5*time.Second, rep.Sleep)
	assert.Equal(t, t0.Add(10*time.Second), st.LastRestAt)
}

func TestTick_TiredSkipsLowPriorityButTakesUrgent(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, "tired", 0.25, rec, nil)
	low := h.push(t, "low", 0.4, "")

	rep := h.loop.Tick(context.Background())
	assert.Equal(t, ActionRested, rep.Action, "0.4 is below the tired threshold")
	assert.Equal(t, model.MoodTired, h.state.Mood())
	assert.Empty(t, rec.calls())
	assert.Equal(t, 1, h.inbox.Len())

	urgent := h.push(t, "urgent", 0.95, "")
	rep = h.loop.Tick(context.Background())
	assert.Equal(t, ActionExecuted, rep.Action)
	assert.Equal(t, urgent.ID, rep.MessageID)
	assert.Equal(t, []string{"urgent"}, rec.calls())

	left := h.inbox.Peek(0)
	require.Len(t, left, 1)
	assert.Equal(t, low.ID, left[0].Message.ID)
}

func TestTick_ExecutesInPriorityOrder(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, "order", 1, rec, nil)
	h.push(t, "a", 0.5, "")
	h.push(t, "b", 0.8, "")
	h.clk.Advance(time.Millisecond)
	h.push(t, "c", 0.8, "")

	for range 3 {
		assert.Equal(t, ActionExecuted, h.loop.Tick(context.Background()).Action)
	}
	assert.Equal(t, []string{"b", "c", "a"}, rec.calls())
	assert.Zero(t, h.inbox.Len())
	assert.EqualValues(t, 3, h.loop.Stats().Executed)
}

func TestTick_RestingEventuallyEngages(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, "recover", 0.25, rec, nil)
	h.push(t, "m", 0.45, "")

	energy := h.state.Snapshot().Energy
	for i := 0; i < 100; i++ {
		rep := h.loop.Tick(context.Background())
		if rep.Action == ActionExecuted {
			assert.Equal(t, []string{"m"}, rec.calls())
			return
		}
		require.Equal(t, ActionRested, rep.Action)
		now := h.state.Snapshot().Energy
		if i > 0 {
			assert.Greater(t, now, energy, "every rest tick recovers energy")
		}
		energy = now
		h.clk.Advance(rep.Sleep)
	}
	t.Fatal("persona never recovered enough to engage")
}

func TestTick_RetriesThenDropsPoison(t *testing.T) {
	rec := &recorder{err: errors.New("model unavailable")}
	j := &journal{}
	h := newHarness(t, "poison", 1, rec, nil, WithJournal(j))
	h.push(t, "bad", 0.6, "")
	before := testutil.ToFloat64(metrics.RetriesExhausted.WithLabelValues("poison"))

	rep := h.loop.Tick(context.Background())
	assert.Equal(t, ActionFailed, rep.Action)
	assert.Equal(t, 1, rep.Attempts)
	assert.Positive(t, rep.Sleep)

	rep = h.loop.Tick(context.Background())
	assert.Equal(t, ActionFailed, rep.Action)
	assert.Equal(t, 2, rep.Attempts)
	assert.Equal(t, 1, h.inbox.Len())

	rep = h.loop.Tick(context.Background())
	assert.Equal(t, ActionPoisoned, rep.Action)
	assert.Equal(t, 3, rep.Attempts)
	assert.Zero(t, h.inbox.Len())
	assert.Len(t, rec.calls(), 3)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RetriesExhausted.WithLabelValues("poison")))

	evs := j.events()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventPoison, evs[0].Kind)
	assert.Contains(t, evs[0].Body, "message=bad")
}

func TestTick_FailureChargesEnergy(t *testing.T) {
	h := newHarness(t, "charge", 1, &recorder{err: errors.New("boom")}, nil)
	h.push(t, "m", 0.6, "")

	h.loop.Tick(context.Background())
	assert.Less(t, h.state.Snapshot().Energy, 1.0)
}

func TestTick_RecoversPanic(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, msg model.Message) (executor.Result, error) {
		panic("nil map")
	})
	h := newHarness(t, "panic", 1, exec, nil)
	h.push(t, "m", 0.6, "")

	var rep Report
	require.NotPanics(t, func() { rep = h.loop.Tick(context.Background()) })
	assert.Equal(t, ActionFailed, rep.Action)
	require.Error(t, rep.Err)
	assert.Contains(t, rep.Err.Error(), "panic")
}

func TestTick_ExecutionTimeout(t *testing.T) {
	exec := executor.Func(func(ctx context.Context, msg model.Message) (executor.Result, error) {
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	})
	h := newHarness(t, "timeout", 1, exec, nil)
	h.push(t, "slow", 0.6, "")
	before := testutil.ToFloat64(metrics.Executions.WithLabelValues("timeout", "timeout"))

	done := make(chan Report, 1)
	go func() { done <- h.loop.Tick(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.clk.BlockUntilContext(ctx, 1))
	assert.Equal(t, PhaseExecuting, h.loop.Phase())
	h.clk.Advance(5 * time.Second)

	rep := <-done
	assert.Equal(t, ActionFailed, rep.Action)
	assert.ErrorIs(t, rep.Err, context.DeadlineExceeded)
	assert.Equal(t, 5*time.Second, rep.Elapsed)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Executions.WithLabelValues("timeout", "timeout")))
	assert.Equal(t, 1, h.inbox.Len(), "timed out message is retried")
}

func TestTick_ChannelMessageClaimsAndCompletes(t *testing.T) {
	cfg := arbiter.DefaultConfig()
	cfg.DecisiveConfidence = 0
	rec := &recorder{}
	h := newHarness(t, "claimer", 1, rec, nil)
	arb := arbiter.New(cfg, arbiter.WithClock(h.clk))
	h.loop.arb = arb

	msg := h.push(t, "m", 0.6, "general")
	rep := h.loop.Tick(context.Background())
	require.Equal(t, ActionExecuted, rep.Action)

	c, err := arb.Claim("general", msg.StimulusID())
	require.NoError(t, err)
	assert.Equal(t, model.ClaimResolved, c.State)
	assert.Equal(t, "claimer", c.HolderID)
	assert.EqualValues(t, 1, h.loop.Stats().Won)
}

func TestTick_YieldsToHolder(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, "alice", 1, rec, nil)
	arb := arbiter.New(arbiter.DefaultConfig(), arbiter.WithClock(h.clk))
	h.loop.arb = arb

	msg := h.push(t, "m", 0.6, "general")
	v, err := arb.Propose(context.Background(), arbiter.Proposal{
		AgentID: "bob", ChannelID: "general", StimulusID: msg.StimulusID(), Score: 0.99,
	})
	require.NoError(t, err)
	require.True(t, v.Won())

	rep := h.loop.Tick(context.Background())
	assert.Equal(t, ActionYielded, rep.Action)
	assert.Zero(t, rep.Sleep)
	assert.Empty(t, rec.calls())
	assert.Zero(t, h.inbox.Len(), "yielded message is consumed")
	assert.Equal(t, 1.0, h.state.Snapshot().Energy, "yielding costs nothing")
}

func TestTick_RepeatedContentIsNewStimulus(t *testing.T) {
	cfg := arbiter.DefaultConfig()
	cfg.DecisiveConfidence = 0
	rec := &recorder{}
	h := newHarness(t, "ada", 1, rec, nil)
	h.loop.arb = arbiter.New(cfg, arbiter.WithClock(h.clk))

	hello := func(id string) {
		msg := model.Message{
			ID: id, SourceID: "user", ChannelID: "general", Domain: model.DomainChat,
			Priority: 0.6, CreatedAt: h.clk.Now(), Payload: json.RawMessage(`{"text":"hello"}`),
		}
		msg.DedupeKey = model.Fingerprint(msg.SourceID, msg.ChannelID, msg.Payload)
		adm, err := h.inbox.Enqueue(context.Background(), msg)
		require.NoError(t, err)
		require.True(t, adm.Outcome.Admitted())
	}

	hello("m1")
	require.Equal(t, ActionExecuted, h.loop.Tick(context.Background()).Action)

	h.clk.Advance(6 * time.Minute)
	hello("m2")
	rep := h.loop.Tick(context.Background())
	assert.Equal(t, ActionExecuted, rep.Action)
	assert.Equal(t, "m2", rep.MessageID)
	assert.Equal(t, []string{"m1", "m2"}, rec.calls())
}

// lostLease wins every proposal and then refuses every heartbeat.
type lostLease struct{ completes atomic.Int32 }

func (f *lostLease) Propose(ctx context.Context, p arbiter.Proposal) (arbiter.Verdict, error) {
	return arbiter.Verdict{Outcome: arbiter.OutcomeWon, Claim: model.Claim{HolderID: p.AgentID}}, nil
}

func (f *lostLease) Heartbeat(agentID, channelID, stimulusID string) error {
	return fmt.Errorf("%w: taken over", arbiter.ErrNotHolder)
}

func (f *lostLease) Complete(agentID, channelID, stimulusID string, yielded bool) error {
	f.completes.Add(1)
	return nil
}

func (f *lostLease) Lamport() int64 { return 7 }

func TestTick_LostLeaseCancelsExecution(t *testing.T) {
	arb := &lostLease{}
	exec := executor.Func(func(ctx context.Context, msg model.Message) (executor.Result, error) {
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	})
	h := newHarness(t, "lost", 1, exec, arb)
	h.push(t, "m", 0.6, "general")

	done := make(chan Report, 1)
	go func() { done <- h.loop.Tick(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Execution deadline plus heartbeat ticker.
	require.NoError(t, h.clk.BlockUntilContext(ctx, 2))
	h.clk.Advance(time.Second)

	rep := <-done
	assert.Equal(t, ActionFailed, rep.Action)
	assert.ErrorIs(t, rep.Err, errLeaseLost)
	assert.Zero(t, arb.completes.Load())
}

func TestTick_PersistsState(t *testing.T) {
	sink := &stateSink{}
	h := newHarness(t, "persist", 0.5, &recorder{}, nil, WithStateSink(sink))
	h.loop.Tick(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.states, 1)
	assert.Equal(t, "persist", sink.ids[0])
}

func TestTick_ObservesSheds(t *testing.T) {
	h := newHarness(t, "sheds", 1, &recorder{}, nil)
	q := inbox.New(inbox.Config{Capacity: 1}, nil)
	h.loop.inbox = q
	h.inbox = q

	h.push(t, "keep", 0.99, "")
	for i := range 3 {
		adm, err := q.Enqueue(context.Background(), model.Message{
			ID: fmt.Sprintf("shed-%d", i), SourceID: "user", Domain: model.DomainChat,
			Priority: 0.1, CreatedAt: h.clk.Now(),
		})
		require.NoError(t, err)
		require.Equal(t, inbox.OutcomeShed, adm.Outcome)
	}

	h.loop.Tick(context.Background())
	st := h.state.Snapshot()
	assert.Equal(t, 3, st.OverwhelmCount)
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, "run", 1, &recorder{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.loop.Run(ctx) }()

	wait, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, h.clk.BlockUntilContext(wait, 1))
	assert.Equal(t, PhaseSleeping, h.loop.Phase())

	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, PhaseStopped, h.loop.Phase())
}

func TestRun_DrainsInbox(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	h := newHarness(t, "drain", 1, rec, nil)
	for i := range 4 {
		h.push(t, fmt.Sprintf("m%d", i), 0.5+float64(i)/10, "")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.loop.Run(ctx) }()

	require.Eventually(t, func() bool { return len(rec.calls()) == 4 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	assert.Equal(t, []string{"m3", "m2", "m1", "m0"}, rec.calls())
}

func TestLoops_ExactlyOneRespondsPerStimulus(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := arbiter.DefaultConfig()
	cfg.ProposalWindow = 20 * time.Millisecond
	cfg.DecisiveConfidence = 2
	arb := arbiter.New(cfg)

	const agents = 5
	var executed atomic.Int32
	exec := executor.Func(func(ctx context.Context, msg model.Message) (executor.Result, error) {
		executed.Add(1)
		return executor.Result{}, nil
	})

	loops := make([]*Loop, agents)
	for i := range loops {
		q := inbox.New(inbox.Config{Capacity: 4}, nil)
		st := persona.NewManager(persona.DefaultPolicy())
		msg := model.Message{
			ID: "same-stimulus", SourceID: "user", ChannelID: "general",
			Domain: model.DomainChat, Priority: 0.6, CreatedAt: t0,
			DedupeKey: "hash",
		}
		_, err := q.Enqueue(context.Background(), msg)
		require.NoError(t, err)
		loops[i] = New(fmt.Sprintf("agent-%d", i), DefaultConfig(), q, st, arb, exec)
	}

	reports := make([]Report, agents)
	var wg sync.WaitGroup
	for i, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = l.Tick(context.Background())
		}()
	}
	wg.Wait()

	won := 0
	for _, r := range reports {
		switch r.Action {
		case ActionExecuted:
			won++
		case ActionYielded:
		default:
			t.Fatalf("unexpected action %s", r.Action)
		}
	}
	assert.Equal(t, 1, won)
	assert.EqualValues(t, 1, executed.Load())
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.PeekDepth = 0
	bad.ExecTimeout = 0
	bad.MaxRetries = -1
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peek_depth")
	assert.Contains(t, err.Error(), "exec_timeout")
	assert.Contains(t, err.Error(), "max_retries")
}

type journal struct {
	mu  sync.Mutex
	evs []model.Event
}

func (j *journal) Append(ctx context.Context, ev model.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.evs = append(j.evs, ev)
	return nil
}

func (j *journal) events() []model.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]model.Event(nil), j.evs...)
}

type stateSink struct {
	mu     sync.Mutex
	ids    []string
	states []model.PersonaState
}

func (s *stateSink) UpdateAgentState(ctx context.Context, id string, clk int64, st model.PersonaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	s.states = append(s.states, st)
	return nil
}
