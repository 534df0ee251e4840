// Package scheduler runs the cooperative loop of one persona.
//
// Each tick expires stale messages, refreshes the persona's mood, picks the
// best message it is willing to engage with and, for channel messages,
// competes for the right to answer before executing. A tick with nothing
// eligible is a rest: the persona recovers energy and sleeps for its
// mood's cadence. The loop only blocks at three named points (sleeping,
// awaiting a claim, executing) which Phase exposes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/persona/pkg/arbiter"
	"github.com/daviddao/persona/pkg/executor"
	"github.com/daviddao/persona/pkg/inbox"
	"github.com/daviddao/persona/pkg/metrics"
	"github.com/daviddao/persona/pkg/model"
	"github.com/daviddao/persona/pkg/persona"
)

// errLeaseLost cancels an execution whose claim was taken away.
var errLeaseLost = errors.New("lease lost during execution")

// Phase names where the loop currently is.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseTicking       Phase = "ticking"
	PhaseSleeping      Phase = "sleeping"
	PhaseAwaitingClaim Phase = "awaiting_claim"
	PhaseExecuting     Phase = "executing"
	PhaseStopped       Phase = "stopped"
)

// Action is what a tick ended up doing.
type Action string

const (
	ActionRested    Action = "rested"
	ActionExecuted  Action = "executed"
	ActionFailed    Action = "failed"
	ActionPoisoned  Action = "poisoned"
	ActionYielded   Action = "yielded"
	ActionAbandoned Action = "abandoned"
)

// Report describes one tick.
type Report struct {
	Action    Action
	MessageID string
	Attempts  int
	Expired   int
	Rested    time.Duration
	Elapsed   time.Duration
	// Sleep is how long Run waits before the next tick.
	Sleep time.Duration
	Err   error
}

// Config tunes a loop.
type Config struct {
	// PeekDepth is how many top messages are considered per tick.
	PeekDepth   int           `yaml:"peek_depth"`
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	// MaxRetries is how many failed executions are retried before the
	// message is dropped as poison.
	MaxRetries int `yaml:"max_retries"`
	// HeartbeatInterval defaults to a third of the claim TTL.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// StateTimeout bounds writes to the state sink.
	StateTimeout time.Duration `yaml:"-"`
}

// DefaultConfig returns the defaults used by the hub.
func DefaultConfig() Config {
	return Config{
		PeekDepth:         5,
		ExecTimeout:       60 * time.Second,
		MaxRetries:        3,
		HeartbeatInterval: 10 * time.Second,
		StateTimeout:      2 * time.Second,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	var errs []error
	if c.PeekDepth < 1 {
		errs = append(errs, fmt.Errorf("peek_depth must be at least 1, got %d", c.PeekDepth))
	}
	if c.ExecTimeout <= 0 {
		errs = append(errs, fmt.Errorf("exec_timeout must be positive, got %s", c.ExecTimeout))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval))
	}
	return errors.Join(errs...)
}

// Arbiter is the part of arbiter.Arbiter the loop uses.
type Arbiter interface {
	Propose(ctx context.Context, p arbiter.Proposal) (arbiter.Verdict, error)
	Heartbeat(agentID, channelID, stimulusID string) error
	Complete(agentID, channelID, stimulusID string, yielded bool) error
	Lamport() int64
}

var _ Arbiter = (*arbiter.Arbiter)(nil)

// StateSink persists the persona state after each tick.
type StateSink interface {
	UpdateAgentState(ctx context.Context, id string, clk int64, st model.PersonaState) error
}

// Scorer computes the confidence an agent proposes for a message.
type Scorer func(msg model.Message, st model.PersonaState) float64

// Stats counts tick outcomes.
type Stats struct {
	Ticks    int64 `json:"ticks"`
	Rests    int64 `json:"rests"`
	Executed int64 `json:"executed"`
	Failed   int64 `json:"failed"`
	Poisoned int64 `json:"poisoned"`
	Won      int64 `json:"won"`
	Yielded  int64 `json:"yielded"`
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the time source.
func WithClock(c clockwork.Clock) Option { return func(l *Loop) { l.clock = c } }

// WithLogger sets the logger.
func WithLogger(lg *zap.Logger) Option { return func(l *Loop) { l.logger = lg } }

// WithScorer replaces persona.Confidence as the proposal score.
func WithScorer(s Scorer) Option { return func(l *Loop) { l.scorer = s } }

// WithStateSink persists state after every tick.
func WithStateSink(s StateSink) Option { return func(l *Loop) { l.sink = s } }

// WithJournal records poison drops.
func WithJournal(j arbiter.Journal) Option { return func(l *Loop) { l.journal = j } }

// Loop is the scheduler of one persona. Tick and Run must not be called
// concurrently; Phase and Stats may be read from anywhere.
type Loop struct {
	agentID string
	cfg     Config
	inbox   *inbox.Inbox
	state   *persona.Manager
	arb     Arbiter
	exec    executor.Executor

	clock   clockwork.Clock
	logger  *zap.Logger
	scorer  Scorer
	sink    StateSink
	journal arbiter.Journal

	phase     atomic.Value // Phase
	seenShed  int64
	idleSince time.Time

	ticks, rests, executed, failed, poisoned, won, yielded atomic.Int64
}

// New creates a loop. arb may be nil when the agent never receives
// channel messages.
func New(agentID string, cfg Config, q *inbox.Inbox, state *persona.Manager, arb Arbiter, exec executor.Executor, opts ...Option) *Loop {
	l := &Loop{
		agentID: agentID,
		cfg:     cfg,
		inbox:   q,
		state:   state,
		arb:     arb,
		exec:    exec,
		clock:   clockwork.NewRealClock(),
		scorer:  persona.Confidence,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	l.logger = l.logger.With(zap.String("agent", agentID))
	if l.cfg.PeekDepth < 1 {
		l.cfg.PeekDepth = 1
	}
	if l.cfg.StateTimeout <= 0 {
		l.cfg.StateTimeout = 2 * time.Second
	}
	l.idleSince = l.clock.Now()
	l.phase.Store(PhaseIdle)
	return l
}

// AgentID returns the persona this loop schedules.
func (l *Loop) AgentID() string { return l.agentID }

// Phase returns where the loop currently is.
func (l *Loop) Phase() Phase { return l.phase.Load().(Phase) }

func (l *Loop) setPhase(p Phase) { l.phase.Store(p) }

// Stats returns tick counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:    l.ticks.Load(),
		Rests:    l.rests.Load(),
		Executed: l.executed.Load(),
		Failed:   l.failed.Load(),
		Poisoned: l.poisoned.Load(),
		Won:      l.won.Load(),
		Yielded:  l.yielded.Load(),
	}
}

// Run ticks until ctx is cancelled, sleeping between ticks as each report
// asks. Failures inside a tick never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	defer l.setPhase(PhaseStopped)
	l.logger.Info("loop started")
	for {
		rep := l.Tick(ctx)
		if ctx.Err() != nil {
			l.logger.Info("loop stopped")
			return nil
		}
		if rep.Sleep <= 0 {
			continue
		}
		l.setPhase(PhaseSleeping)
		select {
		case <-ctx.Done():
			l.logger.Info("loop stopped")
			return nil
		case <-l.clock.After(rep.Sleep):
		}
	}
}

// Tick runs one scheduling step.
func (l *Loop) Tick(ctx context.Context) (rep Report) {
	l.ticks.Add(1)
	l.setPhase(PhaseTicking)
	defer func() {
		l.idleSince = l.clock.Now()
		st := l.state.Snapshot()
		metrics.ObserveState(l.agentID, st)
		l.persist(st)
		if ctx.Err() == nil {
			l.setPhase(PhaseIdle)
		}
	}()

	now := l.clock.Now()
	expired := l.inbox.Expire(now)
	rep.Expired = len(expired)
	if len(expired) > 0 {
		metrics.Expired.WithLabelValues(l.agentID).Add(float64(len(expired)))
		l.logger.Debug("messages expired", zap.Int("count", len(expired)))
	}

	stats := l.inbox.Stats()
	newSheds := int(stats.Shed - l.seenShed)
	l.seenShed = stats.Shed
	l.state.Observe(stats.Depth, newSheds, now)

	entry, ok := l.pick()
	if !ok {
		return l.rest(now)
	}
	rep.MessageID = entry.Message.ID
	msg := entry.Message
	log := l.logger.With(zap.String("message", msg.ID))

	claimed := false
	if msg.Scoped() && l.arb != nil {
		l.setPhase(PhaseAwaitingClaim)
		v, err := l.arb.Propose(ctx, arbiter.Proposal{
			AgentID:    l.agentID,
			ChannelID:  msg.ChannelID,
			StimulusID: msg.StimulusID(),
			Score:      l.scorer(msg, l.state.Snapshot()),
		})
		if err != nil {
			if ctx.Err() != nil {
				rep.Action, rep.Err = ActionAbandoned, ctx.Err()
				return rep
			}
			return l.fail(rep, msg, 0, 0, err, log)
		}
		if !v.Won() {
			l.yielded.Add(1)
			metrics.Claims.WithLabelValues(l.agentID, "lost").Inc()
			if _, err := l.inbox.Dequeue(msg.ID); err != nil && !errors.Is(err, inbox.ErrNotFound) {
				log.Warn("dequeue after yield", zap.Error(err))
			}
			log.Debug("yielded",
				zap.String("channel", msg.ChannelID),
				zap.String("holder", v.Claim.HolderID),
				zap.String("reason", v.Reason))
			rep.Action = ActionYielded
			return rep
		}
		l.won.Add(1)
		metrics.Claims.WithLabelValues(l.agentID, "won").Inc()
		claimed = true
	}

	l.setPhase(PhaseExecuting)
	res, elapsed, err := l.execute(ctx, msg, claimed)
	rep.Elapsed = elapsed
	metrics.ExecutionDuration.WithLabelValues(l.agentID).Observe(elapsed.Seconds())
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not the message's fault.
			l.state.RecordActivity(elapsed, 0)
			rep.Action, rep.Err = ActionAbandoned, ctx.Err()
			return rep
		}
		return l.fail(rep, msg, elapsed, res.Complexity, err, log)
	}

	l.state.RecordActivity(elapsed, res.Complexity)
	if claimed {
		if err := l.arb.Complete(l.agentID, msg.ChannelID, msg.StimulusID(), false); err != nil {
			log.Warn("complete claim", zap.Error(err))
		}
	}
	if _, err := l.inbox.Dequeue(msg.ID); err != nil && !errors.Is(err, inbox.ErrNotFound) {
		log.Warn("dequeue after execute", zap.Error(err))
	}
	l.executed.Add(1)
	metrics.Executions.WithLabelValues(l.agentID, "ok").Inc()
	log.Debug("executed", zap.Duration("elapsed", elapsed), zap.Float64("complexity", res.Complexity))
	rep.Action = ActionExecuted
	return rep
}

// pick returns the most preferred message the persona is willing to take.
// pick returns the first eligible candidate. An agent overwhelmed by load
// with energy to spare takes the top entry so the backlog keeps draining.
func (l *Loop) pick() (inbox.Entry, bool) {
	top := l.inbox.Peek(l.cfg.PeekDepth)
	for _, e := range top {
		if l.state.ShouldEngage(e.Message.Priority) {
			return e, true
		}
	}
	if len(top) > 0 && l.state.ShouldTriage() {
		return top[0], true
	}
	return inbox.Entry{}, false
}

func (l *Loop) rest(now time.Time) Report {
	idle := now.Sub(l.idleSince)
	gained := l.state.Rest(idle)
	l.rests.Add(1)
	if gained > 0 {
		l.logger.Debug("rested", zap.Duration("idle", idle), zap.Float64("gained", gained))
	}
	return Report{Action: ActionRested, Rested: idle, Sleep: l.state.Cadence()}
}

// fail charges the partial work, counts the attempt and drops the message
// as poison once retries are used up. A held claim is left to expire.
func (l *Loop) fail(rep Report, msg model.Message, elapsed time.Duration, complexity float64, err error, log *zap.Logger) Report {
	l.state.RecordActivity(elapsed, complexity)
	l.failed.Add(1)
	rep.Err = err
	rep.Sleep = l.state.Cadence()

	outcome := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = "timeout"
	}
	metrics.Executions.WithLabelValues(l.agentID, outcome).Inc()

	attempts, ferr := l.inbox.Fail(msg.ID)
	if ferr != nil {
		log.Warn("count failed attempt", zap.Error(ferr))
	}
	rep.Attempts = attempts
	if attempts <= l.cfg.MaxRetries {
		log.Warn("execution failed", zap.Int("attempts", attempts), zap.String("outcome", outcome), zap.Error(err))
		rep.Action = ActionFailed
		return rep
	}

	if _, derr := l.inbox.Dequeue(msg.ID); derr != nil && !errors.Is(derr, inbox.ErrNotFound) {
		log.Warn("dequeue poison", zap.Error(derr))
	}
	l.poisoned.Add(1)
	metrics.RetriesExhausted.WithLabelValues(l.agentID).Inc()
	log.Error("dropping poison message", zap.Int("attempts", attempts), zap.Error(err))
	if l.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StateTimeout)
		ev := model.Event{
			AgentID:    l.agentID,
			Kind:       model.EventPoison,
			ChannelID:  msg.ChannelID,
			StimulusID: msg.StimulusID(),
			Body:       fmt.Sprintf("message=%s attempts=%d: %v", msg.ID, attempts, err),
			CreatedAt:  l.clock.Now(),
		}
		if l.arb != nil {
			ev.LamportTS = l.arb.Lamport()
		}
		if jerr := l.journal.Append(ctx, ev); jerr != nil {
			log.Warn("journal poison", zap.Error(jerr))
		}
		cancel()
	}
	rep.Action = ActionPoisoned
	return rep
}

// execute runs the executor under ExecTimeout. While a claim is held a
// second goroutine heartbeats it, and losing the lease cancels the work.
func (l *Loop) execute(ctx context.Context, msg model.Message, claimed bool) (executor.Result, time.Duration, error) {
	execCtx, cancel := clockwork.WithTimeout(ctx, l.clock, l.cfg.ExecTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(execCtx)

	done := make(chan struct{})
	if claimed {
		g.Go(func() error { return l.heartbeat(gctx, done, msg) })
	}

	var res executor.Result
	start := l.clock.Now()
	g.Go(func() error {
		defer close(done)
		var err error
		res, err = l.safeExecute(gctx, msg)
		return err
	})
	err := g.Wait()
	elapsed := l.clock.Since(start)
	if err == nil {
		return res, elapsed, nil
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, errLeaseLost) {
		err = fmt.Errorf("execution timed out after %s: %w", l.cfg.ExecTimeout, context.DeadlineExceeded)
	}
	return res, elapsed, err
}

func (l *Loop) safeExecute(ctx context.Context, msg model.Message) (res executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return l.exec.Execute(ctx, msg)
}

func (l *Loop) heartbeat(ctx context.Context, done <-chan struct{}, msg model.Message) error {
	t := l.clock.NewTicker(l.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			err := l.arb.Heartbeat(l.agentID, msg.ChannelID, msg.StimulusID())
			switch {
			case err == nil:
			case errors.Is(err, arbiter.ErrNotHolder), errors.Is(err, arbiter.ErrUnknownClaim):
				metrics.Claims.WithLabelValues(l.agentID, "revoked").Inc()
				return fmt.Errorf("%w: %v", errLeaseLost, err)
			default:
				l.logger.Warn("heartbeat", zap.String("message", msg.ID), zap.Error(err))
			}
		}
	}
}

func (l *Loop) persist(st model.PersonaState) {
	if l.sink == nil {
		return
	}
	var clk int64
	if l.arb != nil {
		clk = l.arb.Lamport()
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StateTimeout)
	defer cancel()
	if err := l.sink.UpdateAgentState(ctx, l.agentID, clk, st); err != nil {
		l.logger.Warn("persist state", zap.Error(err))
	}
}
