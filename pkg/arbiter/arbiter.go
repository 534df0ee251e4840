// Package arbiter decides which single agent responds to a stimulus on a
// shared channel.
//
// Every (channel, stimulus) key runs a small state machine:
//
//	OPEN ──propose/resolve──▶ CLAIMED ──complete──▶ RESOLVED
//	                            │
//	                            └──ttl passes──▶ EXPIRED ──▶ OPEN
//
// Interested agents propose a confidence score. The first proposal opens a
// collection window; when it closes, or as soon as a proposal reaches the
// decisive confidence, the highest score wins a CLAIMED lease and everyone
// else is told to yield. Ties go to the proposal registered first in
// Lamport order.
//
// A lease is only valid for its TTL. A holder that neither heartbeats nor
// completes in time loses it, and the key reopens for a fresh round, so a
// hung executor cannot block a channel for good.
//
// Each key has its own mutex: concurrent proposals and resolutions on one
// key are serialised and produce exactly one winner per round, while
// unrelated keys never contend. When agents run in several processes, a
// Leases backend makes the grant itself authoritative across them.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/daviddao/persona/pkg/clock"
	"github.com/daviddao/persona/pkg/metrics"
	"github.com/daviddao/persona/pkg/model"
)

var (
	// ErrNotHolder is returned when an agent heartbeats or completes a claim
	// it does not hold, including one whose lease has lapsed.
	ErrNotHolder = errors.New("agent does not hold the claim")

	// ErrUnknownClaim is returned for keys the arbiter has no record of.
	ErrUnknownClaim = errors.New("unknown claim")

	// ErrLeaseHeld is returned by a Leases backend when another holder has
	// a live lease on the key, or the key is already resolved.
	ErrLeaseHeld = errors.New("lease held by another agent")
)

// Leases is an external lease store shared by arbiters in several
// processes.
type Leases interface {
	// Acquire grants want to want.HolderID unless the key is live-held by
	// someone else or resolved, in which case it returns the current claim
	// and an error wrapping ErrLeaseHeld.
	Acquire(ctx context.Context, want model.Claim) (model.Claim, error)
	// Renew extends a lease the caller holds. A lapsed or foreign lease
	// yields an error wrapping ErrLeaseHeld.
	Renew(ctx context.Context, key model.ClaimKey, holderID, token string, expiresAt time.Time) error
	// Release drops the lease. resolved marks the key settled so no later
	// round can start on it.
	Release(ctx context.Context, key model.ClaimKey, holderID, token string, resolved bool) error
}

// Journal receives every claim transition.
type Journal interface {
	Append(ctx context.Context, ev model.Event) error
}

// Config holds the arbitration timeouts.
type Config struct {
	// ProposalWindow is how long proposals are collected after the first.
	ProposalWindow time.Duration `yaml:"proposal_window"`
	// DecisiveConfidence short-circuits the window. Values above 1 disable
	// the short-circuit.
	DecisiveConfidence float64 `yaml:"decisive_confidence"`
	// ClaimTTL bounds every lease.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
	// Retention is how long a resolved key is remembered so that late
	// proposals still yield.
	Retention time.Duration `yaml:"retention"`
	// JanitorInterval is the sweep period of Run.
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	// BackendTimeout bounds each call to the lease store.
	BackendTimeout time.Duration `yaml:"backend_timeout"`
}

// DefaultConfig returns the illustrative defaults.
func DefaultConfig() Config {
	return Config{
		ProposalWindow:     250 * time.Millisecond,
		DecisiveConfidence: 0.95,
		ClaimTTL:           30 * time.Second,
		Retention:          10 * time.Minute,
		JanitorInterval:    time.Second,
		BackendTimeout:     2 * time.Second,
	}
}

// Validate checks that every timeout is positive.
func (c Config) Validate() error {
	var errs []error
	if c.ProposalWindow <= 0 {
		errs = append(errs, fmt.Errorf("proposal_window must be positive"))
	}
	if c.ClaimTTL <= 0 {
		errs = append(errs, fmt.Errorf("claim_ttl must be positive"))
	}
	if c.Retention < 0 {
		errs = append(errs, fmt.Errorf("retention must not be negative"))
	}
	if c.JanitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("janitor_interval must be positive"))
	}
	if c.DecisiveConfidence < 0 {
		errs = append(errs, fmt.Errorf("decisive_confidence must not be negative"))
	}
	return errors.Join(errs...)
}

// Proposal is one agent's bid to respond to a stimulus.
type Proposal struct {
	AgentID    string
	ChannelID  string
	StimulusID string
	Score      float64
}

// Key returns the claim key the proposal is for.
func (p Proposal) Key() model.ClaimKey {
	return model.ClaimKey{ChannelID: p.ChannelID, StimulusID: p.StimulusID}
}

// Outcome is the answer to a proposal.
type Outcome string

const (
	OutcomeWon   Outcome = "won"
	OutcomeYield Outcome = "yield"
)

// Verdict tells a proposer whether it may respond. Claim is the lease the
// key settled on, whoever holds it.
type Verdict struct {
	Outcome Outcome     `json:"outcome"`
	Claim   model.Claim `json:"claim"`
	Reason  string      `json:"reason,omitempty"`
}

// Won reports whether the proposer holds the claim.
func (v Verdict) Won() bool { return v.Outcome == OutcomeWon }

// Stats counts arbitration outcomes.
type Stats struct {
	Keys      int   `json:"keys"`
	Live      int   `json:"live"`
	Proposals int64 `json:"proposals"`
	Won       int64 `json:"won"`
	Yielded   int64 `json:"yielded"`
	Expired   int64 `json:"expired"`
	Completed int64 `json:"completed"`
	Degraded  int64 `json:"degraded"`
}

type bid struct {
	agentID string
	score   float64
	ts      int64
}

// collection is one proposal window. done is closed once it resolves.
type collection struct {
	bids   []bid
	timer  clockwork.Timer
	done   chan struct{}
	winner string
	claim  model.Claim
}

// round is the per-key state. mu is the key's critical section.
type round struct {
	mu        sync.Mutex
	key       model.ClaimKey
	claim     model.Claim
	pending   *collection
	settledAt time.Time
	dead      atomic.Bool
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithClock sets the time source.
func WithClock(c clockwork.Clock) Option { return func(a *Arbiter) { a.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(a *Arbiter) { a.logger = l } }

// WithLeases makes grants authoritative through an external lease store.
func WithLeases(l Leases) Option { return func(a *Arbiter) { a.leases = l } }

// WithJournal records every transition.
func WithJournal(j Journal) Option { return func(a *Arbiter) { a.journal = j } }

// WithLamportSeed starts the logical clock at v, typically the highest
// stamp found in the journal.
func WithLamportSeed(v int64) Option { return func(a *Arbiter) { a.lamport.Set(v) } }

// Arbiter is the shared coordination point for every agent in a process.
// It is safe for concurrent use.
type Arbiter struct {
	cfg     Config
	clock   clockwork.Clock
	logger  *zap.Logger
	leases  Leases
	journal Journal
	lamport clock.Clock

	mu     sync.Mutex
	rounds map[model.ClaimKey]*round

	proposals atomic.Int64
	won       atomic.Int64
	yielded   atomic.Int64
	expired   atomic.Int64
	completed atomic.Int64
	degraded  atomic.Int64
}

// New creates an Arbiter.
func New(cfg Config, opts ...Option) *Arbiter {
	a := &Arbiter{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		rounds: make(map[model.ClaimKey]*round),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.cfg.BackendTimeout <= 0 {
		a.cfg.BackendTimeout = DefaultConfig().BackendTimeout
	}
	return a
}

// Lamport returns the current logical time.
func (a *Arbiter) Lamport() int64 { return a.lamport.Value() }

// Config returns the arbiter's configuration.
func (a *Arbiter) Config() Config { return a.cfg }

// ----- Rounds -----

// lookup returns the live round for key, creating it if needed.
func (a *Arbiter) lookup(key model.ClaimKey) *round {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.rounds[key]
	if r == nil || r.dead.Load() {
		r = &round{key: key, claim: model.Claim{Key: key, State: model.ClaimOpen}}
		a.rounds[key] = r
	}
	return r
}

// existing returns the round for key without creating one.
func (a *Arbiter) existing(key model.ClaimKey) *round {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.rounds[key]
	if r == nil || r.dead.Load() {
		return nil
	}
	return r
}

// lockRound locks the live round for key. The caller must unlock it.
func (a *Arbiter) lockRound(key model.ClaimKey, create bool) *round {
	for {
		var r *round
		if create {
			r = a.lookup(key)
		} else {
			r = a.existing(key)
		}
		if r == nil {
			return nil
		}
		r.mu.Lock()
		if !r.dead.Load() {
			return r
		}
		r.mu.Unlock()
	}
}

// expireLocked moves a lapsed CLAIMED lease through EXPIRED back to OPEN.
// Caller holds r.mu.
func (a *Arbiter) expireLocked(r *round, now time.Time) bool {
	if r.claim.State != model.ClaimClaimed || now.Before(r.claim.ExpiresAt) {
		return false
	}
	lapsed := r.claim
	lapsed.State = model.ClaimExpired
	a.expired.Add(1)
	metrics.Claims.WithLabelValues(lapsed.HolderID, "expired").Inc()
	a.logger.Info("claim expired",
		zap.String("channel", r.key.ChannelID),
		zap.String("stimulus", r.key.StimulusID),
		zap.String("holder", lapsed.HolderID),
		zap.Duration("ttl", lapsed.TTL))
	a.record(model.EventExpire, lapsed.HolderID, r.key, a.lamport.Tick(), "")
	r.claim = model.Claim{Key: r.key, State: model.ClaimOpen}
	return true
}

// ----- Protocol -----

// Propose registers a bid and blocks until the round it joined resolves or
// ctx ends. A key held by another agent, or already resolved, yields at
// once. A bid from the current holder renews its lease.
func (a *Arbiter) Propose(ctx context.Context, p Proposal) (Verdict, error) {
	if p.AgentID == "" || p.ChannelID == "" || p.StimulusID == "" {
		return Verdict{}, fmt.Errorf("proposal needs agent, channel and stimulus")
	}
	key := p.Key()
	ts := a.lamport.Tick()
	a.proposals.Add(1)
	a.record(model.EventPropose, p.AgentID, key, ts, fmt.Sprintf("score=%.3f", p.Score))

	r := a.lockRound(key, true)
	now := a.clock.Now()
	a.expireLocked(r, now)

	switch r.claim.State {
	case model.ClaimResolved:
		c := r.claim
		r.mu.Unlock()
		return a.yield(p.AgentID, c, "already resolved"), nil

	case model.ClaimClaimed:
		if r.claim.HolderID == p.AgentID {
			err := a.renewLocked(r, now)
			c := r.claim
			r.mu.Unlock()
			if err != nil {
				return a.yield(p.AgentID, c, err.Error()), nil
			}
			return Verdict{Outcome: OutcomeWon, Claim: c, Reason: "renewed"}, nil
		}
		c := r.claim
		r.mu.Unlock()
		return a.yield(p.AgentID, c, "claimed by "+c.HolderID), nil
	}

	c := r.pending
	if c == nil {
		c = &collection{done: make(chan struct{})}
		r.pending = c
		c.timer = a.clock.AfterFunc(a.cfg.ProposalWindow, func() { a.closeWindow(r, c) })
	}
	c.bids = append(c.bids, bid{agentID: p.AgentID, score: p.Score, ts: ts})
	if p.Score >= a.cfg.DecisiveConfidence {
		a.resolveLocked(r, now)
	}
	r.mu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
		a.withdraw(r, c, p.AgentID)
		return Verdict{}, ctx.Err()
	}

	if c.winner == p.AgentID {
		return Verdict{Outcome: OutcomeWon, Claim: c.claim}, nil
	}
	reason := "no holder"
	if c.claim.HolderID != "" {
		reason = "claimed by " + c.claim.HolderID
	}
	return Verdict{Outcome: OutcomeYield, Claim: c.claim, Reason: reason}, nil
}

func (a *Arbiter) yield(agentID string, c model.Claim, reason string) Verdict {
	a.yielded.Add(1)
	a.record(model.EventYield, agentID, c.Key, a.lamport.Tick(), reason)
	return Verdict{Outcome: OutcomeYield, Claim: c, Reason: reason}
}

// withdraw removes an abandoned bid. If the bid already won, the lease is
// handed back so the key reopens.
func (a *Arbiter) withdraw(r *round, c *collection, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == c {
		c.bids = slices.DeleteFunc(c.bids, func(b bid) bool { return b.agentID == agentID })
		return
	}
	if c.winner == agentID && r.claim.State == model.ClaimClaimed && r.claim.Token == c.claim.Token {
		a.releaseLocked(r, false)
		r.claim = model.Claim{Key: r.key, State: model.ClaimOpen}
	}
}

func (a *Arbiter) closeWindow(r *round, c *collection) {
	if r.dead.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == c {
		a.resolveLocked(r, a.clock.Now())
	}
}

// Resolve closes the open proposal window on a key immediately. It returns
// the claim the key settled on, or ErrUnknownClaim if the key has never
// been proposed on.
func (a *Arbiter) Resolve(channelID, stimulusID string) (model.Claim, error) {
	key := model.ClaimKey{ChannelID: channelID, StimulusID: stimulusID}
	r := a.lockRound(key, false)
	if r == nil {
		return model.Claim{}, fmt.Errorf("%w: %s", ErrUnknownClaim, key)
	}
	defer r.mu.Unlock()

	now := a.clock.Now()
	a.expireLocked(r, now)
	if r.pending != nil {
		a.resolveLocked(r, now)
	}
	return r.claim, nil
}

// resolveLocked picks the winner of the pending collection and grants it
// the lease. Caller holds r.mu.
func (a *Arbiter) resolveLocked(r *round, now time.Time) {
	c := r.pending
	r.pending = nil
	if c.timer != nil {
		c.timer.Stop()
	}
	defer close(c.done)

	if len(c.bids) == 0 {
		c.claim = r.claim
		return
	}

	best := c.bids[0]
	for _, b := range c.bids[1:] {
		if b.score > best.score || (b.score == best.score && (clock.Stamp{TS: b.ts, AgentID: b.agentID}).Before(clock.Stamp{TS: best.ts, AgentID: best.agentID})) {
			best = b
		}
	}

	want := model.Claim{
		Key:        r.key,
		State:      model.ClaimClaimed,
		HolderID:   best.agentID,
		Token:      uuid.NewString(),
		LamportTS:  best.ts,
		Score:      best.score,
		AcquiredAt: now,
		TTL:        a.cfg.ClaimTTL,
		ExpiresAt:  now.Add(a.cfg.ClaimTTL),
	}

	granted := want
	if a.leases != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.BackendTimeout)
		got, err := a.leases.Acquire(ctx, want)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, ErrLeaseHeld):
			a.lamport.Receive(got.LamportTS)
			granted = got
			a.logger.Debug("lease held elsewhere",
				zap.String("channel", r.key.ChannelID),
				zap.String("stimulus", r.key.StimulusID),
				zap.String("holder", got.HolderID),
				zap.String("state", string(got.State)))
		default:
			a.degraded.Add(1)
			a.logger.Warn("lease store unavailable, granting locally",
				zap.String("channel", r.key.ChannelID),
				zap.String("stimulus", r.key.StimulusID),
				zap.Error(err))
		}
	}

	r.claim = granted
	if granted.State == model.ClaimResolved {
		r.settledAt = now
	}
	c.claim = granted
	if granted.HolderID == want.HolderID && granted.Token == want.Token {
		c.winner = best.agentID
		a.won.Add(1)
		a.record(model.EventClaim, best.agentID, r.key, best.ts, fmt.Sprintf("score=%.3f bids=%d", best.score, len(c.bids)))
	}
	for _, b := range c.bids {
		if b.agentID != c.winner {
			a.yielded.Add(1)
			a.record(model.EventYield, b.agentID, r.key, b.ts, "outbid by "+granted.HolderID)
		}
	}
	a.logger.Debug("claim resolved",
		zap.String("channel", r.key.ChannelID),
		zap.String("stimulus", r.key.StimulusID),
		zap.String("holder", granted.HolderID),
		zap.Float64("score", granted.Score),
		zap.Int("bids", len(c.bids)))
}

// Heartbeat extends the holder's lease by a full TTL.
func (a *Arbiter) Heartbeat(agentID, channelID, stimulusID string) error {
	key := model.ClaimKey{ChannelID: channelID, StimulusID: stimulusID}
	r := a.lockRound(key, false)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownClaim, key)
	}
	defer r.mu.Unlock()

	now := a.clock.Now()
	a.expireLocked(r, now)
	if r.claim.State != model.ClaimClaimed || r.claim.HolderID != agentID {
		return fmt.Errorf("%w: %s (%s)", ErrNotHolder, key, agentID)
	}
	if err := a.renewLocked(r, now); err != nil {
		return err
	}
	a.record(model.EventHeartbeat, agentID, key, a.lamport.Tick(), "")
	return nil
}

// renewLocked extends the current lease. Caller holds r.mu.
func (a *Arbiter) renewLocked(r *round, now time.Time) error {
	expires := now.Add(a.cfg.ClaimTTL)
	if a.leases != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.BackendTimeout)
		err := a.leases.Renew(ctx, r.key, r.claim.HolderID, r.claim.Token, expires)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, ErrLeaseHeld):
			holder := r.claim.HolderID
			r.claim = model.Claim{Key: r.key, State: model.ClaimOpen}
			return fmt.Errorf("%w: %s (%s): lease lost", ErrNotHolder, r.key, holder)
		default:
			a.degraded.Add(1)
			a.logger.Warn("lease renew failed, extending locally",
				zap.String("channel", r.key.ChannelID),
				zap.String("stimulus", r.key.StimulusID),
				zap.Error(err))
		}
	}
	r.claim.ExpiresAt = expires
	return nil
}

// Complete releases the holder's lease and settles the key as RESOLVED.
// yielded records that the holder chose not to respond after all.
func (a *Arbiter) Complete(agentID, channelID, stimulusID string, yielded bool) error {
	key := model.ClaimKey{ChannelID: channelID, StimulusID: stimulusID}
	r := a.lockRound(key, false)
	if r == nil {
		return fmt.Errorf("%w: %s", ErrUnknownClaim, key)
	}
	defer r.mu.Unlock()

	now := a.clock.Now()
	a.expireLocked(r, now)
	if r.claim.State != model.ClaimClaimed || r.claim.HolderID != agentID {
		return fmt.Errorf("%w: %s (%s)", ErrNotHolder, key, agentID)
	}
	a.releaseLocked(r, true)
	r.claim.State = model.ClaimResolved
	r.settledAt = now
	a.completed.Add(1)

	body := ""
	if yielded {
		body = "yielded"
	}
	a.record(model.EventComplete, agentID, key, a.lamport.Tick(), body)
	return nil
}

func (a *Arbiter) releaseLocked(r *round, resolved bool) {
	if a.leases == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.BackendTimeout)
	defer cancel()
	if err := a.leases.Release(ctx, r.key, r.claim.HolderID, r.claim.Token, resolved); err != nil {
		a.logger.Warn("lease release failed",
			zap.String("channel", r.key.ChannelID),
			zap.String("stimulus", r.key.StimulusID),
			zap.Error(err))
	}
}

// ----- Housekeeping -----

// Sweep expires lapsed leases and forgets keys that need no more memory:
// resolved keys past Retention and open keys with no pending bids. It
// returns the number of leases expired.
func (a *Arbiter) Sweep() int {
	a.mu.Lock()
	rounds := make([]*round, 0, len(a.rounds))
	for _, r := range a.rounds {
		rounds = append(rounds, r)
	}
	a.mu.Unlock()

	now := a.clock.Now()
	n := 0
	var drop []*round
	for _, r := range rounds {
		r.mu.Lock()
		if a.expireLocked(r, now) {
			n++
		}
		gone := false
		switch r.claim.State {
		case model.ClaimOpen:
			gone = r.pending == nil
		case model.ClaimResolved:
			gone = !now.Before(r.settledAt.Add(a.cfg.Retention))
		}
		if gone {
			r.dead.Store(true)
			drop = append(drop, r)
		}
		r.mu.Unlock()
	}

	if len(drop) > 0 {
		a.mu.Lock()
		for _, r := range drop {
			if a.rounds[r.key] == r {
				delete(a.rounds, r.key)
			}
		}
		a.mu.Unlock()
	}
	return n
}

// Run sweeps every JanitorInterval until ctx is cancelled.
func (a *Arbiter) Run(ctx context.Context) error {
	t := a.clock.NewTicker(a.cfg.JanitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			if n := a.Sweep(); n > 0 {
				a.logger.Debug("janitor expired claims", zap.Int("count", n))
			}
		}
	}
}

// Claim returns the current state of one key after applying lazy expiry.
func (a *Arbiter) Claim(channelID, stimulusID string) (model.Claim, error) {
	key := model.ClaimKey{ChannelID: channelID, StimulusID: stimulusID}
	r := a.lockRound(key, false)
	if r == nil {
		return model.Claim{}, fmt.Errorf("%w: %s", ErrUnknownClaim, key)
	}
	defer r.mu.Unlock()
	a.expireLocked(r, a.clock.Now())
	return r.claim, nil
}

// Claims returns every known key's claim, ordered by key.
func (a *Arbiter) Claims() []model.Claim {
	a.mu.Lock()
	rounds := make([]*round, 0, len(a.rounds))
	for _, r := range a.rounds {
		rounds = append(rounds, r)
	}
	a.mu.Unlock()

	now := a.clock.Now()
	out := make([]model.Claim, 0, len(rounds))
	for _, r := range rounds {
		r.mu.Lock()
		a.expireLocked(r, now)
		out = append(out, r.claim)
		r.mu.Unlock()
	}
	slices.SortFunc(out, func(x, y model.Claim) int {
		if x.Key.ChannelID != y.Key.ChannelID {
			if x.Key.ChannelID < y.Key.ChannelID {
				return -1
			}
			return 1
		}
		switch {
		case x.Key.StimulusID < y.Key.StimulusID:
			return -1
		case x.Key.StimulusID > y.Key.StimulusID:
			return 1
		}
		return 0
	})
	return out
}

// Stats returns arbitration counters.
func (a *Arbiter) Stats() Stats {
	now := a.clock.Now()
	s := Stats{
		Proposals: a.proposals.Load(),
		Won:       a.won.Load(),
		Yielded:   a.yielded.Load(),
		Expired:   a.expired.Load(),
		Completed: a.completed.Load(),
		Degraded:  a.degraded.Load(),
	}
	for _, c := range a.Claims() {
		s.Keys++
		if c.Live(now) {
			s.Live++
		}
	}
	return s
}

func (a *Arbiter) record(kind model.EventKind, agentID string, key model.ClaimKey, ts int64, body string) {
	if a.journal == nil {
		return
	}
	ev := model.Event{
		AgentID:    agentID,
		LamportTS:  ts,
		Kind:       kind,
		ChannelID:  key.ChannelID,
		StimulusID: key.StimulusID,
		Body:       body,
		CreatedAt:  a.clock.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.BackendTimeout)
	defer cancel()
	if err := a.journal.Append(ctx, ev); err != nil {
		a.logger.Warn("journal append failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}
