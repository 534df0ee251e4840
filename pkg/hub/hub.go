// Package hub is the agent runtime. It builds each persona's inbox, state
// manager and scheduler loop, routes submissions to them, fans channel
// stimuli out to subscribers and runs every loop next to the arbiter's
// janitor.
package hub

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
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
	"github.com/daviddao/persona/pkg/ratelimit"
	"github.com/daviddao/persona/pkg/scheduler"
)

var (
	// ErrUnknownAgent is returned when a submission names an agent the hub
	// does not run.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAgentExists is returned by AddAgent for a duplicate ID.
	ErrAgentExists = errors.New("agent already exists")

	// ErrRunning is returned by AddAgent once Run has started.
	ErrRunning = errors.New("hub is running")
)

// Ledger is the persistence the hub uses when one is configured.
// *store.Store satisfies it.
type Ledger interface {
	arbiter.Journal
	scheduler.StateSink
	RegisterAgent(ctx context.Context, id string) (*model.Agent, error)
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// Config holds the settings shared by every agent.
type Config struct {
	Capacity     int              `yaml:"capacity"`
	DedupeWindow time.Duration    `yaml:"dedupe_window"`
	RateLimit    ratelimit.Config `yaml:"rate_limit"`
	Policy       persona.Policy   `yaml:"policy"`
	Scheduler    scheduler.Config `yaml:"scheduler"`
	// PurgeInterval is how often in-memory dedupe entries are swept and the
	// ledger drops settled claims.
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:      32,
		DedupeWindow:  5 * time.Minute,
		RateLimit:     ratelimit.Config{PerSecond: 5, Burst: 10},
		Policy:        persona.DefaultPolicy(),
		Scheduler:     scheduler.DefaultConfig(),
		PurgeInterval: time.Minute,
	}
}

// AgentSpec describes one persona.
type AgentSpec struct {
	ID       string   `yaml:"id"`
	Channels []string `yaml:"channels"`
	// Interests boost the proposal score for payloads mentioning them.
	Interests []string `yaml:"interests"`
	Webhook   string   `yaml:"webhook"`
	// Scorer overrides the interest scorer.
	Scorer scheduler.Scorer `yaml:"-"`
}

// Agent is one running persona.
type Agent struct {
	ID       string
	channels []string
	inbox    *inbox.Inbox
	admitter ratelimit.Admitter
	state    *persona.Manager
	loop     *scheduler.Loop
}

// AgentView is a read-only snapshot of an agent.
type AgentView struct {
	ID       string             `json:"id"`
	Channels []string           `json:"channels"`
	Phase    scheduler.Phase    `json:"phase"`
	State    model.PersonaState `json:"state"`
	Inbox    inbox.Stats        `json:"inbox"`
	Loop     scheduler.Stats    `json:"loop"`
	Pending  []model.Message    `json:"pending,omitempty"`
}

func (a *Agent) view(pending int) AgentView {
	v := AgentView{
		ID:       a.ID,
		Channels: slices.Clone(a.channels),
		Phase:    a.loop.Phase(),
		State:    a.state.Snapshot(),
		Inbox:    a.inbox.Stats(),
		Loop:     a.loop.Stats(),
	}
	if pending > 0 {
		for _, e := range a.inbox.Peek(pending) {
			v.Pending = append(v.Pending, e.Message)
		}
	}
	return v
}

// Option configures a Hub.
type Option func(*Hub)

// WithClock sets the time source for every agent.
func WithClock(c clockwork.Clock) Option { return func(h *Hub) { h.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(h *Hub) { h.logger = l } }

// WithLedger persists agents, state and poison drops.
func WithLedger(l Ledger) Option { return func(h *Hub) { h.ledger = l } }

// WithAdmitter replaces the per-agent in-memory limiter, for example with a
// Redis limiter shared between processes.
func WithAdmitter(f func(agentID string) ratelimit.Admitter) Option {
	return func(h *Hub) { h.admitter = f }
}

// Hub owns every agent of a process.
type Hub struct {
	mu       sync.RWMutex
	cfg      Config
	arb      *arbiter.Arbiter
	agents   map[string]*Agent
	channels map[string][]string // channel -> subscribed agent IDs
	running  bool

	clock    clockwork.Clock
	logger   *zap.Logger
	ledger   Ledger
	admitter func(agentID string) ratelimit.Admitter
}

// New creates a hub arbitrating through arb.
func New(cfg Config, arb *arbiter.Arbiter, opts ...Option) *Hub {
	h := &Hub{
		cfg:      cfg,
		arb:      arb,
		agents:   make(map[string]*Agent),
		channels: make(map[string][]string),
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.admitter == nil {
		h.admitter = func(string) ratelimit.Admitter {
			return ratelimit.New(h.cfg.RateLimit, ratelimit.WithClock(h.clock))
		}
	}
	return h
}

// Arbiter returns the hub's arbiter.
func (h *Hub) Arbiter() *arbiter.Arbiter { return h.arb }

// AddAgent builds and registers a persona. Agents must be added before Run.
func (h *Hub) AddAgent(ctx context.Context, spec AgentSpec, exec executor.Executor) (*Agent, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil, ErrRunning
	}
	if _, ok := h.agents[spec.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, spec.ID)
	}

	stateOpts := []persona.Option{persona.WithClock(h.clock), persona.WithLogger(h.logger.With(zap.String("agent", spec.ID)))}
	loopOpts := []scheduler.Option{scheduler.WithClock(h.clock), scheduler.WithLogger(h.logger)}
	if h.ledger != nil {
		rec, err := h.ledger.RegisterAgent(ctx, spec.ID)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", spec.ID, err)
		}
		stateOpts = append(stateOpts, persona.WithInitialState(rec.Energy, 1))
		loopOpts = append(loopOpts, scheduler.WithStateSink(h.ledger), scheduler.WithJournal(h.ledger))
		ev := model.Event{
			AgentID:   spec.ID,
			LamportTS: h.arb.Lamport(),
			Kind:      model.EventRegister,
			Body:      fmt.Sprintf("channels=%v", spec.Channels),
			CreatedAt: h.clock.Now(),
		}
		if err := h.ledger.Append(ctx, ev); err != nil {
			h.logger.Warn("journal register", zap.String("agent", spec.ID), zap.Error(err))
		}
	}
	scorer := spec.Scorer
	if scorer == nil {
		scorer = InterestScorer(spec.Interests, 0.2)
	}
	loopOpts = append(loopOpts, scheduler.WithScorer(scorer))

	schedCfg := h.cfg.Scheduler
	if schedCfg.HeartbeatInterval <= 0 {
		schedCfg.HeartbeatInterval = h.arb.Config().ClaimTTL / 3
	}

	adm := h.admitter(spec.ID)
	q := inbox.New(inbox.Config{Capacity: h.cfg.Capacity, DedupeWindow: h.cfg.DedupeWindow}, adm)
	st := persona.NewManager(h.cfg.Policy, stateOpts...)
	a := &Agent{
		ID:       spec.ID,
		channels: slices.Clone(spec.Channels),
		inbox:    q,
		admitter: adm,
		state:    st,
		loop:     scheduler.New(spec.ID, schedCfg, q, st, h.arb, exec, loopOpts...),
	}
	h.agents[spec.ID] = a
	for _, ch := range spec.Channels {
		if !slices.Contains(h.channels[ch], spec.ID) {
			h.channels[ch] = append(h.channels[ch], spec.ID)
		}
	}
	metrics.ObserveState(spec.ID, st.Snapshot())
	h.logger.Info("agent added", zap.String("agent", spec.ID), zap.Strings("channels", spec.Channels))
	return a, nil
}

func (h *Hub) agent(id string) (*Agent, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}

// Submit enqueues msg into one agent's inbox. Missing ID and CreatedAt are
// filled in.
func (h *Hub) Submit(ctx context.Context, agentID string, msg model.Message) (inbox.Admission, error) {
	a, err := h.agent(agentID)
	if err != nil {
		return inbox.Admission{}, err
	}
	return h.enqueue(ctx, a, h.normalize(msg))
}

// Broadcast delivers a channel stimulus to every agent subscribed to
// channelID. All copies share one stimulus ID, so the subscribers compete
// for it through the arbiter. The result maps agent ID to admission.
func (h *Hub) Broadcast(ctx context.Context, channelID string, msg model.Message) (map[string]inbox.Admission, error) {
	if channelID == "" {
		return nil, fmt.Errorf("%w: broadcast needs a channel", model.ErrInvalidMessage)
	}
	msg.ChannelID = channelID
	msg = h.normalize(msg)
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	h.mu.RLock()
	var targets []*Agent
	for _, id := range h.channels[channelID] {
		targets = append(targets, h.agents[id])
	}
	h.mu.RUnlock()

	out := make(map[string]inbox.Admission, len(targets))
	var errs []error
	for _, a := range targets {
		adm, err := h.enqueue(ctx, a, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.ID, err))
			continue
		}
		out[a.ID] = adm
	}
	return out, errors.Join(errs...)
}

func (h *Hub) normalize(msg model.Message) model.Message {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = h.clock.Now()
	}
	if msg.ID == "" {
		fresh := model.NewMessage(msg.SourceID, msg.ChannelID, msg.Domain, msg.Priority, msg.Payload, msg.CreatedAt, 0)
		msg.ID = fresh.ID
	}
	if msg.DedupeKey == "" {
		msg.DedupeKey = model.Fingerprint(msg.SourceID, msg.ChannelID, msg.Payload)
	}
	return msg
}

func (h *Hub) enqueue(ctx context.Context, a *Agent, msg model.Message) (inbox.Admission, error) {
	adm, err := a.inbox.Enqueue(ctx, msg)
	if err != nil {
		metrics.Enqueued.WithLabelValues(a.ID, "invalid").Inc()
		return adm, err
	}
	metrics.Enqueued.WithLabelValues(a.ID, string(adm.Outcome)).Inc()
	metrics.QueueDepth.WithLabelValues(a.ID).Set(float64(a.inbox.Len()))

	log := h.logger.With(zap.String("agent", a.ID), zap.String("message", msg.ID))
	switch adm.Outcome {
	case inbox.OutcomeEvicted:
		log.Debug("evicted for higher priority", zap.String("evicted", adm.Evicted.ID))
	case inbox.OutcomeShed, inbox.OutcomeDuplicate, inbox.OutcomeRateLimited:
		log.Debug("not admitted", zap.String("outcome", string(adm.Outcome)), zap.String("reason", adm.Reason))
	}
	return adm, nil
}

// UpdatePolicy validates p and applies it to every agent.
func (h *Hub) UpdatePolicy(p persona.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	h.cfg.Policy = p
	agents := make([]*Agent, 0, len(h.agents))
	for _, a := range h.agents {
		agents = append(agents, a)
	}
	h.mu.Unlock()

	for _, a := range agents {
		a.state.SetPolicy(p)
	}
	h.logger.Info("policy updated", zap.Int("agents", len(agents)))
	return nil
}

// Agents returns a snapshot of every agent ordered by ID.
func (h *Hub) Agents() []AgentView {
	h.mu.RLock()
	agents := make([]*Agent, 0, len(h.agents))
	for _, a := range h.agents {
		agents = append(agents, a)
	}
	h.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	out := make([]AgentView, len(agents))
	for i, a := range agents {
		out[i] = a.view(0)
	}
	return out
}

// Agent returns a snapshot of one agent including up to pending of its
// top queued messages.
func (h *Hub) Agent(id string, pending int) (AgentView, error) {
	a, err := h.agent(id)
	if err != nil {
		return AgentView{}, err
	}
	return a.view(pending), nil
}

// Run starts every agent loop, the arbiter janitor and the housekeeping
// ticker. It blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrRunning
	}
	h.running = true
	loops := make([]*scheduler.Loop, 0, len(h.agents))
	for _, a := range h.agents {
		loops = append(loops, a.loop)
	}
	h.mu.Unlock()

	h.logger.Info("hub running", zap.Int("agents", len(loops)))
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range loops {
		g.Go(func() error { return l.Run(gctx) })
	}
	g.Go(func() error { return h.arb.Run(gctx) })
	if h.cfg.PurgeInterval > 0 {
		g.Go(func() error { return h.housekeep(gctx) })
	}
	err := g.Wait()
	h.logger.Info("hub stopped")
	return err
}

// housekeep sweeps in-memory admitters and, with a ledger, purges settled
// claims every PurgeInterval.
func (h *Hub) housekeep(ctx context.Context) error {
	t := h.clock.NewTicker(h.cfg.PurgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			if n := h.sweep(); n > 0 {
				h.logger.Debug("swept dedupe entries", zap.Int("count", n))
			}
			if h.ledger == nil {
				continue
			}
			n, err := h.ledger.Purge(ctx, h.arb.Config().Retention)
			if err != nil {
				h.logger.Warn("purge claims", zap.Error(err))
				continue
			}
			if n > 0 {
				h.logger.Debug("purged claims", zap.Int64("count", n))
			}
		}
	}
}

func (h *Hub) sweep() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, a := range h.agents {
		if s, ok := a.admitter.(ratelimit.Sweeper); ok {
			n += s.Sweep()
		}
	}
	return n
}
