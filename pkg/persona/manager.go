package persona

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/daviddao/persona/pkg/model"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger used for mood transitions.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithInitialState seeds energy and attention, for restoring an agent from
// a snapshot. Values are clamped to [0,1].
func WithInitialState(energy, attention float64) Option {
	return func(m *Manager) {
		m.state.Energy = clamp01(energy)
		m.state.Attention = clamp01(attention)
	}
}

type shedMark struct {
	at time.Time
	n  int
}

// Manager owns the PersonaState of one agent. The agent's loop is its only
// writer; Snapshot and the read accessors may be called from anywhere.
type Manager struct {
	mu     sync.RWMutex
	policy Policy
	clock  clockwork.Clock
	logger *zap.Logger
	state  model.PersonaState
	sheds  []shedMark
}

// NewManager creates a Manager at full energy and attention.
func NewManager(policy Policy, opts ...Option) *Manager {
	m := &Manager{
		policy: policy,
		clock:  clockwork.NewRealClock(),
		state:  model.PersonaState{Energy: 1, Attention: 1},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.state.Mood = ComputeMood(m.policy, m.state.Energy, 0, 0)
	return m
}

// refresh recomputes the mood. Caller holds mu.
func (m *Manager) refresh() {
	mood := ComputeMood(m.policy, m.state.Energy, m.state.QueueDepth, m.state.OverwhelmCount)
	if mood != m.state.Mood {
		m.logger.Debug("mood changed",
			zap.String("from", string(m.state.Mood)),
			zap.String("to", string(mood)),
			zap.Float64("energy", m.state.Energy),
			zap.Int("queue_depth", m.state.QueueDepth),
			zap.Int("overwhelm", m.state.OverwhelmCount))
	}
	m.state.Mood = mood
}

// Observe feeds the current inbox depth and the number of sheds since the
// previous call into the mood inputs.
func (m *Manager) Observe(queueDepth, sheds int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sheds > 0 {
		m.sheds = append(m.sheds, shedMark{at: now, n: sheds})
	}
	cutoff := now.Add(-m.policy.OverwhelmWindow)
	i := 0
	for i < len(m.sheds) && m.sheds[i].at.Before(cutoff) {
		i++
	}
	m.sheds = m.sheds[i:]

	count := 0
	for _, s := range m.sheds {
		count += s.n
	}
	m.state.QueueDepth = queueDepth
	m.state.OverwhelmCount = count
	m.refresh()
}

// ShouldEngage applies Engage to the current mood and energy.
func (m *Manager) ShouldEngage(priority float64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Engage(m.policy, m.state.Mood, m.state.Energy, priority)
}

// ShouldTriage applies Triage to the current mood and energy.
func (m *Manager) ShouldTriage() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Triage(m.policy, m.state.Mood, m.state.Energy)
}

// Cadence returns the loop's sleep for the current mood.
func (m *Manager) Cadence() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return CadenceFor(m.policy, m.state.Mood)
}

// RecordActivity charges the cost of work that took d at the given
// complexity in [0,1]. Failed and timed-out work is charged for the time it
// actually consumed.
func (m *Manager) RecordActivity(d time.Duration, complexity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if math.IsNaN(complexity) {
		complexity = 0
	}
	complexity = clamp01(complexity)
	secs := math.Max(d.Seconds(), 0)
	dp := m.policy.Depletion
	scale := 1 + dp.ComplexityWeight*complexity

	m.state.Energy = clamp01(m.state.Energy - (dp.Base + dp.PerSecond*secs*scale))
	m.state.Attention = clamp01(m.state.Attention - dp.AttentionPerSecond*secs*scale)
	m.state.LastActivityAt = m.clock.Now()
	m.refresh()
}

// Rest replenishes energy and attention for idle time. It returns the
// energy gained.
func (m *Manager) Rest(idle time.Duration) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.LastRestAt = m.clock.Now()
	if idle <= 0 {
		return 0
	}
	secs := idle.Seconds()
	before := m.state.Energy
	m.state.Energy = clamp01(before + m.policy.RecoveryRate*secs)
	m.state.Attention = clamp01(m.state.Attention + m.policy.AttentionRecoveryRate*secs)
	m.refresh()
	return m.state.Energy - before
}

// SetPolicy replaces the policy, typically on config reload. The mood is
// recomputed immediately.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
	m.refresh()
}

// Policy returns the active policy.
func (m *Manager) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// Mood returns the current mood.
func (m *Manager) Mood() model.Mood {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Mood
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() model.PersonaState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}
