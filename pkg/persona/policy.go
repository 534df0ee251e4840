// Package persona implements the energy/mood duty-cycle model of one agent.
//
// Energy depletes with work and recovers with rest. Mood is derived from
// energy, inbox depth and recent overwhelm, and drives two things: which
// priorities the agent is willing to engage with, and how long its loop
// sleeps between ticks. The derivation and the engagement gate are pure
// functions of a Policy so they can be tested and reasoned about in
// isolation; Manager holds the mutable state around them.
package persona

import (
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/persona/pkg/model"
)

// MoodPolicy is the engagement rule and loop cadence for one mood.
type MoodPolicy struct {
	// Threshold is the priority a message must strictly exceed.
	Threshold float64 `yaml:"threshold"`
	// MinEnergy, when positive, is an energy level that must also be
	// strictly exceeded.
	MinEnergy float64       `yaml:"min_energy"`
	Cadence   time.Duration `yaml:"cadence"`
}

// MoodTable holds one MoodPolicy per mood.
type MoodTable struct {
	Idle        MoodPolicy `yaml:"idle"`
	Active      MoodPolicy `yaml:"active"`
	Tired       MoodPolicy `yaml:"tired"`
	Overwhelmed MoodPolicy `yaml:"overwhelmed"`
}

// For returns the policy for m. Unknown moods get the overwhelmed policy,
// the most conservative one.
func (t MoodTable) For(m model.Mood) MoodPolicy {
	switch m {
	case model.MoodIdle:
		return t.Idle
	case model.MoodActive:
		return t.Active
	case model.MoodTired:
		return t.Tired
	default:
		return t.Overwhelmed
	}
}

// Depletion parameterises the cost of work:
//
//	energy    -= Base + PerSecond × seconds × (1 + ComplexityWeight × complexity)
//	attention -= AttentionPerSecond × seconds × (1 + ComplexityWeight × complexity)
type Depletion struct {
	Base               float64 `yaml:"base"`
	PerSecond          float64 `yaml:"per_second"`
	ComplexityWeight   float64 `yaml:"complexity_weight"`
	AttentionPerSecond float64 `yaml:"attention_per_second"`
}

// Policy is the complete, injectable configuration of the duty-cycle model.
type Policy struct {
	Moods MoodTable `yaml:"moods"`

	// Mood boundaries.
	IdleEnergy        float64 `yaml:"idle_energy"`
	ActiveEnergy      float64 `yaml:"active_energy"`
	OverwhelmedEnergy float64 `yaml:"overwhelmed_energy"`
	HighWater         int     `yaml:"high_water"`

	// OverwhelmLimit sheds within OverwhelmWindow force the overwhelmed mood.
	// Zero disables the check.
	OverwhelmLimit  int           `yaml:"overwhelm_limit"`
	OverwhelmWindow time.Duration `yaml:"overwhelm_window"`

	// UrgentPriority is the no-starvation floor: anything strictly above it
	// is eligible in every mood.
	UrgentPriority float64 `yaml:"urgent_priority"`

	// RecoveryRate is energy regained per second of idle time.
	RecoveryRate          float64   `yaml:"recovery_rate"`
	AttentionRecoveryRate float64   `yaml:"attention_recovery_rate"`
	Depletion             Depletion `yaml:"depletion"`
}

// DefaultPolicy returns the illustrative defaults.
func DefaultPolicy() Policy {
	return Policy{
		Moods: MoodTable{
			Idle:        MoodPolicy{Threshold: 0.1, Cadence: 3 * time.Second},
			Active:      MoodPolicy{Threshold: 0.3, Cadence: 5 * time.Second},
			Tired:       MoodPolicy{Threshold: 0.5, MinEnergy: 0.2, Cadence: 7 * time.Second},
			Overwhelmed: MoodPolicy{Threshold: 0.9, Cadence: 10 * time.Second},
		},
		IdleEnergy:            0.7,
		ActiveEnergy:          0.4,
		OverwhelmedEnergy:     0.15,
		HighWater:             24,
		OverwhelmLimit:        3,
		OverwhelmWindow:       time.Minute,
		UrgentPriority:        0.9,
		RecoveryRate:          0.02,
		AttentionRecoveryRate: 0.05,
		Depletion: Depletion{
			Base:               0.02,
			PerSecond:          0.01,
			ComplexityWeight:   1,
			AttentionPerSecond: 0.02,
		},
	}
}

// Validate checks that every fraction lies in [0,1], that the energy
// boundaries are ordered and that every cadence is positive.
func (p Policy) Validate() error {
	var errs []error
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %v outside [0,1]", name, v))
		}
	}
	for _, m := range model.Moods() {
		mp := p.Moods.For(m)
		unit(string(m)+".threshold", mp.Threshold)
		unit(string(m)+".min_energy", mp.MinEnergy)
		if mp.Cadence <= 0 {
			errs = append(errs, fmt.Errorf("%s.cadence must be positive", m))
		}
	}
	unit("idle_energy", p.IdleEnergy)
	unit("active_energy", p.ActiveEnergy)
	unit("overwhelmed_energy", p.OverwhelmedEnergy)
	unit("urgent_priority", p.UrgentPriority)
	if !(p.OverwhelmedEnergy <= p.ActiveEnergy && p.ActiveEnergy <= p.IdleEnergy) {
		errs = append(errs, fmt.Errorf("energy boundaries must satisfy overwhelmed <= active <= idle"))
	}
	if p.HighWater < 0 || p.OverwhelmLimit < 0 {
		errs = append(errs, fmt.Errorf("high_water and overwhelm_limit must not be negative"))
	}
	if p.OverwhelmLimit > 0 && p.OverwhelmWindow <= 0 {
		errs = append(errs, fmt.Errorf("overwhelm_window must be positive when overwhelm_limit is set"))
	}
	if p.RecoveryRate <= 0 {
		errs = append(errs, fmt.Errorf("recovery_rate must be positive"))
	}
	if p.AttentionRecoveryRate < 0 {
		errs = append(errs, fmt.Errorf("attention_recovery_rate must not be negative"))
	}
	d := p.Depletion
	if d.Base < 0 || d.PerSecond < 0 || d.ComplexityWeight < 0 || d.AttentionPerSecond < 0 {
		errs = append(errs, fmt.Errorf("depletion parameters must not be negative"))
	}
	return errors.Join(errs...)
}

// ComputeMood derives the mood from its inputs. It is pure.
func ComputeMood(p Policy, energy float64, queueDepth, overwhelmCount int) model.Mood {
	switch {
	case energy <= p.OverwhelmedEnergy,
		p.HighWater > 0 && queueDepth > p.HighWater,
		p.OverwhelmLimit > 0 && overwhelmCount >= p.OverwhelmLimit:
		return model.MoodOverwhelmed
	case energy > p.IdleEnergy && queueDepth == 0:
		return model.MoodIdle
	case energy > p.ActiveEnergy:
		return model.MoodActive
	default:
		return model.MoodTired
	}
}

// Engage reports whether an agent in the given mood and energy should take
// on work of the given priority. It is pure.
func Engage(p Policy, mood model.Mood, energy, priority float64) bool {
	if priority > p.UrgentPriority {
		return true
	}
	mp := p.Moods.For(mood)
	if mp.MinEnergy > 0 && energy <= mp.MinEnergy {
		return false
	}
	return priority > mp.Threshold
}

// Triage reports whether an agent that is overwhelmed by backlog or sheds,
// but not by exhaustion, may still take its single top candidate. Without it
// a deep queue keeps the mood overwhelmed and nothing ever drains. It is pure.
func Triage(p Policy, mood model.Mood, energy float64) bool {
	return mood == model.MoodOverwhelmed &&
		energy > p.OverwhelmedEnergy &&
		energy > p.Moods.Overwhelmed.MinEnergy
}

// CadenceFor returns how long the loop sleeps between ticks in mood m.
func CadenceFor(p Policy, m model.Mood) time.Duration {
	return p.Moods.For(m).Cadence
}

// Confidence is the default relevance score an agent proposes for a
// channel stimulus: the message priority, discounted when attention is low.
func Confidence(msg model.Message, st model.PersonaState) float64 {
	return clamp01(msg.Priority * (0.5 + 0.5*st.Attention))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
