package executor

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/daviddao/persona/pkg/model"
)

// ErrSimulatedFailure is the error Simulated returns for injected failures.
var ErrSimulatedFailure = errors.New("simulated failure")

// SimConfig shapes the simulated workload.
type SimConfig struct {
	MinLatency  time.Duration `yaml:"min_latency"`
	MaxLatency  time.Duration `yaml:"max_latency"`
	FailureRate float64       `yaml:"failure_rate"`
	// HangRate is the fraction of calls that never return until ctx ends,
	// like a stuck LLM request.
	HangRate float64 `yaml:"hang_rate"`
	Seed     uint64  `yaml:"seed"`
}

// Simulated is an Executor that sleeps for a random latency and fails at
// a configured rate. Complexity is the message priority.
type Simulated struct {
	cfg   SimConfig
	clock clockwork.Clock

	mu  sync.Mutex
	rng *rand.Rand

	calls    atomic.Int64
	failures atomic.Int64
}

// NewSimulated creates a simulated executor. A nil clock uses real time.
func NewSimulated(cfg SimConfig, clk clockwork.Clock) *Simulated {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	return &Simulated{
		cfg:   cfg,
		clock: clk,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

func (s *Simulated) roll() (latency time.Duration, fail, hang bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latency = s.cfg.MinLatency
	if spread := s.cfg.MaxLatency - s.cfg.MinLatency; spread > 0 {
		latency += time.Duration(s.rng.Int64N(int64(spread)))
	}
	fail = s.rng.Float64() < s.cfg.FailureRate
	hang = s.rng.Float64() < s.cfg.HangRate
	return latency, fail, hang
}

// Execute implements Executor.
func (s *Simulated) Execute(ctx context.Context, msg model.Message) (Result, error) {
	s.calls.Add(1)
	latency, fail, hang := s.roll()

	if hang {
		<-ctx.Done()
		s.failures.Add(1)
		return Result{}, ctx.Err()
	}
	if latency > 0 {
		select {
		case <-s.clock.After(latency):
		case <-ctx.Done():
			s.failures.Add(1)
			return Result{}, ctx.Err()
		}
	}
	if fail {
		s.failures.Add(1)
		return Result{}, ErrSimulatedFailure
	}
	return Result{Complexity: msg.Priority}, nil
}

// Calls returns how many times Execute was invoked.
func (s *Simulated) Calls() int64 { return s.calls.Load() }

// Failures returns how many calls failed, including hangs and cancellations.
func (s *Simulated) Failures() int64 { return s.failures.Load() }
