// Package ratelimit is the admission pre-filter in front of every persona
// inbox. It rejects a stimulus before it can touch the queue when the same
// source already sent the same content within the dedupe window, or when the
// source is sending faster than its token bucket allows.
//
// Duplicates are checked first and never consume a token, so a noisy source
// repeating itself does not starve its own legitimate traffic.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Reason explains a denied admission.
type Reason string

const (
	ReasonDuplicate   Reason = "duplicate"
	ReasonRateLimited Reason = "rate_limited"
)

// Decision is the result of one admission check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

var allowed = Decision{Allowed: true}

// Admitter decides whether a stimulus may enter an inbox.
type Admitter interface {
	Admit(ctx context.Context, sourceID, contentHash string, window time.Duration) Decision
}

// Sweeper is implemented by admitters that hold dedupe state in process
// memory and must be pruned periodically.
type Sweeper interface {
	Sweep() int
}

// Config sizes the per-source token bucket. PerSecond <= 0 disables rate
// limiting and leaves only deduplication.
type Config struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source. Tests pass a fake clock.
func WithClock(c clockwork.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// Limiter is the in-memory Admitter. One instance belongs to one inbox.
// It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	clock   clockwork.Clock
	buckets map[string]*rate.Limiter
	seen    map[string]map[string]time.Time // source -> hash -> dedupe expiry
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	l := &Limiter{
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		buckets: make(map[string]*rate.Limiter),
		seen:    make(map[string]map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit implements Admitter. A window <= 0 disables deduplication for the
// call.
func (l *Limiter) Admit(_ context.Context, sourceID, contentHash string, window time.Duration) Decision {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	hashes := l.seen[sourceID]
	if window > 0 && hashes != nil {
		if until, ok := hashes[contentHash]; ok && now.Before(until) {
			return Decision{Reason: ReasonDuplicate}
		}
	}

	if l.cfg.PerSecond > 0 {
		b, ok := l.buckets[sourceID]
		if !ok {
			b = rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst)
			l.buckets[sourceID] = b
		}
		if !b.AllowN(now, 1) {
			return Decision{Reason: ReasonRateLimited}
		}
	}

	if window > 0 {
		if hashes == nil {
			hashes = make(map[string]time.Time)
			l.seen[sourceID] = hashes
		}
		hashes[contentHash] = now.Add(window)
	}
	return allowed
}

// Sweep drops dedupe entries whose window has passed and buckets that have
// refilled completely. Returns the number of dedupe entries removed.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for src, hashes := range l.seen {
		for h, until := range hashes {
			if !now.Before(until) {
				delete(hashes, h)
				removed++
			}
		}
		if len(hashes) == 0 {
			delete(l.seen, src)
		}
	}
	for src, b := range l.buckets {
		if b.TokensAt(now) >= float64(l.cfg.Burst) {
			delete(l.buckets, src)
		}
	}
	return removed
}

// Tracked returns the number of live dedupe entries.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, hashes := range l.seen {
		n += len(hashes)
	}
	return n
}
