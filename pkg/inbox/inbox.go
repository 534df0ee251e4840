// Package inbox implements the bounded priority inbox owned by one persona.
//
// Messages are kept in preference order: highest priority first, ties broken
// by earliest CreatedAt, then by ID so that a fixed snapshot always yields the
// same selection. When the inbox is full a newcomer only gets in by
// displacing the least-preferred resident, and only if it strictly outranks
// it; otherwise the newcomer is shed. Either way the outcome is reported, not
// raised as an error: shedding is how a persona degrades under load.
//
// An inbox is never shared between personas. Its mutex exists because
// submissions arrive from transport goroutines while the persona's own loop
// peeks and dequeues.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/daviddao/persona/pkg/model"
	"github.com/daviddao/persona/pkg/ratelimit"
)

// ErrNotFound is returned when an operation names a message that is not
// resident.
var ErrNotFound = errors.New("message not in inbox")

// Outcome classifies the result of an Enqueue.
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeEvicted     Outcome = "evicted"
	OutcomeShed        Outcome = "shed"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeRateLimited Outcome = "rate_limited"
)

// Admitted reports whether the message is now resident.
func (o Outcome) Admitted() bool {
	return o == OutcomeAccepted || o == OutcomeEvicted
}

// Admission is the result of an Enqueue. Evicted is set only for
// OutcomeEvicted.
type Admission struct {
	Outcome Outcome        `json:"outcome"`
	Reason  string         `json:"reason,omitempty"`
	Evicted *model.Message `json:"evicted,omitempty"`
}

// Entry is a resident message plus its delivery bookkeeping.
type Entry struct {
	Message  model.Message
	Attempts int
}

// Stats counts enqueue outcomes over the inbox lifetime.
type Stats struct {
	Depth       int   `json:"depth"`
	Capacity    int   `json:"capacity"`
	Accepted    int64 `json:"accepted"`
	Evicted     int64 `json:"evicted"`
	Shed        int64 `json:"shed"`
	Duplicates  int64 `json:"duplicates"`
	RateLimited int64 `json:"rate_limited"`
	Expired     int64 `json:"expired"`
}

// Config sizes an inbox.
type Config struct {
	Capacity     int
	DedupeWindow time.Duration
}

// Inbox is a bounded max-priority queue.
type Inbox struct {
	mu       sync.Mutex
	cfg      Config
	admitter ratelimit.Admitter
	entries  []*Entry // preference order, best first
	stats    Stats
}

// New creates an inbox. A nil admitter disables admission filtering apart
// from the resident-ID check.
func New(cfg Config, admitter ratelimit.Admitter) *Inbox {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	return &Inbox{
		cfg:      cfg,
		admitter: admitter,
		entries:  make([]*Entry, 0, cfg.Capacity),
		stats:    Stats{Capacity: cfg.Capacity},
	}
}

// before reports whether a is preferred over b.
func before(a, b model.Message) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func compare(a, b *Entry) int {
	switch {
	case before(a.Message, b.Message):
		return -1
	case before(b.Message, a.Message):
		return 1
	default:
		return 0
	}
}

// Enqueue validates msg, runs it through the admitter and inserts it.
// Validation failures return an error wrapping model.ErrInvalidMessage;
// every other rejection is an Admission outcome.
func (q *Inbox) Enqueue(ctx context.Context, msg model.Message) (Admission, error) {
	if msg.DedupeKey == "" {
		msg.DedupeKey = model.Fingerprint(msg.SourceID, msg.ChannelID, msg.Payload)
	}
	if err := msg.Validate(); err != nil {
		return Admission{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.indexOf(msg.ID) >= 0 {
		q.stats.Duplicates++
		return Admission{Outcome: OutcomeDuplicate, Reason: "already queued"}, nil
	}

	// Shedding is decided before the admitter runs so that a shed message
	// leaves no dedupe record and spends no token.
	full := len(q.entries) >= q.cfg.Capacity
	if full {
		worst := q.entries[len(q.entries)-1].Message
		if msg.Priority <= worst.Priority {
			q.stats.Shed++
			return Admission{
				Outcome: OutcomeShed,
				Reason:  fmt.Sprintf("inbox full, priority %.2f does not exceed minimum %.2f", msg.Priority, worst.Priority),
			}, nil
		}
	}

	if q.admitter != nil {
		d := q.admitter.Admit(ctx, msg.SourceID, msg.DedupeKey, q.cfg.DedupeWindow)
		if !d.Allowed {
			if d.Reason == ratelimit.ReasonRateLimited {
				q.stats.RateLimited++
				return Admission{Outcome: OutcomeRateLimited, Reason: string(d.Reason)}, nil
			}
			q.stats.Duplicates++
			return Admission{Outcome: OutcomeDuplicate, Reason: string(d.Reason)}, nil
		}
	}

	adm := Admission{Outcome: OutcomeAccepted}
	if full {
		worst := q.entries[len(q.entries)-1].Message
		q.entries = q.entries[:len(q.entries)-1]
		q.stats.Evicted++
		adm = Admission{Outcome: OutcomeEvicted, Evicted: &worst}
	}

	e := &Entry{Message: msg}
	i, _ := slices.BinarySearchFunc(q.entries, e, compare)
	q.entries = slices.Insert(q.entries, i, e)
	q.stats.Accepted++
	return adm, nil
}

// Peek returns copies of the top k entries in preference order without
// removing them. k <= 0 returns every entry.
func (q *Inbox) Peek(k int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if k <= 0 || k > len(q.entries) {
		k = len(q.entries)
	}
	out := make([]Entry, k)
	for i := 0; i < k; i++ {
		out[i] = *q.entries[i]
	}
	return out
}

// Dequeue removes the message with the given ID.
func (q *Inbox) Dequeue(id string) (model.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return model.Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	msg := q.entries[i].Message
	q.entries = slices.Delete(q.entries, i, i+1)
	return msg, nil
}

// Fail records a failed delivery attempt and returns the new attempt count.
func (q *Inbox) Fail(id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	q.entries[i].Attempts++
	return q.entries[i].Attempts, nil
}

// Expire removes every message whose ExpiresAt is at or before now and
// returns them.
func (q *Inbox) Expire(now time.Time) []model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []model.Message
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.Message.Expired(now) {
			expired = append(expired, e.Message)
			continue
		}
		kept = append(kept, e)
	}
	clear(q.entries[len(kept):])
	q.entries = kept
	q.stats.Expired += int64(len(expired))
	return expired
}

// Len returns the number of resident messages.
func (q *Inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats returns a snapshot of the inbox counters.
func (q *Inbox) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = len(q.entries)
	return s
}

func (q *Inbox) indexOf(id string) int {
	for i, e := range q.entries {
		if e.Message.ID == id {
			return i
		}
	}
	return -1
}
