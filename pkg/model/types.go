// Package model defines the core domain types for persona.
//
// Persona schedules autonomous agents that share chat channels. Three ideas
// shape the types in this package:
//
//   - A Message is one unit of pending work. It is immutable once it has been
//     enqueued: the inbox, the scheduler and the arbiter only ever read it.
//     Its payload is opaque to the core and tagged by Domain so that the
//     transport and the executor can interpret it without the scheduler
//     knowing its shape.
//
//   - PersonaState is the duty-cycle budget of one agent. Energy depletes
//     with work and recovers with rest; Mood is derived from it and is never
//     assigned directly.
//
//   - A Claim is a time-bounded lease on one stimulus of a shared channel.
//     Exactly one agent holds it per arbitration round, and every claim
//     expires on its own if the holder goes quiet.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
)

// Domain tags the kind of work a message carries. The set is open: the
// constants below are the domains the bundled transports produce.
type Domain string

const (
	DomainChat    Domain = "chat"
	DomainTask    Domain = "task"
	DomainTool    Domain = "tool"
	DomainMention Domain = "mention"
	DomainSystem  Domain = "system"
)

// Message is one unit of pending work for a persona.
type Message struct {
	ID        string          `json:"id"`
	SourceID  string          `json:"source_id"`
	ChannelID string          `json:"channel_id,omitempty"`
	Domain    Domain          `json:"domain"`
	Priority  float64         `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
	DedupeKey string          `json:"dedupe_key"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
}

// NewMessage builds a message with a fresh ULID and a dedupe key derived
// from the source, channel and payload. ttl <= 0 means the message never
// expires.
func NewMessage(sourceID, channelID string, domain Domain, priority float64, payload json.RawMessage, now time.Time, ttl time.Duration) Message {
	m := Message{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		SourceID:  sourceID,
		ChannelID: channelID,
		Domain:    domain,
		Priority:  priority,
		CreatedAt: now,
		DedupeKey: Fingerprint(sourceID, channelID, payload),
		Payload:   payload,
	}
	if ttl > 0 {
		m.ExpiresAt = now.Add(ttl)
	}
	return m
}

// Fingerprint returns the dedupe key for a (source, channel, content) triple.
// Two submissions with the same fingerprint inside the dedupe window are
// duplicates.
func Fingerprint(sourceID, channelID string, content []byte) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(channelID))
	h.Write([]byte{0})
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Scoped reports whether the message belongs to a shared channel and must
// therefore be arbitrated before an agent responds to it.
func (m Message) Scoped() bool { return m.ChannelID != "" }

// Expired reports whether the message is past its ExpiresAt at now.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// StimulusID identifies the stimulus a channel-scoped message refers to.
// Every copy of a broadcast carries the same ID, so the ID is the
// arbitration key. Repeated content under a new ID is a new stimulus.
func (m Message) StimulusID() string { return m.ID }

// Validate checks the invariants every enqueued message must satisfy.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if m.SourceID == "" {
		return fmt.Errorf("%w: message %s: missing source", ErrInvalidMessage, m.ID)
	}
	if m.Domain == "" {
		return fmt.Errorf("%w: message %s: missing domain", ErrInvalidMessage, m.ID)
	}
	if !ValidPriority(m.Priority) {
		return fmt.Errorf("%w: message %s: priority %v outside [0,1]", ErrInvalidMessage, m.ID, m.Priority)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: message %s: missing created_at", ErrInvalidMessage, m.ID)
	}
	return nil
}

// ValidPriority reports whether p is a finite value in [0,1].
func ValidPriority(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 1
}

// Agent is a registered persona as recorded in the ledger.
type Agent struct {
	ID         string    `json:"id"`
	Clock      int64     `json:"clock"`
	Energy     float64   `json:"energy"`
	Mood       Mood      `json:"mood"`
	QueueDepth int       `json:"queue_depth"`
	Registered time.Time `json:"registered_at"`
	LastSeen   time.Time `json:"last_seen_at"`
}
