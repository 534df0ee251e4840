package model

import "time"

// ClaimState is the arbitration state of one (channel, stimulus) key.
type ClaimState string

const (
	ClaimOpen     ClaimState = "open"
	ClaimClaimed  ClaimState = "claimed"
	ClaimResolved ClaimState = "resolved"
	ClaimExpired  ClaimState = "expired"
)

// Settled reports whether no further transition can happen in this round.
func (s ClaimState) Settled() bool {
	return s == ClaimResolved || s == ClaimExpired
}

// ClaimKey identifies a stimulus on a shared channel.
type ClaimKey struct {
	ChannelID  string `json:"channel_id"`
	StimulusID string `json:"stimulus_id"`
}

func (k ClaimKey) String() string { return k.ChannelID + "/" + k.StimulusID }

// Claim is a lease on a stimulus. The holder alone may respond to it until
// it completes the claim or ExpiresAt passes.
type Claim struct {
	Key        ClaimKey      `json:"key"`
	State      ClaimState    `json:"state"`
	HolderID   string        `json:"holder_id,omitempty"`
	Token      string        `json:"token,omitempty"`
	LamportTS  int64         `json:"lamport_ts"`
	Score      float64       `json:"score"`
	AcquiredAt time.Time     `json:"acquired_at,omitzero"`
	TTL        time.Duration `json:"ttl"`
	ExpiresAt  time.Time     `json:"expires_at,omitzero"`
}

// Live reports whether the claim is held and not yet past its TTL at now.
func (c Claim) Live(now time.Time) bool {
	return c.State == ClaimClaimed && now.Before(c.ExpiresAt)
}

// EventKind enumerates the entries of the claim journal.
type EventKind string

const (
	EventRegister  EventKind = "register"
	EventPropose   EventKind = "propose"
	EventClaim     EventKind = "claim"
	EventYield     EventKind = "yield"
	EventHeartbeat EventKind = "heartbeat"
	EventComplete  EventKind = "complete"
	EventExpire    EventKind = "expire"
	EventPoison    EventKind = "poison"
)

// Event is a single entry in the append-only claim journal.
type Event struct {
	ID         int64     `json:"id"`
	AgentID    string    `json:"agent_id"`
	LamportTS  int64     `json:"lamport_ts"`
	Kind       EventKind `json:"kind"`
	ChannelID  string    `json:"channel_id,omitempty"`
	StimulusID string    `json:"stimulus_id,omitempty"`
	Body       string    `json:"body,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
