// Package clock provides the logical clock that orders claim proposals.
//
// Every proposal, heartbeat and release recorded by the arbiter carries a
// Lamport stamp. Local events advance the counter by one; stamps observed
// from the journal or a shared lease backend pull it forward so that a
// restarted or remote arbiter never issues a stamp that sorts before one it
// has already seen. Equal stamps are ordered by agent ID, so all agents agree
// on the earliest proposer without talking to each other.
package clock

import "sync/atomic"

// Clock is a Lamport counter safe for concurrent use. The zero value is
// ready and starts at 0.
type Clock struct {
	ts atomic.Int64
}

// Tick advances the clock for a local event and returns the new stamp.
func (c *Clock) Tick() int64 {
	return c.ts.Add(1)
}

// Receive merges a stamp seen elsewhere: the clock moves to
// max(current, seen) + 1 and the new value is returned.
func (c *Clock) Receive(seen int64) int64 {
	for {
		cur := c.ts.Load()
		next := max(cur, seen) + 1
		if c.ts.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Value reports the last issued stamp.
func (c *Clock) Value() int64 {
	return c.ts.Load()
}

// Set seeds the clock, typically with the journal's highest stamp at start.
func (c *Clock) Set(v int64) {
	c.ts.Store(v)
}

// Stamp identifies a proposal in the total order.
type Stamp struct {
	TS      int64  `json:"lamport_ts"`
	AgentID string `json:"agent_id"`
}

// Before reports whether s precedes o: lower stamp first, agent ID breaks ties.
func (s Stamp) Before(o Stamp) bool {
	if s.TS != o.TS {
		return s.TS < o.TS
	}
	return s.AgentID < o.AgentID
}
