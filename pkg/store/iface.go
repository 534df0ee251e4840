package store

import (
	"context"
	"time"

	"github.com/daviddao/persona/pkg/arbiter"
	"github.com/daviddao/persona/pkg/model"
)

// Ledger is the full set of store operations. The cmd layer and the hub
// depend on it rather than on *Store so tests can substitute their own.
type Ledger interface {
	arbiter.Leases
	arbiter.Journal

	Close() error

	// --- Agents ---

	RegisterAgent(ctx context.Context, id string) (*model.Agent, error)
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	UpdateAgentState(ctx context.Context, id string, clk int64, st model.PersonaState) error
	ListAgents(ctx context.Context) ([]model.Agent, error)

	// --- Journal ---

	InsertEvent(ctx context.Context, e *model.Event) (int64, error)
	ListEvents(ctx context.Context, sinceTS int64, limit int) ([]model.Event, error)
	ListEventsSinceID(ctx context.Context, sinceID int64, limit int) ([]model.Event, error)
	ListEventsForKey(ctx context.Context, key model.ClaimKey) ([]model.Event, error)
	MaxLamport(ctx context.Context) (int64, error)
	MaxEventID(ctx context.Context) int64
	CountEvents(ctx context.Context) int64

	// --- Claims ---

	GetClaim(ctx context.Context, key model.ClaimKey) (model.Claim, error)
	ListClaims(ctx context.Context) ([]model.Claim, error)
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

var _ Ledger = (*Store)(nil)
