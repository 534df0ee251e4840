// Package store persists the coordination ledger in SQLite.
//
// Arbiters running in separate server processes share one database file in
// WAL mode. The claims table is the authoritative per-key critical section
// for them: a lease is granted inside a write transaction, so two processes
// can never both hold a live lease on the same stimulus. The events table is
// the Lamport-stamped journal of every claim transition, and the agents
// table is a registry of the personas each process runs, refreshed with
// their latest energy and mood.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/daviddao/persona/pkg/arbiter"
	"github.com/daviddao/persona/pkg/model"

	_ "modernc.org/sqlite"
)

// ErrLeaseHeld is returned by Acquire and Renew when another holder owns a
// live lease on the key or the key is already resolved.
var ErrLeaseHeld = arbiter.ErrLeaseHeld

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used to judge lease liveness. It must be
// the arbiter's clock.
func WithClock(c clockwork.Clock) Option { return func(s *Store) { s.clock = c } }

// Store is the SQLite ledger. It implements arbiter.Leases and
// arbiter.Journal.
type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// New opens (or creates) the ledger at path and migrates the schema.
func New(path string, opts ...Option) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id          TEXT PRIMARY KEY,
		clock       INTEGER NOT NULL DEFAULT 0,
		energy      REAL NOT NULL DEFAULT 1,
		mood        TEXT NOT NULL DEFAULT 'idle',
		queue_depth INTEGER NOT NULL DEFAULT 0,
		registered  TEXT NOT NULL,
		last_seen   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id    TEXT NOT NULL,
		lamport_ts  INTEGER NOT NULL,
		kind        TEXT NOT NULL,
		channel_id  TEXT,
		stimulus_id TEXT,
		body        TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_lamport ON events(lamport_ts);
	CREATE INDEX IF NOT EXISTS idx_events_key ON events(channel_id, stimulus_id);

	-- Times are unix nanoseconds.
	CREATE TABLE IF NOT EXISTS claims (
		channel_id  TEXT NOT NULL,
		stimulus_id TEXT NOT NULL,
		state       TEXT NOT NULL,
		holder_id   TEXT NOT NULL,
		token       TEXT NOT NULL,
		lamport_ts  INTEGER NOT NULL,
		score       REAL NOT NULL,
		acquired_at INTEGER NOT NULL,
		ttl_ns      INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL,
		settled_at  INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (channel_id, stimulus_id)
	);
	CREATE INDEX IF NOT EXISTS idx_claims_expiry ON claims(state, expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// RegisterAgent creates or refreshes an agent. Idempotent.
func (s *Store) RegisterAgent(ctx context.Context, id string) (*model.Agent, error) {
	now := s.clock.Now().UTC().Format(time.RFC3339Nano)
	err := retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agents (id, registered, last_seen) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET last_seen = excluded.last_seen`,
			id, now, now,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, id)
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, clock, energy, mood, queue_depth, registered, last_seen FROM agents WHERE id = ?`, id,
	)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}
	return a, err
}

// UpdateAgentState records an agent's Lamport clock and duty-cycle state.
func (s *Store) UpdateAgentState(ctx context.Context, id string, clk int64, st model.PersonaState) error {
	now := s.clock.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE agents SET clock = ?, energy = ?, mood = ?, queue_depth = ?, last_seen = ? WHERE id = ?`,
			clk, st.Energy, string(st.Mood), st.QueueDepth, now, id,
		)
		return err
	})
}

// ListAgents returns all registered agents ordered by ID.
func (s *Store) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, clock, energy, mood, queue_depth, registered, last_seen FROM agents ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*model.Agent, error) {
	var a model.Agent
	var mood, regStr, lsStr string
	if err := row.Scan(&a.ID, &a.Clock, &a.Energy, &mood, &a.QueueDepth, &regStr, &lsStr); err != nil {
		return nil, err
	}
	a.Mood = model.Mood(mood)
	var err error
	if a.Registered, err = time.Parse(time.RFC3339Nano, regStr); err != nil {
		return nil, fmt.Errorf("parse registered time for agent %s: %w", a.ID, err)
	}
	if a.LastSeen, err = time.Parse(time.RFC3339Nano, lsStr); err != nil {
		return nil, fmt.Errorf("parse last_seen time for agent %s: %w", a.ID, err)
	}
	return &a, nil
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

// Append implements arbiter.Journal.
func (s *Store) Append(ctx context.Context, ev model.Event) error {
	_, err := s.InsertEvent(ctx, &ev)
	return err
}

// InsertEvent appends an event to the journal and returns its row ID.
func (s *Store) InsertEvent(ctx context.Context, e *model.Event) (int64, error) {
	var lastID int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO events (agent_id, lamport_ts, kind, channel_id, stimulus_id, body, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.AgentID, e.LamportTS, string(e.Kind), e.ChannelID, e.StimulusID, e.Body,
			e.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		lastID, err = res.LastInsertId()
		return err
	})
	return lastID, err
}

const eventColumns = `id, agent_id, lamport_ts, kind, COALESCE(channel_id,''), COALESCE(stimulus_id,''), COALESCE(body,''), created_at`

// ListEvents returns events with lamport_ts >= sinceTS in total order.
func (s *Store) ListEvents(ctx context.Context, sinceTS int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE lamport_ts >= ?
		 ORDER BY lamport_ts ASC, agent_id ASC, id ASC LIMIT ?`,
		sinceTS, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEventsSinceID returns events with row ID > sinceID, for tailing.
func (s *Store) ListEventsSinceID(ctx context.Context, sinceID int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`,
		sinceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEventsForKey returns the history of one stimulus in total order.
func (s *Store) ListEventsForKey(ctx context.Context, key model.ClaimKey) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE channel_id = ? AND stimulus_id = ?
		 ORDER BY lamport_ts ASC, agent_id ASC, id ASC`,
		key.ChannelID, key.StimulusID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MaxLamport returns the highest journalled Lamport stamp, or 0.
func (s *Store) MaxLamport(ctx context.Context) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(lamport_ts), 0) FROM events`).Scan(&ts)
	return ts, err
}

// MaxEventID returns the highest event row ID, or 0 if the journal is empty.
func (s *Store) MaxEventID(ctx context.Context) int64 {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id); err != nil {
		return 0
	}
	return id
}

// CountEvents returns the number of journal entries.
func (s *Store) CountEvents(ctx context.Context) int64 {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var kind, created string
		if err := rows.Scan(&e.ID, &e.AgentID, &e.LamportTS, &kind,
			&e.ChannelID, &e.StimulusID, &e.Body, &created); err != nil {
			return nil, err
		}
		e.Kind = model.EventKind(kind)
		var err error
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse created_at for event %d: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ---------------------------------------------------------------------------
// Leases
// ---------------------------------------------------------------------------

const claimColumns = `channel_id, stimulus_id, state, holder_id, token, lamport_ts, score, acquired_at, ttl_ns, expires_at`

// Acquire implements arbiter.Leases. The check and the grant run in one
// immediate transaction, so concurrent acquirers in any process serialise
// on the database write lock.
func (s *Store) Acquire(ctx context.Context, want model.Claim) (model.Claim, error) {
	now := s.clock.Now()
	var out model.Claim
	err := retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		cur, err := scanClaim(tx.QueryRowContext(ctx,
			`SELECT `+claimColumns+` FROM claims WHERE channel_id = ? AND stimulus_id = ?`,
			want.Key.ChannelID, want.Key.StimulusID,
		))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case cur.State == model.ClaimResolved,
			cur.HolderID != want.HolderID && cur.Live(now):
			out = cur
			return fmt.Errorf("%w: %s held by %s (%s)", ErrLeaseHeld, cur.Key, cur.HolderID, cur.State)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO claims (`+claimColumns+`, settled_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
			 ON CONFLICT(channel_id, stimulus_id) DO UPDATE SET
			   state = excluded.state,
			   holder_id = excluded.holder_id,
			   token = excluded.token,
			   lamport_ts = excluded.lamport_ts,
			   score = excluded.score,
			   acquired_at = excluded.acquired_at,
			   ttl_ns = excluded.ttl_ns,
			   expires_at = excluded.expires_at,
			   settled_at = 0`,
			want.Key.ChannelID, want.Key.StimulusID, string(model.ClaimClaimed), want.HolderID, want.Token,
			want.LamportTS, want.Score, want.AcquiredAt.UnixNano(), int64(want.TTL), want.ExpiresAt.UnixNano(),
		)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim: %w", err)
		}
		out = want
		out.State = model.ClaimClaimed
		return nil
	})
	return out, err
}

// Renew implements arbiter.Leases.
func (s *Store) Renew(ctx context.Context, key model.ClaimKey, holderID, token string, expiresAt time.Time) error {
	now := s.clock.Now().UnixNano()
	var n int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE claims SET expires_at = ?
			 WHERE channel_id = ? AND stimulus_id = ? AND holder_id = ? AND token = ?
			   AND state = ? AND expires_at > ?`,
			expiresAt.UnixNano(), key.ChannelID, key.StimulusID, holderID, token,
			string(model.ClaimClaimed), now,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s no longer held by %s", ErrLeaseHeld, key, holderID)
	}
	return nil
}

// Release implements arbiter.Leases. Releasing a lease the caller no
// longer holds is a no-op.
func (s *Store) Release(ctx context.Context, key model.ClaimKey, holderID, token string, resolved bool) error {
	now := s.clock.Now().UnixNano()
	return retryOnContention(ctx, func() error {
		var err error
		if resolved {
			_, err = s.db.ExecContext(ctx,
				`UPDATE claims SET state = ?, settled_at = ?
				 WHERE channel_id = ? AND stimulus_id = ? AND holder_id = ? AND token = ?`,
				string(model.ClaimResolved), now, key.ChannelID, key.StimulusID, holderID, token,
			)
		} else {
			_, err = s.db.ExecContext(ctx,
				`DELETE FROM claims WHERE channel_id = ? AND stimulus_id = ? AND holder_id = ? AND token = ?`,
				key.ChannelID, key.StimulusID, holderID, token,
			)
		}
		return err
	})
}

// GetClaim returns the ledger row for key. A lapsed lease is reported as
// EXPIRED.
func (s *Store) GetClaim(ctx context.Context, key model.ClaimKey) (model.Claim, error) {
	c, err := scanClaim(s.db.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE channel_id = ? AND stimulus_id = ?`,
		key.ChannelID, key.StimulusID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Claim{}, fmt.Errorf("%w: %s", arbiter.ErrUnknownClaim, key)
	}
	if err != nil {
		return model.Claim{}, err
	}
	return s.present(c), nil
}

// ListClaims returns every ledger row ordered by key. Lapsed leases are
// reported as EXPIRED.
func (s *Store) ListClaims(ctx context.Context) ([]model.Claim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+claimColumns+` FROM claims ORDER BY channel_id, stimulus_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []model.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, s.present(c))
	}
	return claims, rows.Err()
}

func (s *Store) present(c model.Claim) model.Claim {
	if c.State == model.ClaimClaimed && !c.Live(s.clock.Now()) {
		c.State = model.ClaimExpired
	}
	return c
}

// Purge deletes lapsed leases and resolved claims settled more than
// retention ago. It returns the number of rows removed.
func (s *Store) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	now := s.clock.Now()
	var n int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM claims
			 WHERE (state = ? AND expires_at <= ?)
			    OR (state = ? AND settled_at <= ?)`,
			string(model.ClaimClaimed), now.UnixNano(),
			string(model.ClaimResolved), now.Add(-retention).UnixNano(),
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func scanClaim(row scanner) (model.Claim, error) {
	var c model.Claim
	var state string
	var acquired, ttl, expires int64
	if err := row.Scan(&c.Key.ChannelID, &c.Key.StimulusID, &state, &c.HolderID, &c.Token,
		&c.LamportTS, &c.Score, &acquired, &ttl, &expires); err != nil {
		return model.Claim{}, err
	}
	c.State = model.ClaimState(state)
	c.AcquiredAt = time.Unix(0, acquired).UTC()
	c.TTL = time.Duration(ttl)
	c.ExpiresAt = time.Unix(0, expires).UTC()
	return c, nil
}
