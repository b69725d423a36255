// Package session is the durable Session store (spec §3/§4.6): a
// session record outlives any single realtime connection, tracking its
// subscriptions, per-room high-water mark (last forwarded event id), and
// auth claims. It is grounded on internal/gateway/gateway.go's
// client.subscribedSes map (session_id -> last forwarded event_id),
// pulled out of in-memory connection state into a SQLite-backed record
// so a reconnect on a fresh connection can resume exactly where the
// last one left off.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/apexswarm/orchestrator/internal/ids"
	"github.com/apexswarm/orchestrator/internal/orcherr"
	"github.com/apexswarm/orchestrator/internal/roombus"
	"github.com/apexswarm/orchestrator/internal/sqlitex"
)

const schemaVersion = 1

// Session is a durable realtime session record.
type Session struct {
	ID         ids.SessionID
	Claims     map[string]any
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Store persists sessions and their per-room subscription watermarks.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the session store at path.
func Open(path string) (*Store, error) {
	db, err := sqlitex.Open(path)
	if err != nil {
		return nil, err
	}
	st := &Store{db: db}
	if err := st.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Close releases the underlying database handle.
func (st *Store) Close() error { return st.db.Close() }

func (st *Store) initSchema(ctx context.Context) error {
	_, err := st.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			claims_json TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_seen_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS session_subscriptions (
			session_id TEXT NOT NULL,
			room TEXT NOT NULL,
			last_event_id INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, room)
		);
		CREATE INDEX IF NOT EXISTS idx_session_subscriptions_session ON session_subscriptions(session_id);
	`)
	if err != nil {
		return orcherr.Wrap(orcherr.StorageUnavailable, "init session schema", err)
	}
	_, err = st.db.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations(version) VALUES (?)`, schemaVersion)
	return err
}

// Create persists a new session with the given auth claims.
func (st *Store) Create(ctx context.Context, claims map[string]any) (ids.SessionID, error) {
	id := ids.NewSessionID()
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", orcherr.Wrap(orcherr.SerializationFailed, "encode session claims", err)
	}
	now := time.Now().UnixNano()
	_, err = st.db.ExecContext(ctx, `
		INSERT INTO sessions(id, claims_json, created_at, last_seen_at) VALUES (?, ?, ?, ?)`,
		string(id), string(claimsJSON), now, now)
	if err != nil {
		return "", orcherr.Wrap(orcherr.StorageUnavailable, "insert session", err)
	}
	return id, nil
}

// Get loads a session by id.
func (st *Store) Get(ctx context.Context, id ids.SessionID) (*Session, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT claims_json, created_at, last_seen_at FROM sessions WHERE id = ?`, string(id))
	var claimsJSON string
	var createdAt, lastSeenAt int64
	if err := row.Scan(&claimsJSON, &createdAt, &lastSeenAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, orcherr.New(orcherr.SessionNotFound, "session not found").
				WithDetails(map[string]any{"session_id": string(id)})
		}
		return nil, orcherr.Wrap(orcherr.StorageUnavailable, "get session", err)
	}
	var claims map[string]any
	if err := json.Unmarshal([]byte(claimsJSON), &claims); err != nil {
		return nil, orcherr.Wrap(orcherr.SerializationFailed, "decode session claims", err)
	}
	return &Session{
		ID:         id,
		Claims:     claims,
		CreatedAt:  time.Unix(0, createdAt),
		LastSeenAt: time.Unix(0, lastSeenAt),
	}, nil
}

// Touch updates a session's last-seen timestamp (called on every
// authenticated frame, not just on connect, so idle expiry measures
// actual inactivity).
func (st *Store) Touch(ctx context.Context, id ids.SessionID) error {
	res, err := st.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at = ? WHERE id = ?`, time.Now().UnixNano(), string(id))
	if err != nil {
		return orcherr.Wrap(orcherr.StorageUnavailable, "touch session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orcherr.New(orcherr.SessionNotFound, "session not found").
			WithDetails(map[string]any{"session_id": string(id)})
	}
	return nil
}

// Subscribe records that a session wants events for room, starting from
// its existing high-water mark if one exists (idempotent).
func (st *Store) Subscribe(ctx context.Context, id ids.SessionID, room roombus.Room) error {
	_, err := st.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO session_subscriptions(session_id, room, last_event_id) VALUES (?, ?, 0)`,
		string(id), string(room))
	if err != nil {
		return orcherr.Wrap(orcherr.StorageUnavailable, "subscribe session to room", err)
	}
	return nil
}

// Unsubscribe drops a session's subscription to room.
func (st *Store) Unsubscribe(ctx context.Context, id ids.SessionID, room roombus.Room) error {
	_, err := st.db.ExecContext(ctx, `
		DELETE FROM session_subscriptions WHERE session_id = ? AND room = ?`, string(id), string(room))
	if err != nil {
		return orcherr.Wrap(orcherr.StorageUnavailable, "unsubscribe session from room", err)
	}
	return nil
}

// Subscriptions lists every room a session currently subscribes to, with
// its last-forwarded event id for each.
func (st *Store) Subscriptions(ctx context.Context, id ids.SessionID) (map[roombus.Room]int64, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT room, last_event_id FROM session_subscriptions WHERE session_id = ?`, string(id))
	if err != nil {
		return nil, orcherr.Wrap(orcherr.StorageUnavailable, "list session subscriptions", err)
	}
	defer rows.Close()

	out := make(map[roombus.Room]int64)
	for rows.Next() {
		var room string
		var lastEventID int64
		if err := rows.Scan(&room, &lastEventID); err != nil {
			return nil, orcherr.Wrap(orcherr.StorageUnavailable, "scan session subscription", err)
		}
		out[roombus.Room(room)] = lastEventID
	}
	return out, rows.Err()
}

// SetLastEventID advances a session's high-water mark for room. Callers
// must only ever move it forward; this does not check monotonicity
// itself since the realtime handler already forwards events in
// ascending event_id order per room.
func (st *Store) SetLastEventID(ctx context.Context, id ids.SessionID, room roombus.Room, eventID int64) error {
	_, err := st.db.ExecContext(ctx, `
		UPDATE session_subscriptions SET last_event_id = ? WHERE session_id = ? AND room = ?`,
		eventID, string(id), string(room))
	if err != nil {
		return orcherr.Wrap(orcherr.StorageUnavailable, "advance session watermark", err)
	}
	return nil
}

// ExpireIdle deletes sessions (and their subscriptions) whose last-seen
// timestamp is older than idleTimeout, for the maintenance cron.
func (st *Store) ExpireIdle(ctx context.Context, idleTimeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-idleTimeout).UnixNano()
	rows, err := st.db.QueryContext(ctx, `SELECT id FROM sessions WHERE last_seen_at < ?`, cutoff)
	if err != nil {
		return 0, orcherr.Wrap(orcherr.StorageUnavailable, "list idle sessions", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, orcherr.Wrap(orcherr.StorageUnavailable, "scan idle session id", err)
		}
		stale = append(stale, id)
	}
	rows.Close()

	for _, id := range stale {
		if _, err := st.db.ExecContext(ctx, `DELETE FROM session_subscriptions WHERE session_id = ?`, id); err != nil {
			return 0, orcherr.Wrap(orcherr.StorageUnavailable, "delete idle session subscriptions", err)
		}
		if _, err := st.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return 0, orcherr.Wrap(orcherr.StorageUnavailable, "delete idle session", err)
		}
	}
	return len(stale), nil
}
