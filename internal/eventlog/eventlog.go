// Package eventlog is the per-room append-only event log described in
// spec §4.5: a strictly increasing event_id counter per room, serialized
// per-room appends, and a bounded retention horizon. It is grounded
// directly on the teacher's internal/persistence.Store.ListTaskEventsFrom
// / TotalEventCount / TaskEventBounds trio, retargeted from per-session
// task events to per-room events.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/apexswarm/orchestrator/internal/orcherr"
	"github.com/apexswarm/orchestrator/internal/roombus"
	"github.com/apexswarm/orchestrator/internal/sqlitex"
)

const schemaVersion = 1

// Event is a single logged room event (spec §3).
type Event struct {
	EventID int64
	Room    roombus.Room
	Kind    string
	Payload json.RawMessage
	Ts      time.Time
}

// Retention bounds how long a room's events remain available for replay
// (spec §9's resolved open question: 10,000 events or 24h, whichever is
// smaller).
type Retention struct {
	MaxEvents int
	MaxAge    time.Duration
}

// DefaultRetention is the spec's own suggested default.
var DefaultRetention = Retention{MaxEvents: 10_000, MaxAge: 24 * time.Hour}

// Log is the SQLite-backed per-room event log.
type Log struct {
	db        *sql.DB
	retention Retention
}

// Open opens (creating if necessary) the event log at path.
func Open(path string, retention Retention) (*Log, error) {
	db, err := sqlitex.Open(path)
	if err != nil {
		return nil, err
	}
	l := &Log{db: db, retention: retention}
	if err := l.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error { return l.db.Close() }

func (l *Log) initSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS room_event_counters (
			room TEXT PRIMARY KEY,
			next_event_id INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS room_events (
			room TEXT NOT NULL,
			event_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			ts INTEGER NOT NULL,
			PRIMARY KEY (room, event_id)
		);
		CREATE INDEX IF NOT EXISTS idx_room_events_room_id ON room_events(room, event_id);
	`)
	if err != nil {
		return orcherr.Wrap(orcherr.StorageUnavailable, "init eventlog schema", err)
	}
	_, err = l.db.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations(version) VALUES (?)`, schemaVersion)
	return err
}

// Append assigns the next monotonic event_id for room and durably appends
// the event, serialized per room (the whole operation runs inside a single
// transaction keyed by the room's counter row, so concurrent appends to
// the same room are linearized by SQLite's single-connection handle).
func (l *Log) Append(ctx context.Context, room roombus.Room, kind string, payload any) (*Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.SerializationFailed, "encode event payload", err)
	}

	var ev *Event
	err = sqlitex.RetryOnBusy(ctx, 5, func() error {
		tx, txErr := l.db.BeginTx(ctx, nil)
		if txErr != nil {
			return orcherr.Wrap(orcherr.StorageUnavailable, "begin append transaction", txErr)
		}
		defer func() { _ = tx.Rollback() }()

		var nextID int64
		row := tx.QueryRowContext(ctx, `SELECT next_event_id FROM room_event_counters WHERE room = ?`, string(room))
		switch scanErr := row.Scan(&nextID); scanErr {
		case nil:
		case sql.ErrNoRows:
			nextID = 1
			if _, insErr := tx.ExecContext(ctx, `INSERT INTO room_event_counters(room, next_event_id) VALUES (?, ?)`, string(room), nextID); insErr != nil {
				return orcherr.Wrap(orcherr.StorageUnavailable, "init room counter", insErr)
			}
		default:
			return orcherr.Wrap(orcherr.StorageUnavailable, "read room counter", scanErr)
		}

		now := time.Now()
		if _, insErr := tx.ExecContext(ctx, `
			INSERT INTO room_events(room, event_id, kind, payload_json, ts) VALUES (?, ?, ?, ?, ?)`,
			string(room), nextID, kind, string(payloadJSON), now.UnixNano()); insErr != nil {
			return orcherr.Wrap(orcherr.StorageUnavailable, "insert room event", insErr)
		}

		if _, updErr := tx.ExecContext(ctx, `
			UPDATE room_event_counters SET next_event_id = ? WHERE room = ?`, nextID+1, string(room)); updErr != nil {
			return orcherr.Wrap(orcherr.StorageUnavailable, "advance room counter", updErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return orcherr.Wrap(orcherr.StorageUnavailable, "commit append", commitErr)
		}
		ev = &Event{EventID: nextID, Room: room, Kind: kind, Payload: payloadJSON, Ts: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Bounds returns the minimum and maximum retained event_id for room.
func (l *Log) Bounds(ctx context.Context, room roombus.Room) (min, max int64, err error) {
	var minN, maxN sql.NullInt64
	row := l.db.QueryRowContext(ctx, `SELECT MIN(event_id), MAX(event_id) FROM room_events WHERE room = ?`, string(room))
	if scanErr := row.Scan(&minN, &maxN); scanErr != nil {
		return 0, 0, orcherr.Wrap(orcherr.StorageUnavailable, "read room event bounds", scanErr)
	}
	if minN.Valid {
		min = minN.Int64
	}
	if maxN.Valid {
		max = maxN.Int64
	}
	return min, max, nil
}

// ListFrom returns up to limit events in room with event_id > fromEventID,
// ordered ascending — the exact query shape behind the realtime handler's
// reconnect replay (spec §4.6) and the "at-least-once replay" invariant
// (spec §8).
func (l *Log) ListFrom(ctx context.Context, room roombus.Room, fromEventID int64, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, kind, payload_json, ts FROM room_events
		WHERE room = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?`, string(room), fromEventID, limit)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.StorageUnavailable, "list room events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload string
		var ts int64
		if scanErr := rows.Scan(&ev.EventID, &ev.Kind, &payload, &ts); scanErr != nil {
			return nil, orcherr.Wrap(orcherr.StorageUnavailable, "scan room event", scanErr)
		}
		ev.Room = room
		ev.Payload = json.RawMessage(payload)
		ev.Ts = time.Unix(0, ts)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, orcherr.Wrap(orcherr.StorageUnavailable, "iterate room events", err)
	}
	return out, nil
}

// HasGap reports whether fromEventID is older than the oldest retained
// event for room, meaning a replay would miss events evicted by
// retention — the client should receive the available tail plus a gap
// signal (spec §8's "Retention gap on reconnect" boundary case).
func (l *Log) HasGap(ctx context.Context, room roombus.Room, fromEventID int64) (bool, error) {
	min, _, err := l.Bounds(ctx, room)
	if err != nil {
		return false, err
	}
	if min == 0 {
		return false, nil // empty log, nothing retained, no gap possible
	}
	return fromEventID < min-1, nil
}

// Sweep evicts events past the retention horizon for every room with
// events. Used by the maintenance cron job (SPEC_FULL.md §4.5).
func (l *Log) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-l.retention.MaxAge).UnixNano()

	res, err := l.db.ExecContext(ctx, `DELETE FROM room_events WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, orcherr.Wrap(orcherr.StorageUnavailable, "sweep aged room events", err)
	}
	byAge, _ := res.RowsAffected()

	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT room FROM room_events`)
	if err != nil {
		return byAge, orcherr.Wrap(orcherr.StorageUnavailable, "list rooms for count sweep", err)
	}
	var rooms []string
	for rows.Next() {
		var r string
		if scanErr := rows.Scan(&r); scanErr != nil {
			rows.Close()
			return byAge, orcherr.Wrap(orcherr.StorageUnavailable, "scan room name", scanErr)
		}
		rooms = append(rooms, r)
	}
	rows.Close()

	var byCount int64
	for _, r := range rooms {
		res, err := l.db.ExecContext(ctx, `
			DELETE FROM room_events WHERE room = ? AND event_id NOT IN (
				SELECT event_id FROM room_events WHERE room = ? ORDER BY event_id DESC LIMIT ?
			)`, r, r, l.retention.MaxEvents)
		if err != nil {
			return byAge + byCount, orcherr.Wrap(orcherr.StorageUnavailable, "sweep room by count", err)
		}
		n, _ := res.RowsAffected()
		byCount += n
	}
	return byAge + byCount, nil
}
