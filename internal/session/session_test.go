package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/apexswarm/orchestrator/internal/orcherr"
	"github.com/apexswarm/orchestrator/internal/roombus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateAndGet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, map[string]any{"agent_id": "a-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != id {
		t.Fatalf("id = %v, want %v", got.ID, id)
	}
	if got.Claims["agent_id"] != "a-1" {
		t.Fatalf("claims[agent_id] = %v, want a-1", got.Claims["agent_id"])
	}
}

func TestGetUnknownSessionReturnsNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.Get(context.Background(), "nonexistent")
	if orcherr.CodeOf(err) != orcherr.SessionNotFound {
		t.Fatalf("code = %v, want SessionNotFound", orcherr.CodeOf(err))
	}
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	if err := st.Touch(ctx, id); err != nil {
		t.Fatalf("touch: %v", err)
	}

	after, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !after.LastSeenAt.After(before.LastSeenAt) {
		t.Fatalf("last_seen_at did not advance: before=%v after=%v", before.LastSeenAt, after.LastSeenAt)
	}
}

func TestTouchUnknownSessionReturnsNotFound(t *testing.T) {
	st := openTestStore(t)
	err := st.Touch(context.Background(), "nonexistent")
	if orcherr.CodeOf(err) != orcherr.SessionNotFound {
		t.Fatalf("code = %v, want SessionNotFound", orcherr.CodeOf(err))
	}
}

func TestSubscribeAndListSubscriptions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := st.Subscribe(ctx, id, roombus.RoomTasks()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := st.Subscribe(ctx, id, roombus.RoomDag("dag-1")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Re-subscribing to the same room is idempotent and doesn't reset
	// the watermark.
	if err := st.SetLastEventID(ctx, id, roombus.RoomTasks(), 42); err != nil {
		t.Fatalf("set last event id: %v", err)
	}
	if err := st.Subscribe(ctx, id, roombus.RoomTasks()); err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}

	subs, err := st.Subscriptions(ctx, id)
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("len(subs) = %d, want 2", len(subs))
	}
	if subs[roombus.RoomTasks()] != 42 {
		t.Fatalf("watermark = %d, want 42 (re-subscribe must not reset it)", subs[roombus.RoomTasks()])
	}
	if subs[roombus.RoomDag("dag-1")] != 0 {
		t.Fatalf("watermark = %d, want 0", subs[roombus.RoomDag("dag-1")])
	}
}

func TestUnsubscribeRemovesRoom(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.Create(ctx, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.Subscribe(ctx, id, roombus.RoomTasks()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := st.Unsubscribe(ctx, id, roombus.RoomTasks()); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	subs, err := st.Subscriptions(ctx, id)
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("len(subs) = %d, want 0", len(subs))
	}
}

func TestSubscriptionsAreIsolatedPerSession(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	a, err := st.Create(ctx, nil)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := st.Create(ctx, nil)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	if err := st.Subscribe(ctx, a, roombus.RoomTasks()); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}

	subsA, err := st.Subscriptions(ctx, a)
	if err != nil {
		t.Fatalf("subscriptions a: %v", err)
	}
	subsB, err := st.Subscriptions(ctx, b)
	if err != nil {
		t.Fatalf("subscriptions b: %v", err)
	}
	if len(subsA) != 1 {
		t.Fatalf("len(subsA) = %d, want 1", len(subsA))
	}
	if len(subsB) != 0 {
		t.Fatalf("len(subsB) = %d, want 0", len(subsB))
	}
}

func TestExpireIdleDeletesStaleSessionsOnly(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	stale, err := st.Create(ctx, nil)
	if err != nil {
		t.Fatalf("create stale: %v", err)
	}
	if err := st.Subscribe(ctx, stale, roombus.RoomTasks()); err != nil {
		t.Fatalf("subscribe stale: %v", err)
	}
	// Force the stale session's last_seen_at far into the past.
	if _, err := st.db.ExecContext(ctx, `UPDATE sessions SET last_seen_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour).UnixNano(), string(stale)); err != nil {
		t.Fatalf("backdate stale session: %v", err)
	}

	fresh, err := st.Create(ctx, nil)
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	n, err := st.ExpireIdle(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("expire idle: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	if _, err := st.Get(ctx, stale); orcherr.CodeOf(err) != orcherr.SessionNotFound {
		t.Fatalf("stale session should be gone, got err = %v", err)
	}
	if _, err := st.Get(ctx, fresh); err != nil {
		t.Fatalf("fresh session should remain: %v", err)
	}

	subs, err := st.Subscriptions(ctx, stale)
	if err != nil {
		t.Fatalf("subscriptions for expired session: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expired session subscriptions should be gone, got %d", len(subs))
	}
}
