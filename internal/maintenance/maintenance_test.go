package maintenance

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/apexswarm/orchestrator/internal/session"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses, avoiding flaky fixed sleeps. Grounded on
// internal/cron/scheduler_test.go's helper of the same name.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestSessions(t *testing.T) *session.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := session.Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSchedulerExpiresIdleSessionsOnTick(t *testing.T) {
	ctx := context.Background()
	sessions := openTestSessions(t)

	id, err := sessions.Create(ctx, map[string]any{"sub": "u1"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Give the session a moment to age past a very short idle horizon,
	// so the scheduler's first tick sees it as idle.
	time.Sleep(30 * time.Millisecond)

	sched := New(Config{
		Sessions:    sessions,
		Logger:      slog.Default(),
		Interval:    50 * time.Millisecond,
		IdleTimeout: 10 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool {
		_, err := sessions.Get(ctx, id)
		return err != nil // expired sessions are deleted, so Get should fail
	})
}

func TestSchedulerStartStopWithNoDependencies(t *testing.T) {
	sched := New(Config{Interval: 20 * time.Millisecond})
	sched.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	sched.Stop() // must not panic or block when every store is nil
}
