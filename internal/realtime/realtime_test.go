package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/apexswarm/orchestrator/internal/eventlog"
	"github.com/apexswarm/orchestrator/internal/roombus"
	"github.com/apexswarm/orchestrator/internal/session"
)

func newTestServer(t *testing.T) (*Server, *eventlog.Log, *roombus.Broadcaster) {
	t.Helper()
	dir := t.TempDir()

	sessions, err := session.Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("open sessions: %v", err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	events, err := eventlog.Open(filepath.Join(dir, "events.db"), eventlog.DefaultRetention)
	if err != nil {
		t.Fatalf("open eventlog: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })

	bus := roombus.New(nil)

	srv := New(Config{
		Sessions:          sessions,
		Events:            events,
		Bus:               bus,
		Auth:              AuthenticatorFunc(func(ctx context.Context, token string) (map[string]any, bool) { return map[string]any{"token": token}, token == "good-token" }),
		HeartbeatInterval: 50 * time.Millisecond,
		ConnectionTimeout: 500 * time.Millisecond,
		ApprovalTimeout:   200 * time.Millisecond,
	})
	return srv, events, bus
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+path, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, payload any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, payload); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestConnectThenAuthenticate(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()

	conn := dial(t, ts, "/ws")
	connected := readFrame(t, conn)
	if connected["type"] != "Connected" {
		t.Fatalf("type = %v, want Connected", connected["type"])
	}

	writeFrame(t, conn, map[string]any{"type": "Authenticate", "token": "good-token"})
	auth := readFrame(t, conn)
	if auth["type"] != "Authenticated" {
		t.Fatalf("type = %v, want Authenticated, got %v", auth["type"], auth)
	}
	if auth["session_id"] == "" {
		t.Fatalf("expected non-empty session_id")
	}
}

func TestAuthenticateWithBadTokenFails(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()

	conn := dial(t, ts, "/ws")
	readFrame(t, conn) // Connected

	writeFrame(t, conn, map[string]any{"type": "Authenticate", "token": "wrong"})
	resp := readFrame(t, conn)
	if resp["type"] != "AuthenticationFailed" {
		t.Fatalf("type = %v, want AuthenticationFailed", resp["type"])
	}
}

func TestSubscribeRequiresAuthentication(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()

	conn := dial(t, ts, "/ws")
	readFrame(t, conn) // Connected

	writeFrame(t, conn, map[string]any{"type": "Subscribe", "target": "tasks"})
	resp := readFrame(t, conn)
	if resp["type"] != "Error" {
		t.Fatalf("type = %v, want Error", resp["type"])
	}
}

func TestSubscribeThenReceivesLiveBroadcast(t *testing.T) {
	srv, events, bus := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()

	conn := dial(t, ts, "/ws")
	readFrame(t, conn) // Connected
	writeFrame(t, conn, map[string]any{"type": "Authenticate", "token": "good-token"})
	readFrame(t, conn) // Authenticated

	writeFrame(t, conn, map[string]any{"type": "Subscribe", "target": string(roombus.RoomTasks())})
	sub := readFrame(t, conn)
	if sub["type"] != "Subscribed" {
		t.Fatalf("type = %v, want Subscribed", sub["type"])
	}

	// Give the forwarder goroutine a moment to register with the broadcaster.
	time.Sleep(20 * time.Millisecond)

	ev, err := events.Append(context.Background(), roombus.RoomTasks(), "task.created", map[string]any{"task_id": "t1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	bus.Broadcast(roombus.Message{Room: roombus.RoomTasks(), EventID: ev.EventID, Kind: "task.created", Payload: map[string]any{"task_id": "t1"}})

	frame := readFrame(t, conn)
	if frame["type"] != "RoomEvent" {
		t.Fatalf("type = %v, want RoomEvent", frame["type"])
	}
	if frame["kind"] != "task.created" {
		t.Fatalf("kind = %v, want task.created", frame["kind"])
	}
}

func TestPingReceivesPong(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()

	conn := dial(t, ts, "/ws")
	readFrame(t, conn) // Connected

	writeFrame(t, conn, map[string]any{"type": "Ping", "timestamp": 42})
	pong := readFrame(t, conn)
	if pong["type"] != "Pong" {
		t.Fatalf("type = %v, want Pong", pong["type"])
	}
}

func TestSessionRestoreReplaysMissedEventsThenSessionRestored(t *testing.T) {
	srv, events, _ := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()

	// First connection: authenticate, subscribe, receive one event, then
	// disconnect without ever advancing past event 1.
	conn1 := dial(t, ts, "/ws")
	readFrame(t, conn1) // Connected
	writeFrame(t, conn1, map[string]any{"type": "Authenticate", "token": "good-token"})
	authed := readFrame(t, conn1)
	sessionID := authed["session_id"].(string)

	writeFrame(t, conn1, map[string]any{"type": "Subscribe", "target": string(roombus.RoomGlobal())})
	readFrame(t, conn1) // Subscribed

	if _, err := events.Append(context.Background(), roombus.RoomGlobal(), "g.one", map[string]any{"n": 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := events.Append(context.Background(), roombus.RoomGlobal(), "g.two", map[string]any{"n": 2}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = conn1.Close(websocket.StatusNormalClosure, "simulated drop")

	// Second connection: SessionRestore the same session_id with no
	// last_event_id, so it should receive both missed events bundled.
	conn2 := dial(t, ts, "/ws")
	readFrame(t, conn2) // Connected
	writeFrame(t, conn2, map[string]any{"type": "SessionRestore", "session_id": sessionID})

	missed := readFrame(t, conn2)
	if missed["type"] != "MissedUpdates" {
		t.Fatalf("type = %v, want MissedUpdates", missed["type"])
	}
	updates, _ := missed["updates"].([]any)
	if len(updates) != 2 {
		t.Fatalf("len(updates) = %d, want 2", len(updates))
	}

	restored := readFrame(t, conn2)
	if restored["type"] != "SessionRestored" {
		t.Fatalf("type = %v, want SessionRestored", restored["type"])
	}
	if int(restored["missed_count"].(float64)) != 2 {
		t.Fatalf("missed_count = %v, want 2", restored["missed_count"])
	}
}

func TestApprovalResponseResolvesPendingApproval(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()

	conn := dial(t, ts, "/ws")
	readFrame(t, conn) // Connected
	writeFrame(t, conn, map[string]any{"type": "Authenticate", "token": "good-token"})
	readFrame(t, conn) // Authenticated
	writeFrame(t, conn, map[string]any{"type": "Subscribe", "target": string(roombus.RoomApprovals())})
	readFrame(t, conn) // Subscribed
	time.Sleep(20 * time.Millisecond)

	resultCh := make(chan bool, 1)
	go func() {
		approved, err := srv.RequestApproval(context.Background(), ApprovalRequest{ID: "appr-1", Action: "deploy", Details: "prod"})
		if err != nil {
			t.Errorf("request approval: %v", err)
			return
		}
		resultCh <- approved
	}()

	// Drain the approval.requested broadcast the client sees as a RoomEvent.
	req := readFrame(t, conn)
	if req["type"] != "RoomEvent" || req["kind"] != "approval.requested" {
		t.Fatalf("unexpected frame: %v", req)
	}

	writeFrame(t, conn, map[string]any{"type": "ApprovalResponse", "approval_id": "appr-1", "approved": true})

	select {
	case approved := <-resultCh:
		if !approved {
			t.Fatalf("approved = false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for approval resolution")
	}

	result := readFrame(t, conn)
	if result["type"] != "ApprovalResult" {
		t.Fatalf("type = %v, want ApprovalResult", result["type"])
	}
	if result["approval_id"] != "appr-1" {
		t.Fatalf("approval_id = %v, want appr-1", result["approval_id"])
	}
}

func TestResolveApprovalAnswersPendingApprovalOutOfBand(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resultCh := make(chan bool, 1)
	go func() {
		approved, err := srv.RequestApproval(context.Background(), ApprovalRequest{ID: "appr-bridge", Action: "deploy", Details: "prod"})
		if err != nil {
			t.Errorf("request approval: %v", err)
			return
		}
		resultCh <- approved
	}()

	time.Sleep(20 * time.Millisecond)
	srv.ResolveApproval("appr-bridge", true)

	select {
	case approved := <-resultCh:
		if !approved {
			t.Fatalf("approved = false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for approval resolution")
	}
}

func TestApprovalTimesOutToDeny(t *testing.T) {
	srv, _, _ := newTestServer(t)

	approved, err := srv.RequestApproval(context.Background(), ApprovalRequest{ID: "appr-timeout", Action: "deploy"})
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if approved {
		t.Fatalf("approved = true, want false (default deny on timeout)")
	}
}

func TestUnknownFrameTypeReturnsError(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()

	conn := dial(t, ts, "/ws")
	readFrame(t, conn) // Connected

	writeFrame(t, conn, map[string]any{"type": "NotARealFrameType"})
	resp := readFrame(t, conn)
	if resp["type"] != "Error" {
		t.Fatalf("type = %v, want Error", resp["type"])
	}
}
