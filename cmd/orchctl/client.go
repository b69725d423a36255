package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// snapshot is the dashboard's polled view of swarm state, updated by
// watchClient's read loop and rendered by the bubbletea model on each
// tick — mirrors internal/tui.Snapshot's polling split between a
// background updater and a ticking renderer.
type snapshot struct {
	Connected        bool
	AuthenticatedAs  string
	RoomEvents       int
	PendingApprovals int
	LastRoom         string
	LastKind         string
	LastError        string
	Uptime           time.Duration
}

// watchClient holds a websocket connection to an orchestratord /ws
// endpoint and keeps a snapshot current by reading RoomEvent,
// ApprovalResult and connection-lifecycle frames off it.
type watchClient struct {
	addr  string
	token string
	rooms []string

	mu      sync.Mutex
	snap    snapshot
	started time.Time
}

func newWatchClient(addr, token string, rooms []string) *watchClient {
	return &watchClient{addr: addr, token: token, rooms: rooms, started: time.Now()}
}

func (w *watchClient) Snapshot() snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.snap
	s.Uptime = time.Since(w.started)
	return s
}

// Run dials addr and drives the connection until ctx is cancelled,
// reconnecting with a short backoff on any read/write failure so the
// dashboard keeps degrading gracefully instead of exiting.
func (w *watchClient) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.runOnce(ctx); err != nil {
			w.mu.Lock()
			w.snap.Connected = false
			w.snap.LastError = err.Error()
			w.mu.Unlock()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 15*time.Second {
			backoff *= 2
		}
	}
}

func (w *watchClient) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, w.addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "Authenticate", "token": w.token}); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	for _, room := range w.rooms {
		if err := wsjson.Write(ctx, conn, map[string]string{"type": "Subscribe", "target": room}); err != nil {
			return fmt.Errorf("subscribe %s: %w", room, err)
		}
	}

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		w.handleFrame(raw)
	}
}

func (w *watchClient) handleFrame(raw json.RawMessage) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch head.Type {
	case "Connected":
		w.snap.Connected = true
	case "Authenticated":
		var f struct {
			SessionID string `json:"session_id"`
		}
		_ = json.Unmarshal(raw, &f)
		w.snap.AuthenticatedAs = f.SessionID
	case "AuthenticationFailed":
		var f struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(raw, &f)
		w.snap.LastError = "auth failed: " + f.Reason
	case "RoomEvent":
		var f struct {
			Room string `json:"room"`
			Kind string `json:"kind"`
		}
		_ = json.Unmarshal(raw, &f)
		w.snap.RoomEvents++
		w.snap.LastRoom = f.Room
		w.snap.LastKind = f.Kind
		if f.Kind == "approval.requested" {
			w.snap.PendingApprovals++
		}
	case "ApprovalResult":
		if w.snap.PendingApprovals > 0 {
			w.snap.PendingApprovals--
		}
	case "Error":
		var f struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &f)
		w.snap.LastError = f.Message
	}
}
