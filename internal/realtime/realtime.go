// Package realtime is the per-connection realtime handler (spec §4.6):
// a websocket endpoint implementing the connection state machine
// Connected -> Authenticated -> subscribed -> Closing -> Closed, backed
// by internal/session for durable subscription state and
// internal/eventlog/internal/roombus for replay and live fan-out.
//
// It is grounded directly on internal/gateway/gateway.go's handleWS /
// authorize / client struct / subscribeClientToSession /
// forwardBusEvents, generalized from a single JSON-RPC-over-websocket
// chat session (keyed by session_id, subscribing only to "task."
// events) to the spec's discriminated {type: "..."} frame set and
// roombus.Room-tagged subscriptions (Tasks, Task(id), Dag(id), Agents,
// Agent(id), Approvals, Global, Custom(name)).
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/apexswarm/orchestrator/internal/eventlog"
	"github.com/apexswarm/orchestrator/internal/ids"
	"github.com/apexswarm/orchestrator/internal/roombus"
	"github.com/apexswarm/orchestrator/internal/session"
)

// connState is the connection's position in the state machine named by
// spec §4.6. "subscribed" is not a single terminal state in this
// implementation — a connection may hold zero or more subscriptions
// once Authenticated — so it is tracked as a count rather than a
// distinct enum value; Closing/Closed still apply uniformly regardless
// of how many rooms were subscribed at the time.
type connState int32

const (
	stateConnected connState = iota
	stateAuthenticated
	stateClosing
	stateClosed
)

// Authenticator validates a bearer token carried in an Authenticate
// frame (or the `token` query parameter at connect time) and returns
// the claims to attach to the session. A nil Authenticator accepts any
// non-empty token, matching the teacher's single-shared-secret model.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (claims map[string]any, ok bool)
}

// AuthenticatorFunc adapts a function to an Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (map[string]any, bool)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (map[string]any, bool) {
	return f(ctx, token)
}

// ApprovalRequest is a pending approval awaiting an ApprovalResponse
// frame from some subscriber of the Approvals room.
type ApprovalRequest struct {
	ID      string
	Action  string
	Details string
}

type pendingApproval struct {
	req  ApprovalRequest
	done chan bool
	once sync.Once
}

// Config configures a Server.
type Config struct {
	Sessions          *session.Store
	Events            *eventlog.Log
	Bus               *roombus.Broadcaster
	Auth              Authenticator
	AllowOrigins      []string
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	ApprovalTimeout   time.Duration
	Logger            *slog.Logger
}

// Server accepts websocket connections and drives each through the
// realtime protocol.
type Server struct {
	sessions          *session.Store
	events            *eventlog.Log
	bus               *roombus.Broadcaster
	auth              Authenticator
	allowOrigins      []string
	heartbeatInterval time.Duration
	connectionTimeout time.Duration
	approvalTimeout   time.Duration
	logger            *slog.Logger

	approvalsMu sync.Mutex
	approvals   map[string]*pendingApproval
}

// New creates a Server. A nil Auth accepts any non-empty token.
func New(cfg Config) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 60 * time.Second
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		sessions:          cfg.Sessions,
		events:            cfg.Events,
		bus:               cfg.Bus,
		auth:              cfg.Auth,
		allowOrigins:      cfg.AllowOrigins,
		heartbeatInterval: cfg.HeartbeatInterval,
		connectionTimeout: cfg.ConnectionTimeout,
		approvalTimeout:   cfg.ApprovalTimeout,
		logger:            cfg.Logger,
		approvals:         make(map[string]*pendingApproval),
	}
}

// connection is one accepted websocket, tracking its place in the
// state machine and its live room subscriptions.
type connection struct {
	srv  *Server
	conn *websocket.Conn
	id   ids.ConnectionID

	writeMu sync.Mutex
	state   connState
	stateMu sync.Mutex

	sessionID ids.SessionID
	hasSess   bool

	subsMu sync.Mutex
	subs   map[roombus.Room]context.CancelFunc

	lastPing time.Time
}

// HandleWS upgrades r to a websocket and drives the connection until it
// closes. token and sessionID, if present as query parameters, let a
// client authenticate and resume a session without a first frame
// round-trip (spec §4.6: "Query-parameter form at connection time may
// carry token and/or session_id").
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.allowOrigins,
	})
	if err != nil {
		return
	}

	c := &connection{
		srv:  s,
		conn: conn,
		id:   ids.NewConnectionID(),
		subs: make(map[roombus.Room]context.CancelFunc),
	}
	defer c.closeAll()

	ctx := r.Context()
	if err := c.send(ctx, connectedFrame{
		Type:         "Connected",
		ConnectionID: string(c.id),
		ServerTime:   time.Now().UnixMilli(),
	}); err != nil {
		return
	}

	if token := r.URL.Query().Get("token"); token != "" {
		c.handleAuthenticate(ctx, authenticateFrame{Token: token})
	}
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		c.handleSessionRestore(ctx, sessionRestoreFrame{SessionID: sid})
	}

	go c.heartbeatLoop(ctx)

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			_ = c.send(ctx, errorFrame{Type: "Error", Code: "bad_frame", Message: "invalid frame"})
			continue
		}
		c.lastPing = time.Now()
		c.dispatch(ctx, head.Type, raw)
	}
}

func (c *connection) dispatch(ctx context.Context, typ string, raw json.RawMessage) {
	switch typ {
	case "Authenticate":
		var f authenticateFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			c.handleAuthenticate(ctx, f)
		}
	case "Subscribe":
		var f subscribeFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			c.handleSubscribe(ctx, f)
		}
	case "Unsubscribe":
		var f unsubscribeFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			c.handleUnsubscribe(ctx, f)
		}
	case "Ping":
		var f pingFrame
		_ = json.Unmarshal(raw, &f)
		_ = c.send(ctx, pongFrame{Type: "Pong", Timestamp: f.Timestamp})
	case "GetState":
		var f getStateFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			_ = c.send(ctx, subscribedFrame{Type: "Subscribed", Target: f.Target})
		}
	case "Reconnect":
		var f reconnectFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			c.handleReconnect(ctx, f)
		}
	case "SessionRestore":
		var f sessionRestoreFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			c.handleSessionRestore(ctx, f)
		}
	case "ApprovalResponse":
		var f approvalResponseFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			c.handleApprovalResponse(f)
		}
	default:
		_ = c.send(ctx, errorFrame{Type: "Error", Code: "unknown_type", Message: "unknown frame type: " + typ})
	}
}

func (c *connection) setState(s connState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *connection) getState() connState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *connection) send(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *connection) handleAuthenticate(ctx context.Context, f authenticateFrame) {
	token := strings.TrimSpace(f.Token)
	var claims map[string]any
	ok := token != ""
	if ok && c.srv.auth != nil {
		claims, ok = c.srv.auth.Authenticate(ctx, token)
	}
	if !ok {
		_ = c.send(ctx, authenticationFailedFrame{Type: "AuthenticationFailed", Reason: "invalid_token"})
		return
	}

	if !c.hasSess && c.srv.sessions != nil {
		id, err := c.srv.sessions.Create(ctx, claims)
		if err != nil {
			_ = c.send(ctx, authenticationFailedFrame{Type: "AuthenticationFailed", Reason: "session_store_unavailable"})
			return
		}
		c.sessionID = id
		c.hasSess = true
	}

	c.setState(stateAuthenticated)
	_ = c.send(ctx, authenticatedFrame{Type: "Authenticated", SessionID: string(c.sessionID)})
}

func (c *connection) requireAuthenticated(ctx context.Context) bool {
	if c.getState() == stateConnected {
		_ = c.send(ctx, errorFrame{Type: "Error", Code: "not_authenticated", Message: "Authenticate required before this operation"})
		return false
	}
	return true
}

func (c *connection) handleSubscribe(ctx context.Context, f subscribeFrame) {
	if !c.requireAuthenticated(ctx) {
		return
	}
	room := roombus.Room(f.Target)
	c.subsMu.Lock()
	if _, already := c.subs[room]; already {
		c.subsMu.Unlock()
		_ = c.send(ctx, subscribedFrame{Type: "Subscribed", Target: f.Target})
		return
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.subs[room] = cancel
	c.subsMu.Unlock()

	if c.hasSess && c.srv.sessions != nil {
		if err := c.srv.sessions.Subscribe(ctx, c.sessionID, room); err != nil {
			c.srv.logger.Warn("persist subscription failed", slog.String("room", string(room)), slog.Any("error", err))
		}
	}

	go c.forwardRoom(subCtx, room)
	_ = c.send(ctx, subscribedFrame{Type: "Subscribed", Target: f.Target})
}

func (c *connection) handleUnsubscribe(ctx context.Context, f unsubscribeFrame) {
	room := roombus.Room(f.Target)
	c.subsMu.Lock()
	cancel, ok := c.subs[room]
	delete(c.subs, room)
	c.subsMu.Unlock()
	if ok {
		cancel()
	}
	if c.hasSess && c.srv.sessions != nil {
		_ = c.srv.sessions.Unsubscribe(ctx, c.sessionID, room)
	}
	_ = c.send(ctx, unsubscribedFrame{Type: "Unsubscribed", Target: f.Target})
}

// forwardRoom subscribes to room on the shared broadcaster and streams
// live messages to the client until subCtx is cancelled (on
// Unsubscribe or connection close), persisting the high-water mark as
// it goes so a later SessionRestore can resume from it.
func (c *connection) forwardRoom(subCtx context.Context, room roombus.Room) {
	if c.srv.bus == nil {
		return
	}
	sub := c.srv.bus.Subscribe(room)
	defer c.srv.bus.Unsubscribe(sub)

	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload, err := json.Marshal(msg.Payload)
			if err != nil {
				continue
			}

			// Approval resolutions get the spec's dedicated ApprovalResult
			// frame type rather than a generic RoomEvent, since clients
			// waiting on a specific approval_id match on type.
			if room == roombus.RoomApprovals() && msg.Kind == "approval.resolved" {
				var resolved struct {
					ApprovalID string `json:"approval_id"`
					Approved   bool   `json:"approved"`
				}
				if err := json.Unmarshal(payload, &resolved); err == nil {
					if err := c.send(subCtx, approvalResultFrame{Type: "ApprovalResult", ApprovalID: resolved.ApprovalID, Approved: resolved.Approved}); err != nil {
						return
					}
					if c.hasSess && c.srv.sessions != nil && msg.EventID > 0 {
						_ = c.srv.sessions.SetLastEventID(subCtx, c.sessionID, room, msg.EventID)
					}
					continue
				}
			}

			u := update{EventID: msg.EventID, Room: string(msg.Room), Kind: msg.Kind, Payload: payload, Timestamp: time.Now().UnixMilli()}
			if err := c.send(subCtx, struct {
				Type string `json:"type"`
				update
			}{Type: "RoomEvent", update: u}); err != nil {
				return
			}
			if c.hasSess && c.srv.sessions != nil && msg.EventID > 0 {
				_ = c.srv.sessions.SetLastEventID(subCtx, c.sessionID, room, msg.EventID)
			}
		}
	}
}

// handleSessionRestore resumes a previously authenticated session on
// this (possibly brand new) connection: subscriptions, replay of
// missed events per room bundled into one MissedUpdates frame, then a
// SessionRestored control frame, matching spec §4.6's "replay each
// room's events > last_seen_event_id ... in one bundle before resuming
// live stream. Emit a SessionRestored{missed_count} control message."
func (c *connection) handleSessionRestore(ctx context.Context, f sessionRestoreFrame) {
	if c.srv.sessions == nil {
		_ = c.send(ctx, authenticationFailedFrame{Type: "AuthenticationFailed", Reason: "sessions_unavailable"})
		return
	}
	sid := ids.SessionID(f.SessionID)
	if _, err := c.srv.sessions.Get(ctx, sid); err != nil {
		_ = c.send(ctx, authenticationFailedFrame{Type: "AuthenticationFailed", Reason: "unknown_session"})
		return
	}
	c.sessionID = sid
	c.hasSess = true
	c.setState(stateAuthenticated)
	_ = c.srv.sessions.Touch(ctx, sid)

	subs, err := c.srv.sessions.Subscriptions(ctx, sid)
	if err != nil {
		c.srv.logger.Warn("load subscriptions failed", slog.Any("error", err))
		subs = nil
	}

	var bundle []update
	for room, lastEventID := range subs {
		if f.LastEventID > lastEventID {
			lastEventID = f.LastEventID
		}
		events, err := c.replayRoom(ctx, room, lastEventID)
		if err != nil {
			c.srv.logger.Warn("replay room failed", slog.String("room", string(room)), slog.Any("error", err))
			continue
		}
		bundle = append(bundle, events...)

		subCtx, cancel := context.WithCancel(ctx)
		c.subsMu.Lock()
		c.subs[room] = cancel
		c.subsMu.Unlock()
		go c.forwardRoom(subCtx, room)
	}

	_ = c.send(ctx, missedUpdatesFrame{Type: "MissedUpdates", Updates: bundle})
	_ = c.send(ctx, sessionRestoredFrame{Type: "SessionRestored", SessionID: f.SessionID, MissedCount: len(bundle)})
}

// handleReconnect is the lighter-weight counterpart to SessionRestore:
// spec §4.6 lists both Reconnect{session_id, last_message_id?} and
// SessionRestore{session_id, last_event_id?} as distinct client frames,
// with Reconnected{session_id, missed_messages[]} as the matching
// acknowledgement instead of the MissedUpdates+SessionRestored pair.
func (c *connection) handleReconnect(ctx context.Context, f reconnectFrame) {
	if c.srv.sessions == nil {
		_ = c.send(ctx, authenticationFailedFrame{Type: "AuthenticationFailed", Reason: "sessions_unavailable"})
		return
	}
	sid := ids.SessionID(f.SessionID)
	if _, err := c.srv.sessions.Get(ctx, sid); err != nil {
		_ = c.send(ctx, authenticationFailedFrame{Type: "AuthenticationFailed", Reason: "unknown_session"})
		return
	}
	c.sessionID = sid
	c.hasSess = true
	c.setState(stateAuthenticated)
	_ = c.srv.sessions.Touch(ctx, sid)

	subs, _ := c.srv.sessions.Subscriptions(ctx, sid)
	var missed []update
	for room, lastEventID := range subs {
		if f.LastMessageID > lastEventID {
			lastEventID = f.LastMessageID
		}
		events, err := c.replayRoom(ctx, room, lastEventID)
		if err != nil {
			continue
		}
		missed = append(missed, events...)

		subCtx, cancel := context.WithCancel(ctx)
		c.subsMu.Lock()
		c.subs[room] = cancel
		c.subsMu.Unlock()
		go c.forwardRoom(subCtx, room)
	}
	_ = c.send(ctx, reconnectedFrame{Type: "Reconnected", SessionID: f.SessionID, MissedMessages: missed})
}

// replayRoom loads events after fromEventID for room, emitting a gap
// marker kind if the retention horizon has already evicted some of
// them (spec §8's retention-gap boundary case) rather than silently
// resuming mid-stream.
func (c *connection) replayRoom(ctx context.Context, room roombus.Room, fromEventID int64) ([]update, error) {
	if c.srv.events == nil {
		return nil, nil
	}
	gap, err := c.srv.events.HasGap(ctx, room, fromEventID)
	if err != nil {
		return nil, err
	}
	events, err := c.srv.events.ListFrom(ctx, room, fromEventID, 1000)
	if err != nil {
		return nil, err
	}
	out := make([]update, 0, len(events)+1)
	if gap {
		out = append(out, update{Room: string(room), Kind: "replay_gap", Payload: json.RawMessage("null")})
	}
	for _, ev := range events {
		out = append(out, update{
			EventID:   ev.EventID,
			Room:      string(ev.Room),
			Kind:      ev.Kind,
			Payload:   ev.Payload,
			Timestamp: ev.Ts.UnixMilli(),
		})
	}
	return out, nil
}

func (c *connection) handleApprovalResponse(f approvalResponseFrame) {
	c.srv.resolveApproval(f.ApprovalID, f.Approved)
}

// heartbeatLoop sends periodic Heartbeat frames and force-closes the
// connection if no client frame (Ping or otherwise) has arrived within
// ConnectionTimeout, matching spec §4.6's "missing pings for longer
// than connection_timeout_secs triggers server-initiated close."
func (c *connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.srv.heartbeatInterval)
	defer ticker.Stop()
	c.lastPing = time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(c.lastPing) > c.srv.connectionTimeout {
				c.setState(stateClosing)
				_ = c.conn.Close(websocket.StatusPolicyViolation, "idle_timeout")
				return
			}
			if err := c.send(ctx, heartbeatFrame{Type: "Heartbeat", ServerTime: time.Now().UnixMilli()}); err != nil {
				return
			}
		}
	}
}

func (c *connection) closeAll() {
	c.setState(stateClosed)
	c.subsMu.Lock()
	for room, cancel := range c.subs {
		cancel()
		delete(c.subs, room)
	}
	c.subsMu.Unlock()
}

// RequestApproval publishes an approval request to the Approvals room
// and blocks until some subscriber answers with an ApprovalResponse
// frame, ctx is cancelled, or ApprovalTimeout elapses (defaulting to
// deny on timeout, matching the teacher's ApprovalTimeout semantics).
func (s *Server) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	pending := &pendingApproval{req: req, done: make(chan bool, 1)}
	s.approvalsMu.Lock()
	s.approvals[req.ID] = pending
	s.approvalsMu.Unlock()
	defer func() {
		s.approvalsMu.Lock()
		delete(s.approvals, req.ID)
		s.approvalsMu.Unlock()
	}()

	room := roombus.RoomApprovals()
	payload := map[string]any{"approval_id": req.ID, "action": req.Action, "details": req.Details}
	var eventID int64
	if s.events != nil {
		if ev, err := s.events.Append(ctx, room, "approval.requested", payload); err == nil {
			eventID = ev.EventID
		}
	}
	if s.bus != nil {
		s.bus.Broadcast(roombus.Message{Room: room, EventID: eventID, Kind: "approval.requested", Payload: payload})
	}

	timer := time.NewTimer(s.approvalTimeout)
	defer timer.Stop()
	select {
	case approved := <-pending.done:
		s.publishApprovalResult(ctx, req.ID, approved)
		return approved, nil
	case <-timer.C:
		s.publishApprovalResult(ctx, req.ID, false)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *Server) resolveApproval(approvalID string, approved bool) {
	s.approvalsMu.Lock()
	pending, ok := s.approvals[approvalID]
	s.approvalsMu.Unlock()
	if !ok {
		return
	}
	pending.once.Do(func() { pending.done <- approved })
}

// ResolveApproval answers a pending approval from outside the websocket
// protocol — e.g. a bridge (internal/bridges) forwarding an operator's
// reply from another channel such as Telegram. Equivalent to receiving
// an ApprovalResponse frame for approvalID over a connection.
func (s *Server) ResolveApproval(approvalID string, approved bool) {
	s.resolveApproval(approvalID, approved)
}

func (s *Server) publishApprovalResult(ctx context.Context, approvalID string, approved bool) {
	room := roombus.RoomApprovals()
	payload := map[string]any{"approval_id": approvalID, "approved": approved}
	var eventID int64
	if s.events != nil {
		if ev, err := s.events.Append(ctx, room, "approval.resolved", payload); err == nil {
			eventID = ev.EventID
		}
	}
	if s.bus != nil {
		s.bus.Broadcast(roombus.Message{Room: room, EventID: eventID, Kind: "approval.resolved", Payload: payload})
	}
}
