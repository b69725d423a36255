package realtime

import "encoding/json"

// Every frame, in both directions, is a discriminated JSON object
// tagged by "type" (spec §4.6), generalizing the teacher's JSON-RPC 2.0
// envelope (internal/gateway's rpcRequest/rpcResponse) into the spec's
// tagged-union frame set. The handler reads the "type" tag first, then
// unmarshals into the matching struct below.

// --- client -> server frames ---

type authenticateFrame struct {
	Token string `json:"token"`
}

type subscribeFrame struct {
	Target string `json:"target"`
}

type unsubscribeFrame struct {
	Target string `json:"target"`
}

type pingFrame struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

type getStateFrame struct {
	Target string `json:"target"`
}

type reconnectFrame struct {
	SessionID     string `json:"session_id"`
	LastMessageID int64  `json:"last_message_id,omitempty"`
}

type sessionRestoreFrame struct {
	SessionID   string `json:"session_id"`
	LastEventID int64  `json:"last_event_id,omitempty"`
}

type approvalResponseFrame struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

// --- server -> client frames ---

type connectedFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	ServerTime   int64  `json:"server_time"`
	SessionID    string `json:"session_id,omitempty"`
}

type authenticatedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type authenticationFailedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type subscribedFrame struct {
	Type         string `json:"type"`
	Target       string `json:"target"`
	CurrentState any    `json:"current_state,omitempty"`
}

type unsubscribedFrame struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

type heartbeatFrame struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"server_time"`
}

type pongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// update is one queued event inside a MissedUpdates/Reconnected bundle.
type update struct {
	EventID   int64           `json:"event_id"`
	Room      string          `json:"room"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

type missedUpdatesFrame struct {
	Type    string   `json:"type"`
	Updates []update `json:"updates"`
}

type sessionRestoredFrame struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	MissedCount int    `json:"missed_count"`
}

type reconnectedFrame struct {
	Type           string   `json:"type"`
	SessionID      string   `json:"session_id"`
	MissedMessages []update `json:"missed_messages"`
}

type approvalResultFrame struct {
	Type       string `json:"type"`
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
}
