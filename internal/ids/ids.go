// Package ids defines the distinct identifier types used throughout the
// orchestration core. Each is a defined string type over a UUIDv4 so that
// mixing, say, a TaskID and an AgentID is a compile-time error rather than
// a runtime one.
package ids

import "github.com/google/uuid"

// TaskID identifies a Task.
type TaskID string

// AgentID identifies an Agent.
type AgentID string

// DagID identifies a DAG.
type DagID string

// ContractID identifies a Contract.
type ContractID string

// ConnectionID identifies a realtime transport connection.
type ConnectionID string

// SessionID identifies a Session, independent of any one connection.
type SessionID string

// NewTaskID generates a new random TaskID.
func NewTaskID() TaskID { return TaskID(uuid.NewString()) }

// NewAgentID generates a new random AgentID.
func NewAgentID() AgentID { return AgentID(uuid.NewString()) }

// NewDagID generates a new random DagID.
func NewDagID() DagID { return DagID(uuid.NewString()) }

// NewContractID generates a new random ContractID.
func NewContractID() ContractID { return ContractID(uuid.NewString()) }

// NewConnectionID generates a new random ConnectionID.
func NewConnectionID() ConnectionID { return ConnectionID(uuid.NewString()) }

// NewSessionID generates a new random SessionID.
func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

// Valid reports whether s parses as a UUID; used to validate ids arriving
// over the wire (control-plane RPC, realtime frames) before lookup.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
