// Package orcherr defines the stable error-code taxonomy shared by every
// core subsystem. Each Code carries a fixed Severity, Retryable flag, and
// TransportStatus so that a failure can be mapped consistently to a DAG
// retry decision, a metric, a log level, and an external status without
// re-deriving that mapping at each call site.
package orcherr

import (
	"errors"
	"fmt"
)

// Severity drives the report/count/log/alert escalation described in
// spec §7: Low reports only; Medium adds counting; High adds logging;
// Critical adds alerting.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Code is a stable taxonomy code. Numeric values follow spec §7's banding:
// DAG 1000s, Contract 1100s, Agent 1200s, Tool 1300s, Storage 2000s, Bus
// 2100s, Serialization 2200s, External 3000s, Auth 4000s, Validation
// 4100s, Config 5000s, Internal 9000s.
type Code uint32

const (
	// DAG (1000s)
	DagCycleDetected       Code = 1000
	DagValidationFailed    Code = 1001
	TaskNotFound           Code = 1002
	TaskAlreadyExists      Code = 1003
	InvalidStateTransition Code = 1004
	DependencyNotMet       Code = 1005

	// Contract (1100s)
	TokenLimitExceeded  Code = 1100
	CostLimitExceeded   Code = 1101
	TimeLimitExceeded   Code = 1102
	ApiCallLimitExceeded Code = 1103
	ContractViolation   Code = 1104
	ContractNotFound    Code = 1105
	ContractExpired     Code = 1106

	// Agent (1200s)
	AgentNotFound        Code = 1200
	AgentOverloaded      Code = 1201
	AgentExecutionFailed Code = 1202
	AgentTimeout         Code = 1203
	LoopDetected         Code = 1204
	AgentUnavailable     Code = 1205

	// Tool (1300s)
	ToolInvocationFailed Code = 1300
	ToolNotFound         Code = 1301

	// Storage (2000s)
	StorageUnavailable Code = 2000
	StorageConflict    Code = 2001

	// Bus (2100s)
	BusPublishFailed   Code = 2100
	BusSubscribeFailed Code = 2101

	// Serialization (2200s)
	SerializationFailed Code = 2200

	// External (3000s)
	LlmRateLimited Code = 3000
	ExternalTimeout Code = 3001

	// Auth (4000s)
	AuthenticationFailed Code = 4000
	AuthorizationDenied  Code = 4001
	SessionNotFound      Code = 4002
	SessionExpired       Code = 4003

	// Validation (4100s)
	ValidationFailed Code = 4100

	// Config (5000s)
	ConfigInvalid Code = 5000

	// Internal (9000s)
	Internal Code = 9000
)

type codeProps struct {
	severity        Severity
	retryable       bool
	transportStatus int
}

var registry = map[Code]codeProps{
	DagCycleDetected:       {SeverityMedium, false, 409},
	DagValidationFailed:    {SeverityMedium, false, 400},
	TaskNotFound:           {SeverityLow, false, 404},
	TaskAlreadyExists:      {SeverityLow, false, 409},
	InvalidStateTransition: {SeverityMedium, false, 409},
	DependencyNotMet:       {SeverityLow, false, 409},

	TokenLimitExceeded:   {SeverityHigh, false, 402},
	CostLimitExceeded:    {SeverityHigh, false, 402},
	TimeLimitExceeded:    {SeverityHigh, false, 408},
	ApiCallLimitExceeded: {SeverityHigh, false, 402},
	ContractViolation:    {SeverityHigh, false, 409},
	ContractNotFound:     {SeverityMedium, false, 404},
	ContractExpired:      {SeverityMedium, false, 410},

	AgentNotFound:        {SeverityMedium, true, 503},
	AgentOverloaded:       {SeverityMedium, true, 503},
	AgentExecutionFailed: {SeverityMedium, true, 500},
	AgentTimeout:         {SeverityMedium, true, 504},
	LoopDetected:         {SeverityHigh, false, 409},
	AgentUnavailable:     {SeverityHigh, true, 503},

	ToolInvocationFailed: {SeverityMedium, true, 500},
	ToolNotFound:         {SeverityLow, false, 404},

	StorageUnavailable: {SeverityCritical, true, 503},
	StorageConflict:    {SeverityMedium, true, 409},

	BusPublishFailed:   {SeverityMedium, true, 503},
	BusSubscribeFailed: {SeverityMedium, true, 503},

	SerializationFailed: {SeverityMedium, false, 400},

	LlmRateLimited:  {SeverityMedium, true, 429},
	ExternalTimeout: {SeverityMedium, true, 504},

	AuthenticationFailed: {SeverityMedium, false, 401},
	AuthorizationDenied:  {SeverityMedium, false, 403},
	SessionNotFound:      {SeverityLow, false, 404},
	SessionExpired:       {SeverityLow, false, 401},

	ValidationFailed: {SeverityLow, false, 400},

	ConfigInvalid: {SeverityCritical, false, 500},

	Internal: {SeverityCritical, true, 500},
}

// Error is the concrete error type carrying a stable Code plus a
// user-safe message and an optional internal message that must never be
// surfaced to external callers (spec §7 propagation policy).
type Error struct {
	Code       Code
	Message    string // user-safe
	Internal   string // internal-only detail, never shown externally
	Details    map[string]any
	RequestID  string
	wrapped    error
}

func (e *Error) Error() string {
	if e.Internal != "" {
		return fmt.Sprintf("%s: %s (internal: %s)", codeName(e.Code), e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", codeName(e.Code), e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Severity returns e's severity classification.
func (e *Error) Severity() Severity { return registry[e.Code].severity }

// Retryable reports whether the DAG engine should retry a task that
// failed with this error (subject to retry_count < max_retries).
func (e *Error) Retryable() bool { return registry[e.Code].retryable }

// TransportStatus returns the external status code this error maps to.
func (e *Error) TransportStatus() int { return registry[e.Code].transportStatus }

// New constructs an Error with a user-safe message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error that attaches internal detail and wraps cause,
// so that a storage/bus error can be mapped to the local taxonomy at the
// component boundary (spec §7) while preserving the original for logging
// via errors.Unwrap.
func Wrap(code Code, message string, cause error) *Error {
	internal := ""
	if cause != nil {
		internal = cause.Error()
	}
	return &Error{Code: code, Message: message, Internal: internal, wrapped: cause}
}

// WithDetails attaches structured detail (e.g. {axis, used, limit}) and
// returns e for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithRequestID attaches a request id for the external error envelope.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, returning Internal otherwise.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsRetryable reports whether err should trigger an in-task retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

func codeName(c Code) string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", c)
}

var codeNames = map[Code]string{
	DagCycleDetected:       "DagCycleDetected",
	DagValidationFailed:    "DagValidationFailed",
	TaskNotFound:           "TaskNotFound",
	TaskAlreadyExists:      "TaskAlreadyExists",
	InvalidStateTransition: "InvalidStateTransition",
	DependencyNotMet:       "DependencyNotMet",
	TokenLimitExceeded:     "TokenLimitExceeded",
	CostLimitExceeded:      "CostLimitExceeded",
	TimeLimitExceeded:      "TimeLimitExceeded",
	ApiCallLimitExceeded:   "ApiCallLimitExceeded",
	ContractViolation:      "ContractViolation",
	ContractNotFound:       "ContractNotFound",
	ContractExpired:        "ContractExpired",
	AgentNotFound:          "AgentNotFound",
	AgentOverloaded:        "AgentOverloaded",
	AgentExecutionFailed:   "AgentExecutionFailed",
	AgentTimeout:           "AgentTimeout",
	LoopDetected:           "LoopDetected",
	AgentUnavailable:       "AgentUnavailable",
	ToolInvocationFailed:   "ToolInvocationFailed",
	ToolNotFound:           "ToolNotFound",
	StorageUnavailable:     "StorageUnavailable",
	StorageConflict:        "StorageConflict",
	BusPublishFailed:       "BusPublishFailed",
	BusSubscribeFailed:     "BusSubscribeFailed",
	SerializationFailed:    "SerializationFailed",
	LlmRateLimited:         "LlmRateLimited",
	ExternalTimeout:        "ExternalTimeout",
	AuthenticationFailed:   "AuthenticationFailed",
	AuthorizationDenied:    "AuthorizationDenied",
	SessionNotFound:        "SessionNotFound",
	SessionExpired:         "SessionExpired",
	ValidationFailed:       "ValidationFailed",
	ConfigInvalid:          "ConfigInvalid",
	Internal:               "Internal",
}

// AxisCode maps a resourcemodel axis name to the contract error code that
// should be raised when that axis is exceeded.
func AxisCode(axis string) Code {
	switch axis {
	case "tokens":
		return TokenLimitExceeded
	case "cost":
		return CostLimitExceeded
	case "time":
		return TimeLimitExceeded
	case "api_calls":
		return ApiCallLimitExceeded
	default:
		return ContractViolation
	}
}
