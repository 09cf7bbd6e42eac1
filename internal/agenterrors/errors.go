// Package agenterrors provides the shared error taxonomy consumed throughout
// the agent: every error that crosses a component boundary exposes whether
// it is network-related or an authentication failure, grounded on the
// tagged-struct-error pattern used for cache and resilience errors
// elsewhere in the wider codebase.
package agenterrors

import (
	"errors"
	"fmt"
)

// Classified is implemented by any error that can be routed by the
// network/authentication taxonomy described in the design.
type Classified interface {
	error
	IsNetworkConnectionError() bool
	IsAuthenticationError() bool
}

// Kind labels the taxonomy bucket an AgentError belongs to, used for
// metrics and logging.
type Kind string

const (
	KindNetwork    Kind = "network_connection"
	KindAuth       Kind = "authentication"
	KindProtocol   Kind = "non_recoverable_protocol"
	KindPolicy     Kind = "policy"
	KindRollback   Kind = "rollback"
)

// AgentError is the concrete error type used across the agent. It carries
// a Kind plus an optional wrapped cause.
type AgentError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *AgentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Cause }

// IsNetworkConnectionError reports whether this error should never advance
// a deployment's retry-attempt counter.
func (e *AgentError) IsNetworkConnectionError() bool { return e.Kind == KindNetwork }

// IsAuthenticationError reports whether this error should trigger a token
// refresh and client reconstruction.
func (e *AgentError) IsAuthenticationError() bool { return e.Kind == KindAuth }

// NewNetworkError wraps cause as a network-connection error: transport or
// connect timeouts, refused TCP, DNS failures. Never advances retry streaks.
func NewNetworkError(message string, cause error) *AgentError {
	return &AgentError{Kind: KindNetwork, Message: message, Cause: cause}
}

// NewAuthError wraps cause as an authentication error (401-equivalent HTTP,
// bad-credentials MQTT CONNACK).
func NewAuthError(message string, cause error) *AgentError {
	return &AgentError{Kind: KindAuth, Message: message, Cause: cause}
}

// NewProtocolError wraps cause as a non-recoverable protocol error
// (malformed JSON, schema mismatch, unexpected status transition). Counted
// toward retry streaks.
func NewProtocolError(message string, cause error) *AgentError {
	return &AgentError{Kind: KindProtocol, Message: message, Cause: cause}
}

// Policy-signaling sentinels: misuse of the API, not outages.
var (
	// ErrInCooldown is returned by a direct sync call made while the
	// adaptive cooldown has not yet elapsed.
	ErrInCooldown = &AgentError{Kind: KindPolicy, Message: "sync is in cooldown"}

	// ErrDuplicateRegistration is returned when the supervisor is asked to
	// register the same worker handle twice.
	ErrDuplicateRegistration = &AgentError{Kind: KindPolicy, Message: "worker handle already registered"}

	// ErrShutdown is returned by cache/cached-file operations issued after
	// Shutdown has been called on the owning actor.
	ErrShutdown = &AgentError{Kind: KindPolicy, Message: "actor is shut down"}

	// ErrTooManyMatches is returned by find_one_* operations that match two
	// or more entries, violating their "expect at most one" contract.
	ErrTooManyMatches = &AgentError{Kind: KindPolicy, Message: "expected at most one match"}
)

// RollbackError is built by the deployment projection when a swap fails
// and the attempt to restore the original deployment root also fails. Both
// causes and the trash path are retained. The projection passes it only to
// fsm.Error, which uses it to classify the failure; neither
// projection.Deploy nor reconcile.Apply returns it to its caller.
type RollbackError struct {
	Primary    error
	Rollback   error
	TrashPath  string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback: swap failed (%v) and restore also failed (%v); trash left at %s",
		e.Primary, e.Rollback, e.TrashPath)
}

func (e *RollbackError) Unwrap() error { return e.Primary }

func (e *RollbackError) IsNetworkConnectionError() bool { return false }
func (e *RollbackError) IsAuthenticationError() bool     { return false }

// Is implements comparison against agenterrors.Kind-tagged sentinels via
// errors.Is: two *AgentError values are equal for this purpose if they
// share a Kind and Message (the sentinel vars above have no Cause, so a
// direct pointer/value comparison suffices for those; this method exists so
// errors.Is(err, ErrInCooldown) also matches a freshly constructed error of
// the same shape).
func (e *AgentError) Is(target error) bool {
	var other *AgentError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind && e.Message == other.Message
}

// Classify inspects err and returns the closest-matching Classified view,
// defaulting to a non-recoverable protocol classification when err does
// not already implement Classified.
func Classify(err error) Classified {
	var classified Classified
	if errors.As(err, &classified) {
		return classified
	}
	return NewProtocolError(err.Error(), err)
}
