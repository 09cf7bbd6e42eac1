// Package model holds the data types reconciled by the agent: deployments,
// config instances, their status axes, and the small auxiliary types
// (tokens, device records, config-instance content) stored in the
// actor-backed caches of internal/cache and the cached files of
// internal/cachedfile.
package model

import (
	"encoding/json"
	"log/slog"
)

// TargetStatus is what the control plane wants a deployment to be.
type TargetStatus string

const (
	TargetStaged   TargetStatus = "staged"
	TargetDeployed TargetStatus = "deployed"
	TargetArchived TargetStatus = "archived"

	defaultTargetStatus = TargetStaged
)

// ActivityStatus is what the agent has actually done for a deployment.
type ActivityStatus string

const (
	ActivityDrifted  ActivityStatus = "drifted"
	ActivityStaged   ActivityStatus = "staged"
	ActivityQueued   ActivityStatus = "queued"
	ActivityDeployed ActivityStatus = "deployed"
	ActivityArchived ActivityStatus = "archived"

	defaultActivityStatus = ActivityDrifted
)

// ErrorStatus is the orthogonal retry/failure state recorded alongside
// activity.
type ErrorStatus string

const (
	ErrorNone     ErrorStatus = "none"
	ErrorRetrying ErrorStatus = "retrying"
	ErrorFailed   ErrorStatus = "failed"

	defaultErrorStatus = ErrorNone
)

// Status is the derived, observer-facing status: Failed and Retrying take
// precedence over activity; otherwise activity maps 1:1.
type Status string

// Derive computes the observer-facing status from a deployment's three
// axes per spec.md §3.
func Derive(activity ActivityStatus, errStatus ErrorStatus) Status {
	switch errStatus {
	case ErrorFailed:
		return Status(ErrorFailed)
	case ErrorRetrying:
		return Status(ErrorRetrying)
	default:
		return Status(activity)
	}
}

// unknownStatusHook is called, if set, whenever unmarshalWithDefault falls
// back to a default because the control plane sent a status string this
// build doesn't recognize. cmd/agent wires it to a Prometheus counter at
// startup; it is nil (and skipped) in tests and other callers that never
// set it.
var unknownStatusHook func(field string)

// SetUnknownStatusHook registers fn to be called on every unrecognized
// status value decoded by this package, in addition to the warn log
// unmarshalWithDefault always emits. Passing nil disables it.
func SetUnknownStatusHook(fn func(field string)) {
	unknownStatusHook = fn
}

// unmarshalWithDefault implements the ingest compatibility guarantee:
// unknown string values deserialize to defaultValue plus a warning, rather
// than an error. field is used only for the warning log and the metrics
// hook.
func unmarshalWithDefault[T ~string](data []byte, valid map[T]bool, defaultValue T, field string) T {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("status field is not a JSON string, using default", "field", field, "error", err)
		if unknownStatusHook != nil {
			unknownStatusHook(field)
		}
		return defaultValue
	}
	candidate := T(raw)
	if valid[candidate] {
		return candidate
	}
	slog.Warn("unknown status value, deserializing to default", "field", field, "value", raw, "default", defaultValue)
	if unknownStatusHook != nil {
		unknownStatusHook(field)
	}
	return defaultValue
}

var validTargetStatuses = map[TargetStatus]bool{
	TargetStaged:   true,
	TargetDeployed: true,
	TargetArchived: true,
}

func (s *TargetStatus) UnmarshalJSON(data []byte) error {
	*s = unmarshalWithDefault(data, validTargetStatuses, defaultTargetStatus, "target_status")
	return nil
}

var validActivityStatuses = map[ActivityStatus]bool{
	ActivityDrifted:  true,
	ActivityStaged:   true,
	ActivityQueued:   true,
	ActivityDeployed: true,
	ActivityArchived: true,
}

func (s *ActivityStatus) UnmarshalJSON(data []byte) error {
	*s = unmarshalWithDefault(data, validActivityStatuses, defaultActivityStatus, "activity_status")
	return nil
}

var validErrorStatuses = map[ErrorStatus]bool{
	ErrorNone:     true,
	ErrorRetrying: true,
	ErrorFailed:   true,
}

func (s *ErrorStatus) UnmarshalJSON(data []byte) error {
	*s = unmarshalWithDefault(data, validErrorStatuses, defaultErrorStatus, "error_status")
	return nil
}
