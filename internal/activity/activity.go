// Package activity defines the idle-activity tracker the lifecycle
// supervisor (component K) consults for its idle-timeout shutdown trigger.
// The tracker itself — wired to whatever host-application traffic counts as
// "activity" — is a Non-goal (spec.md §1); only the narrow interface and a
// trivial concrete implementation live here.
package activity

import (
	"sync/atomic"
	"time"
)

// Tracker reports when the agent was last touched by externally-visible
// activity. The supervisor's idle-timeout check compares time.Since
// (LastTouched()) against a configured threshold (spec.md §4.8).
type Tracker interface {
	LastTouched() time.Time
}

// Clock is a Tracker whose last-touched time is advanced explicitly by
// Touch calls, backed by an atomically-stored Unix nanosecond timestamp so
// concurrent readers never race with a writer. The control socket and MQTT
// worker are the intended callers of Touch; both are otherwise Non-goals or
// narrow interfaces, so this implementation is deliberately small.
type Clock struct {
	lastTouchedUnixNano atomic.Int64
}

// NewClock returns a Clock initialized to the current time.
func NewClock() *Clock {
	c := &Clock{}
	c.Touch()
	return c
}

// Touch records now as the last-touched time.
func (c *Clock) Touch() {
	c.lastTouchedUnixNano.Store(time.Now().UnixNano())
}

// LastTouched implements Tracker.
func (c *Clock) LastTouched() time.Time {
	return time.Unix(0, c.lastTouchedUnixNano.Load())
}
