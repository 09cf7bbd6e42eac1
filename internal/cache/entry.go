package cache

import "time"

// Overwrite controls whether Write may replace an existing entry.
type Overwrite int

const (
	// Deny leaves an existing entry untouched.
	Deny Overwrite = iota
	Allow
)

// Cloner is implemented by every value type stored in a Cache, so that no
// value is ever shared by pointer across the actor's mailbox boundary
// (spec.md §3 "Ownership"): values are cloned on the way in and out.
type Cloner[V any] interface {
	Clone() V
}

// Entry is a cache entry for any value type V (spec.md §3 "Cache entry").
type Entry[V any] struct {
	Key          string
	Value        V
	CreatedAt    time.Time
	LastAccessed time.Time
	Dirty        bool
}

func (e Entry[V]) clone(cloneValue func(V) V) Entry[V] {
	e.Value = cloneValue(e.Value)
	return e
}

// IsDirty predicates decide, on every write, whether the new entry should
// be flagged dirty. old is nil when there was no prior entry. Per spec.md
// §9, implementations without first-class functions over a channel should
// send a tagged variant instead; Go has first-class function values, so a
// plain closure is used, with the handful of call sites the design note
// mentions provided as named constructors below.
type IsDirty[V any] func(old *Entry[V], newValue V) bool

// DirtyAlways always marks the written entry dirty.
func DirtyAlways[V any]() IsDirty[V] {
	return func(*Entry[V], V) bool { return true }
}

// DirtyNever never marks the written entry dirty — used by pull, which
// writes control-plane state that does not itself need pushing back.
func DirtyNever[V any]() IsDirty[V] {
	return func(*Entry[V], V) bool { return false }
}

// DirtyIfChanged marks the entry dirty if there was no prior entry, the
// prior entry was already dirty, or changed(old, new) reports a
// significant change — this is the predicate the reconciliation apply
// observer (internal/reconcile) uses: "prior entry was dirty, or
// activity/error status changed, or there was no prior entry" (spec.md
// §4.3).
func DirtyIfChanged[V any](changed func(old, new V) bool) IsDirty[V] {
	return func(old *Entry[V], newValue V) bool {
		if old == nil {
			return true
		}
		if old.Dirty {
			return true
		}
		return changed(old.Value, newValue)
	}
}
