// Package cache implements the actor-backed concurrent cache (component C):
// a bounded mailbox fronting a single-threaded key/value cache with LRU
// eviction and dirty tracking. The worker goroutine owns every piece of
// mutable state; callers only ever send closures and read results off a
// reply channel, so there is exactly one serialization point per cache
// (spec.md §4.7, §9 "Actor pattern over fine-grained locks").
//
// The single-threaded backing store is a recency-ordered
// hashicorp/golang-lru/v2 cache: every Get/Add call updates recency, and
// RemoveOldest evicts the least-recently-touched key, which is exactly the
// "sort by last-accessed ascending" half of the spec's eviction rule. The
// "prune invalid entries first" half is layered on top with a
// caller-supplied validity predicate.
package cache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vitaliisemenov/fleet-agent/internal/agenterrors"
)

// Cache is the actor handle: cheap to copy and share, just a mailbox and a
// shutdown signal. The state it fronts lives only on the actor goroutine.
type Cache[V any] struct {
	mailbox chan func()
	stop    chan struct{}
	closed  chan struct{}
	st      *state[V]
}

// Options configures a Cache at construction time.
type Options[V any] struct {
	Capacity int
	// Clone returns a value safe to hand across the mailbox boundary. If
	// nil, values are passed through unchanged (safe only for already
	// -immutable V).
	Clone func(V) V
	// Valid reports whether an entry's value is still usable. Invalid
	// entries are pruned before the oldest-by-last-accessed pass during
	// eviction, and by an explicit Prune call. If nil, every value is
	// considered valid.
	Valid func(V) bool
}

type state[V any] struct {
	lru      *lru.Cache[string, *Entry[V]]
	capacity int
	clone    func(V) V
	valid    func(V) bool
}

// New starts the actor goroutine and returns a handle to it.
func New[V any](opts Options[V]) *Cache[V] {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	clone := opts.Clone
	if clone == nil {
		clone = func(v V) V { return v }
	}
	valid := opts.Valid
	if valid == nil {
		valid = func(V) bool { return true }
	}

	// The backing lru.Cache's own capacity is kept effectively unbounded;
	// eviction is driven explicitly by writeLocked below so the
	// invalid-entries-first rule can run before the recency-based pass.
	backing, err := lru.New[string, *Entry[V]](1 << 30)
	if err != nil {
		panic(fmt.Sprintf("cache: unreachable lru.New failure: %v", err))
	}

	c := &Cache[V]{
		mailbox: make(chan func(), 64),
		stop:    make(chan struct{}),
		closed:  make(chan struct{}),
		st:      &state[V]{lru: backing, capacity: opts.Capacity, clone: clone, valid: valid},
	}
	go c.run()
	return c
}

func (c *Cache[V]) run() {
	defer close(c.closed)
	for {
		select {
		case fn := <-c.mailbox:
			fn()
		case <-c.stop:
			return
		}
	}
}

// send submits fn to the actor and blocks until it has run, returning
// ErrShutdown if the actor has already been shut down. fn must be
// side-effect-free outside of the state it closes over (it runs on the
// owning goroutine, never concurrently with any other command).
func (c *Cache[V]) send(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case c.mailbox <- wrapped:
	case <-c.closed:
		return agenterrors.ErrShutdown
	}
	select {
	case <-done:
		return nil
	case <-c.closed:
		return agenterrors.ErrShutdown
	}
}

func touch[V any](e *Entry[V]) {
	e.LastAccessed = time.Now()
}

// Shutdown stops the actor. Commands sent afterward fail with
// agenterrors.ErrShutdown; the caller may then rely on no further mutation
// happening and drop the handle. Safe to call more than once.
func (c *Cache[V]) Shutdown() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	select {
	case c.stop <- struct{}{}:
	case <-c.closed:
	}
	<-c.closed
	return nil
}
