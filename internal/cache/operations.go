package cache

import (
	"time"

	"github.com/vitaliisemenov/fleet-agent/internal/agenterrors"
)

// ReadEntry returns a clone of the stored entry for key, touching its
// recency, or ok=false if no entry exists.
func (c *Cache[V]) ReadEntry(key string) (entry Entry[V], ok bool, err error) {
	err = c.send(func() {
		e, found := c.st.lru.Get(key)
		if !found {
			return
		}
		touch(e)
		ok = true
		entry = e.clone(c.st.clone)
	})
	return entry, ok, err
}

// Read returns a clone of the stored value for key, touching its recency,
// or ok=false if no entry exists.
func (c *Cache[V]) Read(key string) (value V, ok bool, err error) {
	entry, found, err := c.ReadEntry(key)
	if err != nil || !found {
		return value, false, err
	}
	return entry.Value, true, nil
}

// Write inserts or replaces the entry for key. isDirty decides the entry's
// dirty flag given the prior entry (nil if none) and the new value.
// overwrite controls whether an existing entry may be replaced at all; Deny
// leaves an existing entry untouched and returns nil.
func (c *Cache[V]) Write(key string, value V, isDirty IsDirty[V], overwrite Overwrite) error {
	return c.send(func() {
		c.writeLocked(key, value, isDirty, overwrite)
	})
}

func (c *Cache[V]) writeLocked(key string, value V, isDirty IsDirty[V], overwrite Overwrite) {
	now := time.Now()
	var prior *Entry[V]
	if existing, found := c.st.lru.Peek(key); found {
		if overwrite == Deny {
			return
		}
		prior = existing
	}

	dirty := isDirty(prior, value)
	entry := &Entry[V]{
		Key:          key,
		Value:        c.st.clone(value),
		CreatedAt:    now,
		LastAccessed: now,
		Dirty:        dirty,
	}
	if prior != nil {
		entry.CreatedAt = prior.CreatedAt
	}
	c.st.lru.Add(key, entry)
	c.evictLocked()
}

// evictLocked enforces capacity after a write: once over capacity, prune
// invalid entries first, then evict oldest-by-last-accessed until at or
// under capacity (spec.md §4.7 "Write path eviction").
func (c *Cache[V]) evictLocked() {
	if c.st.lru.Len() <= c.st.capacity {
		return
	}
	c.pruneInvalidLocked()
	for c.st.lru.Len() > c.st.capacity {
		if _, _, ok := c.st.lru.RemoveOldest(); !ok {
			return
		}
	}
}

func (c *Cache[V]) pruneInvalidLocked() {
	for _, key := range c.st.lru.Keys() {
		entry, ok := c.st.lru.Peek(key)
		if !ok {
			continue
		}
		if !c.st.valid(entry.Value) {
			c.st.lru.Remove(key)
		}
	}
}

// Delete removes the entry for key, if present.
func (c *Cache[V]) Delete(key string) error {
	return c.send(func() {
		c.st.lru.Remove(key)
	})
}

// Prune removes every entry whose value fails the configured Valid
// predicate.
func (c *Cache[V]) Prune() error {
	return c.send(func() {
		c.pruneInvalidLocked()
	})
}

// Size returns the current entry count.
func (c *Cache[V]) Size() (int, error) {
	var n int
	err := c.send(func() { n = c.st.lru.Len() })
	return n, err
}

// Entries returns a clone of every stored entry, in no particular order.
func (c *Cache[V]) Entries() ([]Entry[V], error) {
	var out []Entry[V]
	err := c.send(func() {
		for _, key := range c.st.lru.Keys() {
			if e, ok := c.st.lru.Peek(key); ok {
				out = append(out, e.clone(c.st.clone))
			}
		}
	})
	return out, err
}

// Values returns a clone of every stored value, in no particular order.
func (c *Cache[V]) Values() ([]V, error) {
	entries, err := c.Entries()
	if err != nil {
		return nil, err
	}
	out := make([]V, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out, nil
}

// EntryMap returns a clone of every stored entry keyed by its cache key.
func (c *Cache[V]) EntryMap() (map[string]Entry[V], error) {
	out := make(map[string]Entry[V])
	err := c.send(func() {
		for _, key := range c.st.lru.Keys() {
			if e, ok := c.st.lru.Peek(key); ok {
				out[key] = e.clone(c.st.clone)
			}
		}
	})
	return out, err
}

// ValueMap returns a clone of every stored value keyed by its cache key.
func (c *Cache[V]) ValueMap() (map[string]V, error) {
	entries, err := c.EntryMap()
	if err != nil {
		return nil, err
	}
	out := make(map[string]V, len(entries))
	for k, e := range entries {
		out[k] = e.Value
	}
	return out, nil
}

// FindEntriesWhere returns a clone of every entry for which pred(value)
// holds. pred runs on the actor goroutine and must not call back into this
// Cache.
func (c *Cache[V]) FindEntriesWhere(pred func(V) bool) ([]Entry[V], error) {
	var out []Entry[V]
	err := c.send(func() {
		for _, key := range c.st.lru.Keys() {
			e, ok := c.st.lru.Peek(key)
			if !ok {
				continue
			}
			if pred(e.Value) {
				out = append(out, e.clone(c.st.clone))
			}
		}
	})
	return out, err
}

// FindWhere returns a clone of every value for which pred holds.
func (c *Cache[V]) FindWhere(pred func(V) bool) ([]V, error) {
	entries, err := c.FindEntriesWhere(pred)
	if err != nil {
		return nil, err
	}
	out := make([]V, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out, nil
}

// FindOneEntryWhere returns the single entry matching pred, ok=false if
// none match, or agenterrors.ErrTooManyMatches if two or more match
// (spec.md §4.7 "expect at most one").
func (c *Cache[V]) FindOneEntryWhere(pred func(V) bool) (entry Entry[V], ok bool, err error) {
	matches, err := c.FindEntriesWhere(pred)
	if err != nil {
		return entry, false, err
	}
	switch len(matches) {
	case 0:
		return entry, false, nil
	case 1:
		return matches[0], true, nil
	default:
		return entry, false, agenterrors.ErrTooManyMatches
	}
}

// FindOneWhere returns the single value matching pred, ok=false if none
// match, or agenterrors.ErrTooManyMatches if two or more match.
func (c *Cache[V]) FindOneWhere(pred func(V) bool) (value V, ok bool, err error) {
	entry, found, err := c.FindOneEntryWhere(pred)
	if err != nil || !found {
		return value, false, err
	}
	return entry.Value, true, nil
}

// GetDirtyEntries returns a clone of every entry currently flagged dirty.
func (c *Cache[V]) GetDirtyEntries() ([]Entry[V], error) {
	var out []Entry[V]
	err := c.send(func() {
		for _, key := range c.st.lru.Keys() {
			e, ok := c.st.lru.Peek(key)
			if !ok {
				continue
			}
			if e.Dirty {
				out = append(out, e.clone(c.st.clone))
			}
		}
	})
	return out, err
}

// ClearDirty clears the dirty flag on key, typically called once its value
// has been successfully pushed upstream.
func (c *Cache[V]) ClearDirty(key string) error {
	return c.send(func() {
		if e, ok := c.st.lru.Peek(key); ok {
			e.Dirty = false
		}
	})
}
