package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/fleet-agent/internal/agenterrors"
)

type record struct {
	N     int
	Valid bool
}

func (r record) Clone() record { return r }

func newTestCache(t *testing.T, capacity int) *Cache[record] {
	t.Helper()
	c := New[record](Options[record]{
		Capacity: capacity,
		Clone:    func(r record) record { return r.Clone() },
		Valid:    func(r record) bool { return r.Valid },
	})
	t.Cleanup(func() { _ = c.Shutdown() })
	return c
}

// TestLRUEvictsOldestAfterInvalidPrune covers property 6: once over
// capacity, invalid entries are pruned before the oldest-by-last-accessed
// entries are evicted.
func TestLRUEvictsOldestAfterInvalidPrune(t *testing.T) {
	c := newTestCache(t, 2)

	require.NoError(t, c.Write("a", record{N: 1, Valid: false}, DirtyNever[record](), Allow))
	require.NoError(t, c.Write("b", record{N: 2, Valid: true}, DirtyNever[record](), Allow))
	require.NoError(t, c.Write("c", record{N: 3, Valid: true}, DirtyNever[record](), Allow))

	size, err := c.Size()
	require.NoError(t, err)
	assert.Equal(t, 2, size, "invalid entry a should be pruned before any recency-based eviction")

	_, ok, err := c.Read("a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Read("b")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = c.Read("c")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestLRUEvictsOldestByLastAccessed covers the recency half of property 6
// once no invalid entries remain to prune.
func TestLRUEvictsOldestByLastAccessed(t *testing.T) {
	c := newTestCache(t, 2)

	require.NoError(t, c.Write("a", record{N: 1, Valid: true}, DirtyNever[record](), Allow))
	require.NoError(t, c.Write("b", record{N: 2, Valid: true}, DirtyNever[record](), Allow))

	// Touch a so it is more recent than b.
	_, _, err := c.Read("a")
	require.NoError(t, err)

	require.NoError(t, c.Write("c", record{N: 3, Valid: true}, DirtyNever[record](), Allow))

	size, err := c.Size()
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	_, ok, err := c.Read("b")
	require.NoError(t, err)
	assert.False(t, ok, "b was the least-recently-accessed entry and should have been evicted")

	_, ok, err = c.Read("a")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = c.Read("c")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestDirtyInvariant covers property 7: a written entry is dirty exactly
// when its isDirty predicate says so, and a prior dirty flag is never
// silently cleared by an unrelated write unless the predicate says to clear
// it.
func TestDirtyInvariant(t *testing.T) {
	c := newTestCache(t, 8)

	changed := DirtyIfChanged[record](func(old, new record) bool { return old.N != new.N })

	require.NoError(t, c.Write("a", record{N: 1, Valid: true}, changed, Allow))
	entry, ok, err := c.ReadEntry("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.Dirty, "no prior entry: always dirty")

	require.NoError(t, c.ClearDirty("a"))
	require.NoError(t, c.Write("a", record{N: 1, Valid: true}, changed, Allow))
	entry, ok, err = c.ReadEntry("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, entry.Dirty, "unchanged value over a clean prior entry stays clean")

	require.NoError(t, c.Write("a", record{N: 2, Valid: true}, changed, Allow))
	entry, ok, err = c.ReadEntry("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.Dirty, "changed value must mark the entry dirty")

	dirty, err := c.GetDirtyEntries()
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, "a", dirty[0].Key)
}

func TestWriteDenyLeavesExistingEntryUntouched(t *testing.T) {
	c := newTestCache(t, 8)

	require.NoError(t, c.Write("a", record{N: 1, Valid: true}, DirtyAlways[record](), Allow))
	require.NoError(t, c.Write("a", record{N: 2, Valid: true}, DirtyAlways[record](), Deny))

	value, ok, err := c.Read("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, value.N)
}

func TestFindOneWhereTooManyMatches(t *testing.T) {
	c := newTestCache(t, 8)

	require.NoError(t, c.Write("a", record{N: 1, Valid: true}, DirtyNever[record](), Allow))
	require.NoError(t, c.Write("b", record{N: 1, Valid: true}, DirtyNever[record](), Allow))

	_, _, err := c.FindOneWhere(func(r record) bool { return r.N == 1 })
	assert.ErrorIs(t, err, agenterrors.ErrTooManyMatches)
}

func TestShutdownRejectsFurtherCommands(t *testing.T) {
	c := New[record](Options[record]{Capacity: 4})
	require.NoError(t, c.Shutdown())
	require.NoError(t, c.Shutdown(), "shutdown must be idempotent")

	_, _, err := c.Read("a")
	assert.Error(t, err)
}

func TestEntriesAndValuesSnapshot(t *testing.T) {
	c := newTestCache(t, 8)
	require.NoError(t, c.Write("a", record{N: 1, Valid: true}, DirtyNever[record](), Allow))
	require.NoError(t, c.Write("b", record{N: 2, Valid: true}, DirtyNever[record](), Allow))

	values, err := c.Values()
	require.NoError(t, err)
	assert.Len(t, values, 2)

	m, err := c.ValueMap()
	require.NoError(t, err)
	assert.Equal(t, record{N: 1, Valid: true}, m["a"])
	assert.Equal(t, record{N: 2, Valid: true}, m["b"])
}

