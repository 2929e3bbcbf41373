package seg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentReserveAndWrite(t *testing.T) {
	s := newSegment(1, 256, true)
	s.initFromFree(1000)

	size := ItemSize(3, 0, 5, true)
	off, ok := s.Reserve(size)
	require.True(t, ok)
	assert.Zero(t, off)

	n, err := s.WriteItemAt(off, []byte("abc"), nil, []byte("hello"), false)
	require.NoError(t, err)
	assert.Equal(t, size, n)
	assert.EqualValues(t, 1, s.LiveItems())
	assert.EqualValues(t, size, s.LiveBytes())

	it, err := s.ItemAt(off)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), it.Key())
}

func TestSegmentReserveFullReturnsFalse(t *testing.T) {
	s := newSegment(1, 16, true)
	s.initFromFree(0)
	_, ok := s.Reserve(32)
	assert.False(t, ok)
}

func TestSegmentCanEvictRequiresMaturityAndNext(t *testing.T) {
	s := newSegment(1, 64, true)
	s.initFromFree(0)
	s.nextSeg = 2

	assert.False(t, s.CanEvict(SegMatureSeconds-1), "too young")
	assert.True(t, s.CanEvict(SegMatureSeconds), "mature and has a next")

	s.nextSeg = 0
	assert.False(t, s.CanEvict(SegMatureSeconds+100), "no next segment")

	s.nextSeg = 2
	s.evictable = false
	assert.False(t, s.CanEvict(SegMatureSeconds+100), "not evictable")
}

func TestSegmentForEachItemWalksAll(t *testing.T) {
	s := newSegment(1, 256, true)
	s.initFromFree(0)

	keys := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	for _, k := range keys {
		size := ItemSize(len(k), 0, 0, true)
		off, ok := s.Reserve(size)
		require.True(t, ok)
		_, err := s.WriteItemAt(off, k, nil, nil, false)
		require.NoError(t, err)
	}

	var seen [][]byte
	err := s.ForEachItem(func(offset int, it Item) bool {
		seen = append(seen, append([]byte(nil), it.Key()...))
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, 3)
	for i, k := range keys {
		assert.Equal(t, k, seen[i])
	}
}

func TestSegmentClearRemovesOnlyMatchingHashtableEntries(t *testing.T) {
	pool := NewSegmentPool(2, 256, true)
	clock := NewClock()
	ht := NewHashTable(4, 1.0, pool, clock)

	s1 := pool.Get(1)
	s1.initFromFree(0)
	off1, ok := s1.Reserve(ItemSize(3, 0, 1, true))
	require.True(t, ok)
	_, err := s1.WriteItemAt(off1, []byte("key"), nil, []byte("v"), false)
	require.NoError(t, err)
	require.NoError(t, ht.Insert([]byte("key"), s1.id, off1))

	// A later write moves "key" to segment 2; clearing segment 1 must not
	// rip out the entry that now correctly points elsewhere.
	s2 := pool.Get(2)
	s2.initFromFree(0)
	off2, ok := s2.Reserve(ItemSize(3, 0, 1, true))
	require.True(t, ok)
	_, err = s2.WriteItemAt(off2, []byte("key"), nil, []byte("w"), false)
	require.NoError(t, err)
	require.NoError(t, ht.Insert([]byte("key"), s2.id, off2))

	cleared := s1.Clear(ht)
	assert.Zero(t, cleared)

	segID, offset, _, ok := ht.GetNoFreqIncr([]byte("key"))
	require.True(t, ok)
	assert.EqualValues(t, 2, segID)
	assert.Equal(t, off2, offset)
}
