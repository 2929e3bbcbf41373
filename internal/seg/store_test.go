package seg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallStore(policy EvictionPolicy) *Store {
	return NewStore(Options{
		SegmentSize:    256,
		HeapSize:       256 * 4,
		HashPower:      6,
		OverflowFactor: 2.0,
		MagicEnabled:   true,
		Eviction: EvictionConfig{
			Policy:        policy,
			MergeMax:      4,
			MergeTarget:   2,
			CompactTarget: 0.5,
		},
		MaxKeyLen:    maxKeyLen,
		MaxValueSize: 1 << 16,
	})
}

func TestStoreInsertAndGet(t *testing.T) {
	s := smallStore(EvictNone)
	require.NoError(t, s.Insert([]byte("k"), nil, []byte("v"), 0, false))

	it, ok := s.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v"), it.Value())

	_, ok = s.Get([]byte("missing"))
	assert.False(t, ok)
}

func TestStoreInsertOverwrites(t *testing.T) {
	s := smallStore(EvictNone)
	require.NoError(t, s.Insert([]byte("k"), nil, []byte("v1"), 0, false))
	require.NoError(t, s.Insert([]byte("k"), nil, []byte("v2"), 0, false))

	it, ok := s.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), it.Value())
}

func TestStoreInsertNotExists(t *testing.T) {
	s := smallStore(EvictNone)
	require.NoError(t, s.InsertNotExists([]byte("k"), nil, []byte("v1"), 0, false))
	err := s.InsertNotExists([]byte("k"), nil, []byte("v2"), 0, false)
	assert.ErrorIs(t, err, ErrExists)
}

func TestStoreReplaceRequiresExisting(t *testing.T) {
	s := smallStore(EvictNone)
	err := s.Replace([]byte("k"), nil, []byte("v"), 0, false)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Insert([]byte("k"), nil, []byte("v1"), 0, false))
	require.NoError(t, s.Replace([]byte("k"), nil, []byte("v2"), 0, false))
	it, ok := s.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), it.Value())
}

func TestStoreDelete(t *testing.T) {
	s := smallStore(EvictNone)
	assert.ErrorIs(t, s.Delete([]byte("k")), ErrNotFound)

	require.NoError(t, s.Insert([]byte("k"), nil, []byte("v"), 0, false))
	require.NoError(t, s.Delete([]byte("k")))
	_, ok := s.Get([]byte("k"))
	assert.False(t, ok)
}

func TestStoreCas(t *testing.T) {
	s := smallStore(EvictNone)
	_, err := s.Cas([]byte("k"), nil, []byte("v"), 0, 0, false)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Insert([]byte("k"), nil, []byte("v1"), 0, false))
	cas0 := s.ht.BucketCAS([]byte("k"))

	cas1, err := s.Cas([]byte("k"), nil, []byte("v2"), 0, cas0, false)
	require.NoError(t, err)
	assert.Equal(t, cas0+1, cas1)

	_, err = s.Cas([]byte("k"), nil, []byte("v3"), 0, cas0, false)
	assert.ErrorIs(t, err, ErrExists, "stale cas token must be rejected")
}

func TestStoreWrappingAddAndSaturatingSub(t *testing.T) {
	s := smallStore(EvictNone)
	value := make([]byte, 8)
	require.NoError(t, s.Insert([]byte("counter"), nil, value, 0, true))

	next, err := s.WrappingAdd([]byte("counter"), 10)
	require.NoError(t, err)
	assert.EqualValues(t, 10, next)

	next, err = s.SaturatingSub([]byte("counter"), 100)
	require.NoError(t, err)
	assert.Zero(t, next)

	_, err = s.WrappingAdd([]byte("missing"), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRejectsOversizedKey(t *testing.T) {
	s := smallStore(EvictNone)
	bigKey := make([]byte, maxKeyLen+1)
	err := s.Insert(bigKey, nil, []byte("v"), 0, false)
	var oversized *ItemOversizedError
	assert.ErrorAs(t, err, &oversized)
}

func TestStoreFlushAllThenExpire(t *testing.T) {
	s := smallStore(EvictNone)
	require.NoError(t, s.Insert([]byte("k"), nil, []byte("v"), 0, false))
	// The flush epoch has one-second resolution and only segments created
	// strictly before it expire, so backdate the segment by a second.
	s.pool.Get(1).createAt--

	s.clock.Refresh()
	s.FlushAll()

	reclaimed := s.ttl.Expire(s.ht, s.pool, s.clock.Now()+1)
	assert.Equal(t, 1, reclaimed)
}

// oneItemPerSegment is sized (with header overhead) so that each insert
// below fills enough of a 256-byte segment that a second item of the same
// size cannot follow it, forcing exactly one new segment per insert.
var oneItemPerSegment = make([]byte, 200)

func TestStoreInsertTriggersEvictionWhenPoolExhausted(t *testing.T) {
	s := smallStore(EvictRandom)
	for i := 0; i < 4; i++ {
		key := []byte{byte('a' + i)}
		require.NoError(t, s.Insert(key, nil, oneItemPerSegment, 0, false))
	}
	require.Zero(t, s.pool.FreeCount(), "all 4 segments should be consumed, one per insert")
	for id := SegmentID(1); id <= SegmentID(s.pool.NSeg()); id++ {
		seg := s.pool.Get(id)
		seg.createAt -= SegMatureSeconds + 1
	}

	// The pool is now fully allocated; a further insert must trigger
	// eviction rather than failing outright.
	err := s.Insert([]byte("z"), nil, oneItemPerSegment, 0, false)
	assert.NoError(t, err)
}

func TestStoreInsertFailsWhenEvictionCannotHelp(t *testing.T) {
	s := smallStore(EvictNone)
	for i := 0; i < 4; i++ {
		key := []byte{byte('a' + i)}
		require.NoError(t, s.Insert(key, nil, oneItemPerSegment, 0, false))
	}
	err := s.Insert([]byte("z"), nil, oneItemPerSegment, 0, false)
	assert.ErrorIs(t, err, ErrNoFreeSegments)
}
