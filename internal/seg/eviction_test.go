package seg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildStoreFor(policy EvictionPolicy, nseg, segSize int) *Store {
	opts := Options{
		SegmentSize:    segSize,
		HeapSize:       int64(nseg * segSize),
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
	}
	return NewStore(opts)
}

// fillSegmentsPastMaturity inserts n keys sized so each one lands in its
// own segment, then ages every allocated segment past maturity.
func fillSegmentsPastMaturity(t *testing.T, s *Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		key := []byte{byte('a' + i)}
		require.NoError(t, s.Insert(key, nil, make([]byte, 32), 0, false))
	}
	// Every segment allocated so far must be sealed and mature before the
	// evictor will consider it.
	for id := SegmentID(1); id <= SegmentID(s.pool.NSeg()); id++ {
		seg := s.pool.Get(id)
		if seg.State() != segFree {
			seg.createAt -= SegMatureSeconds + 1
			seg.evictable = true
		}
	}
}

func TestEvictNoneNeverFrees(t *testing.T) {
	s := buildStoreFor(EvictNone, 1, 64)
	require.NoError(t, s.Insert([]byte("a"), nil, make([]byte, 16), 0, false))
	fillSegmentsPastMaturity(t, s, 0)
	_, err := s.ev.Evict(s.clock.Now())
	assert.ErrorIs(t, err, ErrNoFreeSegments)
}

func TestEvictRandomFreesAMatureSegment(t *testing.T) {
	s := buildStoreFor(EvictRandom, 3, 64)
	fillSegmentsPastMaturity(t, s, 3)
	before := s.pool.FreeCount()

	id, err := s.ev.Evict(s.clock.Now())
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, before+1, s.pool.FreeCount())
}

func TestEvictFifoPicksOldest(t *testing.T) {
	s := buildStoreFor(EvictFifo, 3, 64)
	fillSegmentsPastMaturity(t, s, 3)

	oldest := s.pool.Get(1)
	oldest.createAt -= 1000 // make segment 1 unambiguously the oldest

	id, err := s.ev.Evict(s.clock.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
}

func TestEvictCTEPicksSoonestToExpire(t *testing.T) {
	// A spare third segment gives segments 1 and 2 a harmless, in-range
	// "next" pointer to satisfy CanEvict without dereferencing past the
	// pool's bounds.
	s := buildStoreFor(EvictCTE, 3, 64)
	require.NoError(t, s.Insert([]byte("a"), nil, make([]byte, 16), 1000, false))
	require.NoError(t, s.Insert([]byte("b"), nil, make([]byte, 16), 50, false))
	for id := SegmentID(1); id <= 2; id++ {
		seg := s.pool.Get(id)
		seg.createAt -= SegMatureSeconds + 1
		seg.nextSeg = 3
	}
	// The victim's ttl is reset once it returns to the free pool, so
	// record both before evicting.
	ttlOf := map[SegmentID]int64{1: s.pool.Get(1).TTL(), 2: s.pool.Get(2).TTL()}

	id, err := s.ev.Evict(s.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(50), ttlOf[id])
}

func TestEvictUtilPicksLeastFull(t *testing.T) {
	s := buildStoreFor(EvictUtil, 3, 1024)
	require.NoError(t, s.Insert([]byte("a"), nil, make([]byte, 16), 0, false))
	require.NoError(t, s.Insert([]byte("b"), nil, make([]byte, 16), 50, false))
	for id := SegmentID(1); id <= 2; id++ {
		seg := s.pool.Get(id)
		if seg.State() == segFree {
			seg.initFromFree(0)
		}
		seg.createAt -= SegMatureSeconds + 1
		seg.nextSeg = 3
	}
	s.pool.Get(1).liveBytes = 8
	s.pool.Get(2).liveBytes = 512

	id, err := s.ev.Evict(s.clock.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
}

func TestEvictMergeReclaimsSpace(t *testing.T) {
	s := buildStoreFor(EvictMerge, 6, 256)
	for i := 0; i < 6; i++ {
		key := []byte{byte('a' + i)}
		require.NoError(t, s.Insert(key, nil, oneItemPerSegment, 0, false))
	}
	for id := SegmentID(1); id <= 6; id++ {
		seg := s.pool.Get(id)
		seg.createAt -= SegMatureSeconds + 1
	}
	before := s.pool.FreeCount()

	_, err := s.ev.Evict(s.clock.Now())
	require.NoError(t, err)
	assert.Greater(t, s.pool.FreeCount(), before)
}
