package seg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLBucketIndexMonotonic(t *testing.T) {
	prev := ttlBucketIndex(1)
	for ttl := int64(1); ttl < 1_000_000; ttl += 997 {
		idx := ttlBucketIndex(ttl)
		assert.GreaterOrEqual(t, idx, prev, "bucket index must not decrease as ttl grows, ttl=%d", ttl)
		prev = idx
	}
}

func TestCanonicalTTLNeverExceedsRequested(t *testing.T) {
	for ttl := int64(1); ttl < 500_000; ttl += 613 {
		idx := ttlBucketIndex(ttl)
		canon := canonicalTTL(idx)
		assert.LessOrEqual(t, canon, ttl, "canonical ttl for index %d (ttl %d) exceeds requested ttl", idx, ttl)
	}
}

func TestNoExpiryBucketIsZeroTTL(t *testing.T) {
	idx := ttlBucketIndex(0)
	assert.Equal(t, noExpiryIndex, idx)
	assert.Zero(t, canonicalTTL(idx))

	idx = ttlBucketIndex(-5)
	assert.Equal(t, noExpiryIndex, idx)
}

func TestAllSegmentsInABucketShareTTL(t *testing.T) {
	pool := NewSegmentPool(4, 64, true)
	tb := NewTTLBuckets()

	id1, _, err := tb.Reserve(pool, 0, 500, 8)
	require.NoError(t, err)
	// Force the bucket's only segment to report full so a second segment
	// joins the same chain.
	pool.Get(id1).writeOffset = int32(pool.Get(id1).Size())

	id2, _, err := tb.Reserve(pool, 0, 500, 8)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	assert.Equal(t, pool.Get(id1).TTL(), pool.Get(id2).TTL())
}

func TestExpireReclaimsPastTTL(t *testing.T) {
	pool := NewSegmentPool(2, 64, true)
	clock := NewClock()
	ht := NewHashTable(4, 1.0, pool, clock)
	tb := NewTTLBuckets()

	id, _, err := tb.Reserve(pool, 0, 10, 8)
	require.NoError(t, err)
	require.Equal(t, 1, pool.NSeg()-pool.FreeCount())

	n := tb.Expire(ht, pool, 5)
	assert.Zero(t, n, "not yet expired")

	canon := pool.Get(id).TTL()
	n = tb.Expire(ht, pool, canon+1)
	assert.Equal(t, 1, n)
	assert.Equal(t, pool.NSeg(), pool.FreeCount())
}

func TestFlushAllExpiresEverything(t *testing.T) {
	pool := NewSegmentPool(2, 64, true)
	clock := NewClock()
	ht := NewHashTable(4, 1.0, pool, clock)
	tb := NewTTLBuckets()

	_, _, err := tb.Reserve(pool, 100, 0, 8) // no-expiry bucket
	require.NoError(t, err)

	tb.FlushAll(200)
	n := tb.Expire(ht, pool, 201)
	assert.Equal(t, 1, n)
}
