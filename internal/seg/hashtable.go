package seg

import (
	"go.uber.org/atomic"

	"github.com/zeebo/xxh3"
)

// Hashtable layout: buckets of 8 slots, the slot 0 word holding
// bucket-level metadata (bucketInfo) and slots 1-7 each holding one
// itemInfo. A bucket with more than 7 live items chains into an overflow
// bucket drawn from a separate pool, exactly as the original's "extra
// buckets are themselves unused slots of the main array" design (ported
// conceptually, not bit-for-bit, from the Rust source's hash table module).
//
// bucketInfo word:  [ cas:32 | chainLen:8 | reserved:8 | timestamp:16 ]
// itemInfo word:     [ tag:12 | freq:8 | segID:24 | offsetBy8:20 ]
//
// offsetBy8 stores the item's byte offset within its segment divided by 8
// (items are always 8-byte aligned), giving 20 bits of offset room
// for up to a 8 MiB segment; segID gets 24 bits (16M segments).
const (
	slotsPerBucket = 8 // slot 0 is bucketInfo, slots 1..7 are itemInfo

	casShift      = 32
	chainLenShift = 24
	chainLenMask  = 0xFF
	tsMask        = 0xFFFF

	tagShift    = 52
	tagMask     = 0xFFF
	freqShift   = 44
	freqMask    = 0xFF
	segIDShift  = 20
	segIDMask   = 0xFFFFFF
	offsetMask  = 0xFFFFF

	maxFreq uint8 = 0xFF
)

func packBucketInfo(cas uint32, chainLen uint8, ts uint16) uint64 {
	return uint64(cas)<<casShift | uint64(chainLen)<<chainLenShift | uint64(ts)&tsMask
}

func unpackCAS(w uint64) uint32      { return uint32(w >> casShift) }
func unpackChainLen(w uint64) uint8  { return uint8((w >> chainLenShift) & chainLenMask) }
func unpackTS(w uint64) uint16       { return uint16(w & tsMask) }

func packItemInfo(tag uint16, freq uint8, segID SegmentID, offset int) uint64 {
	return uint64(tag&tagMask)<<tagShift |
		uint64(freq)<<freqShift |
		uint64(segID&segIDMask)<<segIDShift |
		uint64((offset/8)&offsetMask)
}

func unpackTag(w uint64) uint16      { return uint16((w >> tagShift) & tagMask) }
func unpackFreq(w uint64) uint8      { return uint8((w >> freqShift) & freqMask) }
func unpackSegID(w uint64) SegmentID { return SegmentID((w >> segIDShift) & segIDMask) }
func unpackOffset(w uint64) int      { return int(w&offsetMask) * 8 }

func isEmptySlot(w uint64) bool { return w == 0 }

// bucket is one cache-line-sized group of slotsPerBucket atomic words, plus
// an optional link to an overflow bucket when more than 7 items hash here.
type bucket struct {
	slots [slotsPerBucket]atomic.Uint64
	next  int32 // index into ht.overflow, or -1
}

// HashTable is the bucket-chained lookup structure. Lookups walk the
// primary bucket (derived from the low bits of the key hash) and any
// chained overflow buckets, comparing a 12-bit tag before resolving to the
// candidate item's (segID, offset) and confirming via an actual key
// comparison against the segment's data.
//
// Per the single-writer model, Insert/Delete/TryUpdateCAS/evict-time
// mutation are only ever called from the storage goroutine, and so are Get
// (which stores the incremented frequency back into the slot) and
// GetNoFreqIncr. A lookup loads each slot word once and does not re-read
// it after reading the item, and segment header fields are plain
// (non-atomic) fields, so lookups carry no protection against a concurrent
// mutation; GetNoFreqIncr differs from Get only in not updating the
// frequency counter.
type HashTable struct {
	buckets  []bucket
	mask     uint64 // buckets index mask, len(buckets)-1, power of two
	overflow []bucket
	freeOv   []int32 // free list of overflow bucket indices

	pool  *SegmentPool
	clock *Clock
}

// NewHashTable allocates 2^hashPower primary buckets and an overflow area
// sized by overflowFactor (extra buckets per primary bucket).
func NewHashTable(hashPower uint, overflowFactor float64, pool *SegmentPool, clock *Clock) *HashTable {
	n := uint64(1) << hashPower
	ht := &HashTable{
		buckets: make([]bucket, n),
		mask:    n - 1,
		pool:    pool,
		clock:   clock,
	}
	for i := range ht.buckets {
		ht.buckets[i].next = -1
	}
	nOverflow := int(float64(n) * overflowFactor)
	if nOverflow > 0 {
		ht.overflow = make([]bucket, nOverflow)
		ht.freeOv = make([]int32, nOverflow)
		for i := range ht.overflow {
			ht.overflow[i].next = -1
			ht.freeOv[i] = int32(nOverflow - 1 - i)
		}
	}
	return ht
}

func hashKey(key []byte) uint64 {
	return xxh3.Hash(key)
}

func (ht *HashTable) primaryIndex(h uint64) uint64 {
	return h & ht.mask
}

func tagOf(h uint64) uint16 {
	return uint16((h >> 48) & tagMask)
}

// bucketChain yields the primary bucket and every overflow bucket chained
// to it, stopping when fn returns false.
func (ht *HashTable) bucketChain(primary uint64, fn func(b *bucket) bool) {
	b := &ht.buckets[primary]
	if !fn(b) {
		return
	}
	for b.next != -1 {
		b = &ht.overflow[b.next]
		if !fn(b) {
			return
		}
	}
}

// bumpCAS increments the 32-bit CAS counter carried in the primary bucket's
// bucket-info slot, preserving its chain-length and refreshing its
// timestamp to the current coarse clock tick. Every mutation that touches
// an item anywhere in the bucket's chain — insert, overwrite, or delete —
// must call this (spec §3.4/§4.4: "incremented on every mutation to any
// item in the bucket").
func (ht *HashTable) bumpCAS(primary uint64) {
	b := &ht.buckets[primary]
	old := b.slots[0].Load()
	b.slots[0].Store(packBucketInfo(unpackCAS(old)+1, unpackChainLen(old), ht.clock.Coarse16()))
}

// unlinkOld decrements the live-item counters of the segment a superseded
// mapping used to point at, if it still resolves to a real item. Called
// whenever Insert overwrites an existing key's slot with a new location, or
// Delete removes one outright.
func (ht *HashTable) unlinkOld(segID SegmentID, offset int) {
	if segID == 0 || int(segID) >= len(ht.pool.segments) {
		return
	}
	seg := ht.pool.Get(segID)
	it, err := seg.ItemAt(offset)
	if err != nil {
		return
	}
	seg.unlinkItem(it.Size())
}

func (ht *HashTable) allocOverflow() (*bucket, int32, bool) {
	if len(ht.freeOv) == 0 {
		return nil, 0, false
	}
	idx := ht.freeOv[len(ht.freeOv)-1]
	ht.freeOv = ht.freeOv[:len(ht.freeOv)-1]
	ob := &ht.overflow[idx]
	ob.next = -1
	for i := range ob.slots {
		ob.slots[i].Store(0)
	}
	return ob, idx, true
}

// resolve walks the bucket chain for key's hash, calling keyMatchesAt for
// every non-empty slot whose tag matches, and returns the first slot whose
// (segID, offset) actually holds this exact key. It returns the bucket,
// slot index within it, and the decoded item info word.
func (ht *HashTable) resolve(key []byte) (*bucket, int, uint64, bool) {
	h := hashKey(key)
	tag := tagOf(h)
	primary := ht.primaryIndex(h)

	var (
		foundB    *bucket
		foundIdx  int
		foundWord uint64
		ok        bool
	)
	ht.bucketChain(primary, func(b *bucket) bool {
		for i := 1; i < slotsPerBucket; i++ {
			w := b.slots[i].Load()
			if isEmptySlot(w) {
				continue
			}
			if unpackTag(w) != tag {
				continue
			}
			segID := unpackSegID(w)
			offset := unpackOffset(w)
			if !ht.keyMatchesAt(key, segID, offset) {
				continue
			}
			foundB, foundIdx, foundWord, ok = b, i, w, true
			return false
		}
		return true
	})
	return foundB, foundIdx, foundWord, ok
}

func (ht *HashTable) keyMatchesAt(key []byte, segID SegmentID, offset int) bool {
	if segID == 0 || int(segID) >= len(ht.pool.segments) {
		return false
	}
	seg := ht.pool.Get(segID)
	if offset < 0 || offset >= int(seg.writeOffset) {
		return false
	}
	it, err := seg.ItemAt(offset)
	if err != nil {
		return false
	}
	return string(it.Key()) == string(key)
}

// Get resolves key to its item, incrementing the item's access-frequency
// counter (saturating at maxFreq) as a side effect, exactly mirroring a
// cache hit under an LFU-weighted eviction policy.
func (ht *HashTable) Get(key []byte) (SegmentID, int, Item, bool) {
	b, idx, w, ok := ht.resolve(key)
	if !ok {
		return 0, 0, Item{}, false
	}
	freq := unpackFreq(w)
	if freq < maxFreq {
		newWord := packItemInfo(unpackTag(w), freq+1, unpackSegID(w), unpackOffset(w))
		b.slots[idx].Store(newWord)
	}
	segID := unpackSegID(w)
	offset := unpackOffset(w)
	it, err := ht.pool.Get(segID).ItemAt(offset)
	if err != nil {
		return 0, 0, Item{}, false
	}
	return segID, offset, it, true
}

// GetNoFreqIncr is Get without the frequency-counter update, for lookups
// that only want a value (not a cache-hit accounting event). Like Get, it
// runs on the storage goroutine.
func (ht *HashTable) GetNoFreqIncr(key []byte) (SegmentID, int, Item, bool) {
	_, _, w, ok := ht.resolve(key)
	if !ok {
		return 0, 0, Item{}, false
	}
	segID := unpackSegID(w)
	offset := unpackOffset(w)
	it, err := ht.pool.Get(segID).ItemAt(offset)
	if err != nil {
		return 0, 0, Item{}, false
	}
	return segID, offset, it, true
}

// Insert publishes a (key -> segID, offset) mapping, overwriting any
// existing mapping for the same key (the caller is responsible for having
// already written the item at offset; Insert itself unlinks the
// superseded location's live counters and bumps the bucket's CAS counter).
// It returns ErrHashTableInsertEx if every slot in the bucket chain is full
// and no overflow bucket is available.
func (ht *HashTable) Insert(key []byte, segID SegmentID, offset int) error {
	h := hashKey(key)
	tag := tagOf(h)
	primary := ht.primaryIndex(h)

	// Overwrite in place if the key already exists anywhere in the chain.
	if b, idx, oldWord, ok := ht.resolve(key); ok {
		oldSegID, oldOffset := unpackSegID(oldWord), unpackOffset(oldWord)
		b.slots[idx].Store(packItemInfo(tag, 0, segID, offset))
		ht.bumpCAS(primary)
		ht.unlinkOld(oldSegID, oldOffset)
		return nil
	}

	var inserted error = ErrHashTableInsertEx
	var lastBucket *bucket
	ht.bucketChain(primary, func(b *bucket) bool {
		lastBucket = b
		for i := 1; i < slotsPerBucket; i++ {
			if isEmptySlot(b.slots[i].Load()) {
				b.slots[i].Store(packItemInfo(tag, 0, segID, offset))
				inserted = nil
				return false
			}
		}
		return true
	})
	if inserted == nil {
		ht.bumpCAS(primary)
		return nil
	}

	ob, idx, ok := ht.allocOverflow()
	if !ok {
		return ErrHashTableInsertEx
	}
	lastBucket.next = idx
	ob.slots[1].Store(packItemInfo(tag, 0, segID, offset))
	primaryB := &ht.buckets[primary]
	old := primaryB.slots[0].Load()
	primaryB.slots[0].Store(packBucketInfo(unpackCAS(old)+1, unpackChainLen(old)+1, ht.clock.Coarse16()))
	return nil
}

// Delete removes key's mapping unconditionally, if present, decrementing
// its segment's live-item counters and bumping the owning bucket's CAS.
func (ht *HashTable) Delete(key []byte) bool {
	h := hashKey(key)
	primary := ht.primaryIndex(h)

	b, idx, w, ok := ht.resolve(key)
	if !ok {
		return false
	}
	segID, offset := unpackSegID(w), unpackOffset(w)
	b.slots[idx].Store(0)
	ht.unlinkOld(segID, offset)
	ht.bumpCAS(primary)
	return true
}

// DeleteIfAt removes key's mapping only if it currently points at
// (segID, offset), leaving it alone otherwise (a later write already moved
// it). Used by Segment.Clear when a segment is being reclaimed: an item
// whose hashtable entry has since been overwritten by a newer write to the
// same key must not have that newer mapping ripped out from under it.
func (ht *HashTable) DeleteIfAt(key []byte, segID SegmentID, offset int) bool {
	h := hashKey(key)
	tag := tagOf(h)
	primary := ht.primaryIndex(h)

	removed := false
	ht.bucketChain(primary, func(b *bucket) bool {
		for i := 1; i < slotsPerBucket; i++ {
			w := b.slots[i].Load()
			if isEmptySlot(w) || unpackTag(w) != tag {
				continue
			}
			if unpackSegID(w) == segID && unpackOffset(w) == offset {
				b.slots[i].Store(0)
				removed = true
				return false
			}
		}
		return true
	})
	return removed
}

// PointsAt reports whether key's current mapping is exactly (segID, offset),
// without mutating anything. Used by Segment.CheckIntegrity.
func (ht *HashTable) PointsAt(key []byte, segID SegmentID, offset int) bool {
	_, _, w, ok := ht.resolve(key)
	return ok && unpackSegID(w) == segID && unpackOffset(w) == offset
}

// TryUpdateCAS performs a compare-and-swap against the primary bucket's
// 32-bit CAS counter: it succeeds only if expected matches the bucket's current
// value, then increments it and repoints key at the new location.
func (ht *HashTable) TryUpdateCAS(key []byte, expected uint32, segID SegmentID, offset int) (uint32, bool) {
	h := hashKey(key)
	primary := ht.primaryIndex(h)
	primaryB := &ht.buckets[primary]

	for {
		old := primaryB.slots[0].Load()
		cas := unpackCAS(old)
		if cas != expected {
			return cas, false
		}
		next := packBucketInfo(cas+1, unpackChainLen(old), ht.clock.Coarse16())
		if primaryB.slots[0].CAS(old, next) {
			_ = ht.Insert(key, segID, offset)
			return cas + 1, true
		}
	}
}

// BucketCAS returns the current CAS counter for the bucket key hashes into,
// used by callers implementing optimistic check-and-set semantics.
func (ht *HashTable) BucketCAS(key []byte) uint32 {
	h := hashKey(key)
	primary := ht.primaryIndex(h)
	return unpackCAS(ht.buckets[primary].slots[0].Load())
}

// AgeFrequencies halves every live item's frequency counter across the
// whole table, the periodic smoothing pass that keeps the LFU-weighted
// eviction policies responsive to recent access patterns
// rather than lifetime totals.
func (ht *HashTable) AgeFrequencies() {
	age := func(b *bucket) {
		for i := 1; i < slotsPerBucket; i++ {
			w := b.slots[i].Load()
			if isEmptySlot(w) {
				continue
			}
			freq := unpackFreq(w) / 2
			b.slots[i].Store(packItemInfo(unpackTag(w), freq, unpackSegID(w), unpackOffset(w)))
		}
	}
	for i := range ht.buckets {
		age(&ht.buckets[i])
	}
	for i := range ht.overflow {
		age(&ht.overflow[i])
	}
}

// FreqAt returns the frequency counter for the item at (segID, offset), or
// 0 if no live mapping currently points there. Used by the merge-eviction
// pass to decide which items survive a compaction.
func (ht *HashTable) FreqAt(key []byte, segID SegmentID, offset int) uint8 {
	_, _, w, ok := ht.resolve(key)
	if !ok || unpackSegID(w) != segID || unpackOffset(w) != offset {
		return 0
	}
	return unpackFreq(w)
}
