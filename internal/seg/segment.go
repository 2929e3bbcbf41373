package seg

import (
	"fmt"
)

// SegmentID identifies a segment within the store's dense segment array.
// The zero value is the "no segment" sentinel.
type SegmentID uint32

// segmentState is the lifecycle state of a segment: free ->
// active-tail -> sealed -> {expiring -> free}.
type segmentState uint8

const (
	segFree segmentState = iota
	segActiveTail
	segSealed
	segExpiring
)

// SegMatureSeconds is the minimum age a segment must reach before it is
// eviction-eligible, ported from the original's SEG_MATURE_TIME constant
// (_examples/original_source/src/storage/seg/src/segments/header.rs).
const SegMatureSeconds = 20

// Segment is a fixed-size byte slab plus its header metadata. The
// header fields are not packed into the data region (unlike the Rust
// original, which stores them in a separate cache-line-sized array); in Go
// the struct fields already live apart from the []byte data slice, so there
// is no separate header array to maintain.
type Segment struct {
	id    SegmentID
	data  []byte // fixed-size data region, len == configured segment size
	magic bool

	writeOffset int32
	liveBytes   int32
	liveItems   int32

	prevSeg SegmentID
	nextSeg SegmentID

	createAt int64 // unix seconds, set when taken from the free pool
	mergeAt  int64 // unix seconds, set on last merge into this segment

	ttl int64 // quantized TTL assigned by the owning bucket; 0 = no expiry

	accessible bool
	evictable  bool
	state      segmentState
}

func newSegment(id SegmentID, size int, magicEnabled bool) *Segment {
	return &Segment{
		id:    id,
		data:  make([]byte, size),
		magic: magicEnabled,
		state: segFree,
	}
}

// ID returns the segment's identifier.
func (s *Segment) ID() SegmentID { return s.id }

// Size returns the capacity of the segment's data region in bytes.
func (s *Segment) Size() int { return len(s.data) }

// WriteOffset returns the current append cursor.
func (s *Segment) WriteOffset() int32 { return s.writeOffset }

// LiveBytes returns the sum of sizes of items still logically present.
func (s *Segment) LiveBytes() int32 { return s.liveBytes }

// LiveItems returns the count of items still logically present.
func (s *Segment) LiveItems() int32 { return s.liveItems }

func (s *Segment) PrevSeg() SegmentID        { return s.prevSeg }
func (s *Segment) SetPrevSeg(id SegmentID)   { s.prevSeg = id }
func (s *Segment) NextSeg() SegmentID        { return s.nextSeg }
func (s *Segment) SetNextSeg(id SegmentID)   { s.nextSeg = id }
func (s *Segment) CreateAt() int64           { return s.createAt }
func (s *Segment) MergeAt() int64            { return s.mergeAt }
func (s *Segment) TTL() int64                { return s.ttl }
func (s *Segment) SetTTL(ttl int64)          { s.ttl = ttl }
func (s *Segment) Accessible() bool          { return s.accessible }
func (s *Segment) SetAccessible(v bool)      { s.accessible = v }
func (s *Segment) Evictable() bool           { return s.evictable }
func (s *Segment) SetEvictable(v bool)       { s.evictable = v }
func (s *Segment) State() segmentState       { return s.state }

// Age returns the number of seconds the segment has been alive.
func (s *Segment) Age(now int64) int64 {
	if now < s.createAt {
		return 0
	}
	return now - s.createAt
}

// CanEvict reports whether this segment may be selected as an eviction
// victim: it must be evictable, not the last segment of its chain
// (has a next), and old enough to have cleared the mature-time floor.
func (s *Segment) CanEvict(now int64) bool {
	return s.evictable && s.nextSeg != 0 && s.Age(now) >= SegMatureSeconds
}

// initFromFree transitions a free segment into an active-tail segment,
// resetting its counters and stamping its creation time.
func (s *Segment) initFromFree(now int64) {
	s.writeOffset = 0
	s.liveBytes = 0
	s.liveItems = 0
	s.prevSeg = 0
	s.nextSeg = 0
	s.createAt = now
	s.mergeAt = now
	s.accessible = true
	s.evictable = true
	s.state = segActiveTail
}

// resetToFree transitions a segment back to the free state: not accessible,
// not evictable, counters zeroed, links cleared.
func (s *Segment) resetToFree() {
	s.writeOffset = 0
	s.liveBytes = 0
	s.liveItems = 0
	s.prevSeg = 0
	s.nextSeg = 0
	s.ttl = 0
	s.accessible = false
	s.evictable = false
	s.state = segFree
}

// Reserve appends size bytes by advancing the write cursor, returning the
// offset at which the caller should write and true on success. It returns
// false ("full") if the segment does not have size bytes of remaining
// capacity.
func (s *Segment) Reserve(size int) (int, bool) {
	off := int(s.writeOffset)
	if off+size > len(s.data) {
		return 0, false
	}
	s.writeOffset += int32(size)
	return off, true
}

// WriteItemAt encodes key/optional/value at the given offset (obtained from
// a prior Reserve) and accounts for it in the live-item counters.
func (s *Segment) WriteItemAt(offset int, key, optional, value []byte, typed bool) (int, error) {
	n, err := WriteItem(s.data[offset:], key, optional, value, typed, s.magic)
	if err != nil {
		return 0, err
	}
	s.liveBytes += int32(n)
	s.liveItems++
	return n, nil
}

// ItemAt decodes the item starting at offset.
func (s *Segment) ItemAt(offset int) (Item, error) {
	if offset < 0 || offset >= int(s.writeOffset) {
		return Item{}, fmt.Errorf("seg: offset %d out of range [0,%d)", offset, s.writeOffset)
	}
	return ReadItem(s.data[offset:s.writeOffset], s.magic)
}

// ForEachItem walks every item from offset 0 to the write cursor, invoking
// fn with each item's offset and decoded view. fn returns false to stop
// early.
func (s *Segment) ForEachItem(fn func(offset int, it Item) bool) error {
	off := 0
	end := int(s.writeOffset)
	for off < end {
		it, err := ReadItem(s.data[off:end], s.magic)
		if err != nil {
			return err
		}
		size := it.Size()
		if !fn(off, it) {
			return nil
		}
		off += size
	}
	return nil
}

// unlinkItem decrements the live counters when an item at offset/size is
// logically removed (deleted, expired, orphaned by a failed merge, or left
// behind by a merge pass).
func (s *Segment) unlinkItem(size int) {
	s.liveBytes -= int32(size)
	s.liveItems--
}

// Clear walks every item in the segment and removes it from the hashtable
// --- but only if the hashtable's slot for that key still points at this
// exact (segment, offset); stale entries (already overwritten or merged
// elsewhere) are left alone. It then resets the segment's counters.
// Clear does not itself return the segment to the free pool; callers do
// that once Clear returns.
func (s *Segment) Clear(ht *HashTable) int {
	cleared := 0
	_ = s.ForEachItem(func(offset int, it Item) bool {
		if ht.DeleteIfAt(it.Key(), s.id, offset) {
			cleared++
		}
		return true
	})
	s.writeOffset = 0
	s.liveBytes = 0
	s.liveItems = 0
	return cleared
}

// CheckIntegrity scans all items in the segment and verifies that their
// sizes sum to at most the write offset and that live_bytes matches the sum
// of non-deleted items reachable from the hashtable. It is a
// diagnostic-only pass; ordinary read/write paths never call it.
func (s *Segment) CheckIntegrity(ht *HashTable) error {
	sum := 0
	liveSum := 0
	err := s.ForEachItem(func(offset int, it Item) bool {
		sum += it.Size()
		if ht.PointsAt(it.Key(), s.id, offset) {
			liveSum += it.Size()
		}
		return true
	})
	if err != nil {
		return err
	}
	if sum > int(s.writeOffset) {
		return ErrDataCorrupted
	}
	if liveSum != int(s.liveBytes) {
		return ErrDataCorrupted
	}
	return nil
}
