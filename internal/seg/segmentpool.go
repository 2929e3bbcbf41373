package seg

// SegmentPool owns the store's single dense segments[] array and the free
// list that threads through it. Segments are referenced by id
// everywhere else in the package; the pool is the only place that resolves
// an id to a *Segment.
//
// The free list reuses each segment's prevSeg/nextSeg links exactly as a
// TTL bucket chain does, so a segment never needs two sets of pointers.
//
// SegmentPool is not safe for concurrent use: all of its mutating methods
// (PopFree, PushFree) are only ever called from the single storage
// goroutine that owns the engine.
type SegmentPool struct {
	segments []*Segment // index 0 is the sentinel; real ids are 1..len-1
	freeHead SegmentID
	freeTail SegmentID
	freeLen  int
}

// NewSegmentPool allocates nseg segments of segmentSize bytes each and
// places all of them on the free list.
func NewSegmentPool(nseg, segmentSize int, magicEnabled bool) *SegmentPool {
	p := &SegmentPool{
		segments: make([]*Segment, nseg+1),
	}
	for i := 1; i <= nseg; i++ {
		s := newSegment(SegmentID(i), segmentSize, magicEnabled)
		p.segments[i] = s
		p.pushFreeLocked(SegmentID(i))
	}
	return p
}

// NSeg returns the total number of segments managed by the pool.
func (p *SegmentPool) NSeg() int { return len(p.segments) - 1 }

// FreeCount returns the number of segments currently on the free list.
func (p *SegmentPool) FreeCount() int { return p.freeLen }

// Get resolves a segment id to its *Segment. id must be non-zero.
func (p *SegmentPool) Get(id SegmentID) *Segment {
	return p.segments[id]
}

func (p *SegmentPool) pushFreeLocked(id SegmentID) {
	s := p.segments[id]
	s.resetToFree()
	s.SetPrevSeg(p.freeTail)
	if p.freeTail != 0 {
		p.segments[p.freeTail].SetNextSeg(id)
	} else {
		p.freeHead = id
	}
	p.freeTail = id
	p.freeLen++
}

// PushFree returns a segment to the free list. The caller must have already
// cleared the segment (no hashtable entries reference it).
func (p *SegmentPool) PushFree(id SegmentID) {
	p.pushFreeLocked(id)
}

// PopFree removes and returns the head of the free list, initializing it as
// a fresh active-tail segment stamped with now. It returns false if the
// free list is empty.
func (p *SegmentPool) PopFree(now int64) (SegmentID, bool) {
	if p.freeHead == 0 {
		return 0, false
	}
	id := p.freeHead
	s := p.segments[id]
	next := s.NextSeg()
	p.freeHead = next
	if next != 0 {
		p.segments[next].SetPrevSeg(0)
	} else {
		p.freeTail = 0
	}
	p.freeLen--
	s.initFromFree(now)
	return id, true
}
