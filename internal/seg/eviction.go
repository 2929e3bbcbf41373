package seg

import (
	"math/rand"
)

// EvictionPolicy selects how the store picks a victim segment when the
// pool has no free segments left.
type EvictionPolicy int

const (
	// EvictNone disables eviction entirely; Insert fails with
	// ErrNoFreeSegments once the pool is exhausted.
	EvictNone EvictionPolicy = iota
	// EvictRandom picks a uniformly random evictable segment across all
	// TTL buckets.
	EvictRandom
	// EvictFifo always evicts the oldest (bucket-head) segment of the
	// bucket with the oldest head overall.
	EvictFifo
	// EvictCTE ("closest to expire") evicts the segment across all
	// buckets whose create_at + ttl is soonest.
	EvictCTE
	// EvictUtil evicts the evictable segment with the lowest
	// live_bytes / capacity ratio, approximating "least useful".
	EvictUtil
	// EvictMerge runs the merge-based compaction pass: instead of
	// discarding a victim outright, it combines several mature segments of
	// one TTL bucket into fewer, denser survivors, keeping hot items alive.
	EvictMerge
)

// EvictionConfig bundles the merge-pass tuning knobs.
type EvictionConfig struct {
	Policy EvictionPolicy

	// MergeMax is the maximum number of source segments considered in one
	// merge pass.
	MergeMax int
	// MergeTarget is the number of survivor segments a merge pass tries to
	// produce from MergeMax sources; MergeTarget < MergeMax is what makes
	// the pass reclaim space.
	MergeTarget int
	// CompactTarget is the fraction of the source segments' item bytes
	// that the merge pass's frequency cutoff aims to keep (see
	// frequencyCutoff); a value <= 0 means 0.5.
	CompactTarget float64
}

// Evictor runs the configured policy against a TTLBuckets/SegmentPool pair
// on behalf of the single storage goroutine.
type Evictor struct {
	cfg   EvictionConfig
	pool  *SegmentPool
	ttl   *TTLBuckets
	ht    *HashTable
	clock *Clock
	rng   *rand.Rand
}

// NewEvictor constructs an Evictor for the given policy configuration.
func NewEvictor(cfg EvictionConfig, pool *SegmentPool, ttl *TTLBuckets, ht *HashTable, clock *Clock) *Evictor {
	return &Evictor{
		cfg:   cfg,
		pool:  pool,
		ttl:   ttl,
		ht:    ht,
		clock: clock,
		rng:   rand.New(rand.NewSource(1)),
	}
}

// candidate pairs a segment id with the TTL bucket it belongs to, needed so
// a victim can be unlinked from the right chain once chosen.
type candidate struct {
	bucketIdx int
	id        SegmentID
}

// evictableCandidates collects every segment across every bucket for which
// Segment.CanEvict holds.
func (e *Evictor) evictableCandidates(now int64) []candidate {
	var out []candidate
	for bi := 0; bi < e.ttl.NumBuckets(); bi++ {
		b := e.ttl.Bucket(bi)
		for id := b.Head(); id != 0; id = e.pool.Get(id).NextSeg() {
			seg := e.pool.Get(id)
			if seg.CanEvict(now) {
				out = append(out, candidate{bucketIdx: bi, id: id})
			}
		}
	}
	return out
}

func (e *Evictor) unlinkCandidate(c candidate) {
	b := e.ttl.Bucket(c.bucketIdx)
	seg := e.pool.Get(c.id)
	prev, next := seg.PrevSeg(), seg.NextSeg()
	if prev != 0 {
		e.pool.Get(prev).SetNextSeg(next)
	} else {
		b.head = next
	}
	if next != 0 {
		e.pool.Get(next).SetPrevSeg(prev)
	} else {
		b.tail = prev
	}
	if b.nextToMerge == c.id {
		b.nextToMerge = next
	}
	b.nseg--
}

// Evict frees segments according to the configured policy and returns the
// id of a freed one: one segment for every policy except EvictMerge, whose
// pass may free several. It returns ErrNoFreeSegments if no segment is currently
// evictable (e.g. every chain has only one, too-young segment).
func (e *Evictor) Evict(now int64) (SegmentID, error) {
	switch e.cfg.Policy {
	case EvictNone:
		return 0, ErrNoFreeSegments
	case EvictRandom:
		return e.evictRandom(now)
	case EvictFifo:
		return e.evictFifo(now)
	case EvictCTE:
		return e.evictCTE(now)
	case EvictUtil:
		return e.evictUtil(now)
	case EvictMerge:
		return e.evictMerge(now)
	default:
		return 0, ErrNoFreeSegments
	}
}

func (e *Evictor) freeCandidate(c candidate) SegmentID {
	seg := e.pool.Get(c.id)
	e.unlinkCandidate(c)
	seg.Clear(e.ht)
	e.pool.PushFree(c.id)
	return c.id
}

func (e *Evictor) evictRandom(now int64) (SegmentID, error) {
	cands := e.evictableCandidates(now)
	if len(cands) == 0 {
		return 0, ErrNoFreeSegments
	}
	c := cands[e.rng.Intn(len(cands))]
	return e.freeCandidate(c), nil
}

func (e *Evictor) evictFifo(now int64) (SegmentID, error) {
	cands := e.evictableCandidates(now)
	if len(cands) == 0 {
		return 0, ErrNoFreeSegments
	}
	best := cands[0]
	bestAge := e.pool.Get(best.id).CreateAt()
	for _, c := range cands[1:] {
		if age := e.pool.Get(c.id).CreateAt(); age < bestAge {
			best, bestAge = c, age
		}
	}
	return e.freeCandidate(best), nil
}

func (e *Evictor) evictCTE(now int64) (SegmentID, error) {
	cands := e.evictableCandidates(now)
	if len(cands) == 0 {
		return 0, ErrNoFreeSegments
	}
	best := cands[0]
	bestExpiry := e.expiryOf(best.id)
	for _, c := range cands[1:] {
		if exp := e.expiryOf(c.id); exp < bestExpiry {
			best, bestExpiry = c, exp
		}
	}
	return e.freeCandidate(best), nil
}

func (e *Evictor) expiryOf(id SegmentID) int64 {
	seg := e.pool.Get(id)
	if seg.TTL() <= 0 {
		return int64(1) << 62 // "never" sorts last
	}
	return seg.CreateAt() + seg.TTL()
}

func (e *Evictor) evictUtil(now int64) (SegmentID, error) {
	cands := e.evictableCandidates(now)
	if len(cands) == 0 {
		return 0, ErrNoFreeSegments
	}
	best := cands[0]
	bestUtil := e.utilOf(best.id)
	for _, c := range cands[1:] {
		if u := e.utilOf(c.id); u < bestUtil {
			best, bestUtil = c, u
		}
	}
	return e.freeCandidate(best), nil
}

func (e *Evictor) utilOf(id SegmentID) float64 {
	seg := e.pool.Get(id)
	if seg.Size() == 0 {
		return 0
	}
	return float64(seg.LiveBytes()) / float64(seg.Size())
}

// survivorItem is a byte-copied snapshot of one item that cleared the
// frequency cutoff, taken before any source segment (survivor or not) is
// cleared. Segment.Clear only resets counters, not the underlying bytes, but
// ForEachItem walks up to writeOffset -- once a survivor segment (which is
// also one of the sources) is cleared, its own pre-merge contents would no
// longer be reachable by a later read, so every qualifying item must be
// copied out up front.
type survivorItem struct {
	key, optional, value []byte
	typed                bool
}

// evictMerge implements the merge-based compaction pass: it takes up to
// MergeMax consecutive mature segments from the chosen bucket's merge
// cursor (falling back to evictUtil if fewer than two qualify), computes a
// per-pass frequency cutoff (frequencyCutoff), and snapshots every item
// that is still the live mapping for its key and whose frequency is at or
// above the cutoff. The first MergeTarget sources (at most all but one) are
// cleared and reused in place as survivors; the snapshots are rewritten
// into them, updating the hashtable, and snapshots that do not fit are
// dropped. Every other source is unlinked and returned to the free pool,
// and the pass ends by halving every frequency counter (AgeFrequencies).
//
// It returns the id of the last source segment freed; one pass may free
// several segments, so callers that want every freed id should compare
// FreeCount before and after.
func (e *Evictor) evictMerge(now int64) (SegmentID, error) {
	bi := e.pickMergeBucket(now)
	if bi < 0 {
		return 0, ErrNoFreeSegments
	}
	b := e.ttl.Bucket(bi)

	sources := e.collectMergeSources(b, now)
	if len(sources) < 2 {
		return e.evictUtil(now)
	}

	cutoff := e.frequencyCutoff(sources)

	var survivorItems []survivorItem
	for _, src := range sources {
		_ = src.ForEachItem(func(offset int, it Item) bool {
			if !e.ht.PointsAt(it.Key(), src.id, offset) || e.ht.FreqAt(it.Key(), src.id, offset) < cutoff {
				return true
			}
			survivorItems = append(survivorItems, survivorItem{
				key:      append([]byte(nil), it.Key()...),
				optional: append([]byte(nil), it.Optional()...),
				value:    append([]byte(nil), it.Value()...),
				typed:    it.Typed(),
			})
			return true
		})
	}

	survivorCount := e.cfg.MergeTarget
	if survivorCount < 1 {
		survivorCount = 1
	}
	if survivorCount >= len(sources) {
		survivorCount = len(sources) - 1
	}
	survivors := sources[:survivorCount]
	for _, s := range survivors {
		s.Clear(e.ht)
		s.mergeAt = now
	}

	survivorIdx := 0
	for _, item := range survivorItems {
		dst := survivors[survivorIdx%len(survivors)]
		size := ItemSize(len(item.key), len(item.optional), len(item.value), dst.magic)
		newOff, ok := dst.Reserve(size)
		if !ok {
			survivorIdx++
			dst = survivors[survivorIdx%len(survivors)]
			newOff, ok = dst.Reserve(size)
			if !ok {
				continue // drop the item if the next survivor has no room either
			}
		}
		if _, err := dst.WriteItemAt(newOff, item.key, item.optional, item.value, item.typed); err != nil {
			continue
		}
		_ = e.ht.Insert(item.key, dst.id, newOff)
	}

	var freedFirst SegmentID
	for _, src := range sources {
		isSurvivor := false
		for _, sv := range survivors {
			if sv.id == src.id {
				isSurvivor = true
				break
			}
		}
		if isSurvivor {
			continue
		}
		e.unlinkCandidate(candidate{bucketIdx: bi, id: src.id})
		src.Clear(e.ht)
		e.pool.PushFree(src.id)
		freedFirst = src.id
	}

	e.ht.AgeFrequencies()

	if freedFirst == 0 {
		return 0, ErrNoFreeSegments
	}
	return freedFirst, nil
}

// pickMergeBucket returns the index of the bucket with the most segments
// currently past maturity, or -1 if none qualify.
func (e *Evictor) pickMergeBucket(now int64) int {
	best := -1
	bestCount := 0
	for bi := 0; bi < e.ttl.NumBuckets(); bi++ {
		b := e.ttl.Bucket(bi)
		count := 0
		for id := b.Head(); id != 0; id = e.pool.Get(id).NextSeg() {
			if e.pool.Get(id).CanEvict(now) {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = bi, count
		}
	}
	return best
}

// collectMergeSources walks forward from the bucket's merge cursor,
// gathering up to MergeMax mature segments and advancing the cursor past
// them so the next pass picks up where this one left off.
func (e *Evictor) collectMergeSources(b *TTLBucket, now int64) []*Segment {
	limit := e.cfg.MergeMax
	if limit < 2 {
		limit = 2
	}
	var out []*Segment
	id := b.nextToMerge
	if id == 0 {
		id = b.head
	}
	for id != 0 && len(out) < limit {
		seg := e.pool.Get(id)
		if seg.CanEvict(now) {
			out = append(out, seg)
		}
		id = seg.NextSeg()
	}
	b.nextToMerge = id
	return out
}

// frequencyCutoff picks the minimum access-frequency an item must have to
// survive the merge: the largest value f such that items with frequency
// >= f account for at least the CompactTarget fraction (0.5 if unset) of
// the bytes of every item in the sources, stale ones (frequency 0)
// included. A coarse histogram over the 0-255 freq range keeps this
// O(items).
func (e *Evictor) frequencyCutoff(sources []*Segment) uint8 {
	var hist [256]int64
	var totalBytes int64
	for _, s := range sources {
		_ = s.ForEachItem(func(offset int, it Item) bool {
			freq := e.ht.FreqAt(it.Key(), s.id, offset)
			hist[freq] += int64(it.Size())
			totalBytes += int64(it.Size())
			return true
		})
	}
	if totalBytes == 0 {
		return 0
	}
	target := e.cfg.CompactTarget
	if target <= 0 {
		target = 0.5
	}
	keepBudget := int64(float64(totalBytes) * target)
	var acc int64
	for f := 255; f >= 0; f-- {
		acc += hist[f]
		if acc >= keepBudget {
			return uint8(f)
		}
	}
	return 0
}
