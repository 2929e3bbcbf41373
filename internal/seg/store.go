package seg

// maxEvictRetries bounds how many times Insert will ask the Evictor for a
// free segment before giving up: a single eviction can legitimately fail
// to free enough room (e.g. a merge pass that only compacts without fully
// draining a segment), so the facade retries a few times before surfacing
// ErrNoFreeSegments to the caller rather than looping forever.
const maxEvictRetries = 3

// Store is the facade tying together the TTL-bucketed segment chains, the
// lookup hashtable, and the configured eviction policy into a single cache
// engine. Every method, Get and GetNoFreqIncr included, is
// single-goroutine-only: lookups have no re-read or retry step (see
// HashTable), so they run on the same goroutine as the mutations.
type Store struct {
	opts Options

	pool  *SegmentPool
	ttl   *TTLBuckets
	ht    *HashTable
	ev    *Evictor
	clock *Clock
}

// NewStore constructs a Store from the given options, pre-allocating every
// segment and hashtable bucket up front.
func NewStore(opts Options) *Store {
	clock := NewClock()
	pool := NewSegmentPool(opts.NSeg(), opts.SegmentSize, opts.MagicEnabled)
	ttl := NewTTLBuckets()
	ht := NewHashTable(opts.HashPower, opts.OverflowFactor, pool, clock)
	ev := NewEvictor(opts.Eviction, pool, ttl, ht, clock)
	return &Store{opts: opts, pool: pool, ttl: ttl, ht: ht, ev: ev, clock: clock}
}

// Options returns the configuration the store was constructed with.
func (s *Store) Options() Options { return s.opts }

// Clock exposes the store's shared clock so callers (e.g. the periodic
// expiration sweep) can refresh it once per tick rather than sampling
// time.Now() on every operation.
func (s *Store) Clock() *Clock { return s.clock }

func (s *Store) validateSizes(key, value []byte) error {
	if len(key) == 0 || len(key) > s.opts.MaxKeyLen {
		return &ItemOversizedError{Size: len(key), Max: s.opts.MaxKeyLen}
	}
	if len(value) > s.opts.MaxValueSize {
		return &ItemOversizedError{Size: len(value), Max: s.opts.MaxValueSize}
	}
	return nil
}

// Get looks up key, incrementing its access-frequency counter on a hit.
// The second return value is false if the key is absent or its mapping is
// stale (points at a segment slot the hashtable no longer owns).
func (s *Store) Get(key []byte) (Item, bool) {
	_, _, it, ok := s.ht.Get(key)
	return it, ok
}

// GetNoFreqIncr is Get without the frequency-counter side effect.
func (s *Store) GetNoFreqIncr(key []byte) (Item, bool) {
	_, _, it, ok := s.ht.GetNoFreqIncr(key)
	return it, ok
}

// BucketCAS returns key's current per-bucket CAS counter, for callers (e.g.
// the memcache `gets` command) that must hand it back to the client without
// performing a full CAS themselves.
func (s *Store) BucketCAS(key []byte) uint32 {
	return s.ht.BucketCAS(key)
}

// reserve finds room for size bytes under ttlSeconds, evicting up to
// maxEvictRetries times if the segment pool is exhausted.
func (s *Store) reserve(ttlSeconds int64, size int) (SegmentID, int, error) {
	now := s.clock.Now()
	id, off, err := s.ttl.Reserve(s.pool, now, ttlSeconds, size)
	if err == nil {
		return id, off, nil
	}
	if err != ErrNoFreeSegments {
		return 0, 0, err
	}
	for i := 0; i < maxEvictRetries; i++ {
		if _, evErr := s.ev.Evict(now); evErr != nil {
			break
		}
		id, off, err = s.ttl.Reserve(s.pool, now, ttlSeconds, size)
		if err == nil {
			return id, off, nil
		}
		if err != ErrNoFreeSegments {
			return 0, 0, err
		}
	}
	return 0, 0, ErrNoFreeSegments
}

// Insert stores key/value (with optional opaque metadata and TTL in
// seconds, 0 meaning no expiry), unconditionally overwriting any existing
// value. typed marks the value as a fixed 8-byte numeric
// usable by WrappingAdd/SaturatingSub.
func (s *Store) Insert(key, optional, value []byte, ttlSeconds int64, typed bool) error {
	if err := s.validateSizes(key, value); err != nil {
		return err
	}
	size := ItemSize(len(key), len(optional), len(value), s.opts.MagicEnabled)
	segID, offset, err := s.reserve(ttlSeconds, size)
	if err != nil {
		return err
	}
	seg := s.pool.Get(segID)
	if _, err := seg.WriteItemAt(offset, key, optional, value, typed); err != nil {
		return err
	}
	return s.ht.Insert(key, segID, offset)
}

// InsertNotExists stores key/value only if key is not already present,
// returning ErrExists otherwise. Matches the memcache `add` command, which
// pre-probes via get_no_freq_incr rather than a frequency-bumping Get.
func (s *Store) InsertNotExists(key, optional, value []byte, ttlSeconds int64, typed bool) error {
	if _, ok := s.GetNoFreqIncr(key); ok {
		return ErrExists
	}
	return s.Insert(key, optional, value, ttlSeconds, typed)
}

// Replace stores key/value only if key is already present, returning
// ErrNotFound otherwise. Matches the memcache `replace` command, which
// pre-probes via get_no_freq_incr rather than a frequency-bumping Get.
func (s *Store) Replace(key, optional, value []byte, ttlSeconds int64, typed bool) error {
	if _, ok := s.GetNoFreqIncr(key); !ok {
		return ErrNotFound
	}
	return s.Insert(key, optional, value, ttlSeconds, typed)
}

// Cas performs a compare-and-swap against key's per-bucket CAS counter:
// it succeeds only if expected matches the counter's current value,
// atomically advancing it and publishing the new value. It returns
// the counter's current value and ErrExists (CAS mismatch) when expected is
// stale, or ErrNotFound if the key does not exist yet.
func (s *Store) Cas(key, optional, value []byte, ttlSeconds int64, expected uint32, typed bool) (uint32, error) {
	if err := s.validateSizes(key, value); err != nil {
		return 0, err
	}
	if _, ok := s.Get(key); !ok {
		return 0, ErrNotFound
	}
	size := ItemSize(len(key), len(optional), len(value), s.opts.MagicEnabled)
	segID, offset, err := s.reserve(ttlSeconds, size)
	if err != nil {
		return 0, err
	}
	seg := s.pool.Get(segID)
	if _, err := seg.WriteItemAt(offset, key, optional, value, typed); err != nil {
		return 0, err
	}
	cur, ok := s.ht.TryUpdateCAS(key, expected, segID, offset)
	if !ok {
		seg.unlinkItem(size) // written bytes never got a live hashtable owner
		return cur, ErrExists
	}
	return cur, nil
}

// Delete removes key, returning ErrNotFound if it was not present.
func (s *Store) Delete(key []byte) error {
	if !s.ht.Delete(key) {
		return ErrNotFound
	}
	return nil
}

// mutateNumeric is the shared body of WrappingAdd/SaturatingSub: both
// require an existing, typed item and mutate its value in place without
// moving it.
func (s *Store) mutateNumeric(key []byte, delta uint64, op func(Item, uint64) (uint64, error)) (uint64, error) {
	_, _, it, ok := s.ht.GetNoFreqIncr(key)
	if !ok {
		return 0, ErrNotFound
	}
	return op(it, delta)
}

// WrappingAdd implements memcache `incr`: adds delta to key's numeric value
// with u64 wraparound, returning the new value.
func (s *Store) WrappingAdd(key []byte, delta uint64) (uint64, error) {
	return s.mutateNumeric(key, delta, Item.WrappingAdd)
}

// SaturatingSub implements memcache `decr`: subtracts delta from key's
// numeric value, floored at 0, returning the new value.
func (s *Store) SaturatingSub(key []byte, delta uint64) (uint64, error) {
	return s.mutateNumeric(key, delta, Item.SaturatingSub)
}

// FlushAll marks every item created before now as expired; it does not
// reclaim segments synchronously, only fast-forwards the flush epoch that
// the next Expire pass checks.
func (s *Store) FlushAll() {
	s.ttl.FlushAll(s.clock.Now())
}

// Expire refreshes the clock and releases every segment whose TTL or the
// flush epoch has passed, returning the count of segments reclaimed. It is
// intended to be driven by a periodic ticker from the single storage
// goroutine.
func (s *Store) Expire() int {
	now := s.clock.Refresh()
	return s.ttl.Expire(s.ht, s.pool, now)
}

// EvictOnce runs a single eviction pass using the configured policy,
// exposed for admin/diagnostic callers that want to pre-emptively reclaim
// space rather than waiting for the next Insert to trigger it.
func (s *Store) EvictOnce() (SegmentID, error) {
	return s.ev.Evict(s.clock.Now())
}

// Stats is a point-in-time snapshot of store-wide counters.
type Stats struct {
	NSeg      int
	FreeSeg   int
	HashPower uint
}

// Stat returns a snapshot of the store's current sizing counters.
func (s *Store) Stat() Stats {
	return Stats{
		NSeg:      s.pool.NSeg(),
		FreeSeg:   s.pool.FreeCount(),
		HashPower: s.opts.HashPower,
	}
}
