package seg

// Options configures a Store. Fields marked "inert" are accepted for
// config-file/CLI-surface compatibility with the original's options struct
// but have no in-memory effect: this engine keeps everything in process
// memory and never persists across restarts, so paths that named an
// on-disk datapool/hashtable/ttl-buckets file, or a restore/graceful
// shutdown flag, are accepted and ignored rather than rejected, matching
// how the original treats an unset optional feature.
type Options struct {
	// SegmentSize is the fixed size in bytes of every segment's data
	// region.
	SegmentSize int
	// HeapSize is the total memory budget for segment data; the number of
	// segments is HeapSize / SegmentSize.
	HeapSize int64

	// HashPower sets the hashtable to 2^HashPower primary buckets.
	HashPower uint
	// OverflowFactor sizes the overflow-bucket pool as a multiple of the
	// primary bucket count.
	OverflowFactor float64

	// MagicEnabled turns on the per-item magic-number integrity check,
	// at the cost of 4 extra header bytes per item.
	MagicEnabled bool

	Eviction EvictionConfig

	// MaxKeyLen and MaxValueSize bound what Insert will accept before an
	// oversized-item error, independent of what physically fits in a
	// segment.
	MaxKeyLen    int
	MaxValueSize int
	// MaxBatchSize is carried over from the configuration. Nothing in this
	// package reads it, and no layer limits or splits a request by it; the
	// server only uses the configured value to size its request queue.
	MaxBatchSize int

	// The following are accepted for compatibility and otherwise unused,
	// per the comment above.
	DatapoolPath       string
	HashtablePath      string
	SegmentsFieldsPath string
	TTLBucketsPath     string
	Restore            bool
	GracefulShutdown   bool
}

// DefaultOptions returns the configuration used when no overrides are
// supplied: a 1 MiB segment size, 1 GiB heap, 2^20 hashtable buckets, and
// merge-based eviction tuned conservatively.
func DefaultOptions() Options {
	return Options{
		SegmentSize:    1 << 20,
		HeapSize:       1 << 30,
		HashPower:      20,
		OverflowFactor: 0.1,
		MagicEnabled:   true,
		Eviction: EvictionConfig{
			Policy:        EvictMerge,
			MergeMax:      8,
			MergeTarget:   4,
			CompactTarget: 0.6,
		},
		MaxKeyLen:    maxKeyLen,
		MaxValueSize: 1 << 20,
		MaxBatchSize: 1024,
	}
}

// NSeg returns the number of segments this configuration allocates.
func (o Options) NSeg() int {
	if o.SegmentSize <= 0 {
		return 0
	}
	n := int(o.HeapSize / int64(o.SegmentSize))
	if n < 1 {
		n = 1
	}
	return n
}
