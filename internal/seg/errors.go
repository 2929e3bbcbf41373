package seg

import "fmt"

// Sentinel errors returned by the Seg facade (see store.go). Callers compare
// with errors.Is; the wire layer (internal/wire) maps these onto the
// memcache-style response kinds listed in the engine's command table.
var (
	// ErrNotFound is returned when a key has no live item.
	ErrNotFound = fmt.Errorf("seg: not found")

	// ErrExists is returned on a CAS mismatch or an add against an existing key.
	ErrExists = fmt.Errorf("seg: exists")

	// ErrNotNumeric is returned by incr/decr against a non-typed item.
	ErrNotNumeric = fmt.Errorf("seg: not numeric")

	// ErrNoFreeSegments is returned when the free segment pool is empty and
	// eviction could not reclaim one within the retry budget.
	ErrNoFreeSegments = fmt.Errorf("seg: no free segments")

	// ErrHashTableInsertEx is returned when a hashtable bucket chain cannot be
	// extended because the overflow budget is exhausted.
	ErrHashTableInsertEx = fmt.Errorf("seg: hashtable insert overflow")

	// ErrDataCorrupted is returned by diagnostic integrity checks only; it is
	// never produced by ordinary get/insert/delete paths.
	ErrDataCorrupted = fmt.Errorf("seg: data corrupted")
)

// ItemOversizedError is returned when an item (header + optional + key +
// value) does not fit within a single segment.
type ItemOversizedError struct {
	Size int // the item's encoded size, in bytes
	Max  int // the configured segment size
}

func (e *ItemOversizedError) Error() string {
	return fmt.Sprintf("seg: item of %d bytes exceeds segment size %d", e.Size, e.Max)
}
