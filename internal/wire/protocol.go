package wire

import (
	"encoding/binary"
	"errors"
	"strconv"

	"github.com/gofast-cache/gofast/internal/seg"
)

// TTLMode selects how the wire-level TTL field is interpreted, mirroring
// the memcache protocol's dual convention (spec §6.2).
type TTLMode int

const (
	// TTLModeMemcache treats a TTL value at or below maxRelativeTTL as
	// seconds-from-now and anything larger as an absolute Unix timestamp.
	// This is the default.
	TTLModeMemcache TTLMode = iota
	// TTLModeUnix always treats the TTL field as an absolute Unix
	// timestamp, never as a relative offset.
	TTLModeUnix
)

// maxRelativeTTL is the memcache convention's boundary (30 days in
// seconds) at or below which a TTL field is a relative offset rather than
// an absolute timestamp.
const maxRelativeTTL = 60 * 60 * 24 * 30

// Dispatcher executes decoded Messages against a seg.Store and encodes the
// result back into a response frame. There is no case for a collection
// command (list/set/hash): the Seg engine only ever stores a flat byte
// value, plus an 8-byte numeric fast path for incr/decr.
//
// Execute's variable-length responses (get/gets, error messages) are
// allocated from the Dispatcher's BytePool; the caller must Put the
// returned slice back once it has been written to the connection.
type Dispatcher struct {
	store   *seg.Store
	pool    *BytePool
	ttlMode TTLMode
}

// NewDispatcher binds a Dispatcher to store, reusing bp for response
// buffers. TTL fields are interpreted under TTLModeMemcache by default; use
// SetTTLMode to switch to Unix-only interpretation.
func NewDispatcher(store *seg.Store, bp *BytePool) *Dispatcher {
	return &Dispatcher{store: store, pool: bp}
}

// SetTTLMode changes how subsequent requests' TTL fields are interpreted.
func (d *Dispatcher) SetTTLMode(mode TTLMode) { d.ttlMode = mode }

// resolveTTL converts a wire-level TTL field into the relative
// seconds-from-now value the engine's TTL buckets expect, applying the
// memcache convention (or the Unix-only mode) configured on d. A zero TTL
// always means "no expiry", in either mode.
func (d *Dispatcher) resolveTTL(raw uint32) int64 {
	if raw == 0 {
		return 0
	}
	if d.ttlMode == TTLModeMemcache && int64(raw) <= maxRelativeTTL {
		return int64(raw)
	}
	now := d.store.Clock().Now()
	rel := int64(raw) - now
	if rel <= 0 {
		// Already past: expire as soon as possible rather than falling
		// into the ttl<=0 "no expiry" bucket.
		return 1
	}
	return rel
}

// Execute runs msg against the store and returns the encoded response frame
// (status byte + payload, not yet length-prefixed — WriteResponse does that).
func (d *Dispatcher) Execute(msg *Message) []byte {
	switch msg.Command {
	case CmdGet:
		return d.handleGet(msg, false)
	case CmdGets:
		return d.handleGet(msg, true)
	case CmdSet:
		return d.handleStore(msg, d.store.Insert)
	case CmdAdd:
		return d.handleStore(msg, d.store.InsertNotExists)
	case CmdReplace:
		return d.handleStore(msg, d.store.Replace)
	case CmdCas:
		return d.handleCas(msg)
	case CmdDelete:
		return d.handleDelete(msg)
	case CmdIncr:
		return d.handleNumeric(msg, d.store.WrappingAdd)
	case CmdDecr:
		return d.handleNumeric(msg, d.store.SaturatingSub)
	case CmdFlushAll:
		d.store.FlushAll()
		return []byte{StatusOK}
	default:
		return d.errorResponse("unknown command")
	}
}

func (d *Dispatcher) errorResponse(msg string) []byte {
	out := d.pool.Get(1 + len(msg))
	out[0] = StatusError
	copy(out[1:], msg)
	return out
}

// renderValue returns the bytes a get/gets response should carry for it: a
// typed item's 8-byte binary value is rendered back as the decimal-ASCII
// text a memcache client actually sent (see encodeStoreValue), so a plain
// `get` after `set k 0 0 3\r\n123` round-trips "123" rather than 8 raw
// binary bytes, and the same key stays reachable to incr/decr.
func renderValue(it seg.Item) []byte {
	if it.Typed() {
		if n, err := it.Uint64(); err == nil {
			return []byte(strconv.FormatUint(n, 10))
		}
	}
	return it.Value()
}

// handleGet serves get/gets: one item block per hit, missing keys are
// simply omitted (the memcache convention — a miss is not an error).
func (d *Dispatcher) handleGet(msg *Message, withCas bool) []byte {
	type hit struct {
		key   []byte
		value []byte
		flags []byte
		cas   uint32
	}
	hits := make([]hit, 0, len(msg.Keys))
	for _, key := range msg.Keys {
		it, ok := d.store.Get(key)
		if !ok {
			continue
		}
		h := hit{key: key, value: renderValue(it), flags: it.Optional()}
		if withCas {
			h.cas = d.store.BucketCAS(key)
		}
		hits = append(hits, h)
	}

	total := 4 // count
	for _, h := range hits {
		total += 4 + len(h.key) + 4 + len(h.flags) + 4 + len(h.value) + 4
	}

	out := d.pool.Get(1 + total)
	out[0] = StatusValues
	body := out[1:]
	binary.BigEndian.PutUint32(body[0:4], uint32(len(hits)))
	off := 4
	for _, h := range hits {
		binary.BigEndian.PutUint32(body[off:off+4], uint32(len(h.key)))
		off += 4
		copy(body[off:], h.key)
		off += len(h.key)

		binary.BigEndian.PutUint32(body[off:off+4], uint32(len(h.flags)))
		off += 4
		copy(body[off:], h.flags)
		off += len(h.flags)

		binary.BigEndian.PutUint32(body[off:off+4], uint32(len(h.value)))
		off += 4
		copy(body[off:], h.value)
		off += len(h.value)

		binary.BigEndian.PutUint32(body[off:off+4], h.cas)
		off += 4
	}
	return out
}

// encodeStoreValue mirrors the memcache convention that a value later
// targeted by incr/decr must itself have been stored as a decimal-ASCII
// number: when value is nothing but ASCII digits that fit a uint64, it is
// re-encoded as the engine's typed 8-byte big-endian representation (spec
// §3.1) so WrappingAdd/SaturatingSub can operate on it; any other payload
// is stored verbatim as an untyped blob.
func encodeStoreValue(value []byte) ([]byte, bool) {
	if len(value) == 0 || len(value) > 20 {
		return value, false
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			return value, false
		}
	}
	n, err := strconv.ParseUint(string(value), 10, 64)
	if err != nil {
		return value, false
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return buf[:], true
}

type storeOp func(key, optional, value []byte, ttlSeconds int64, typed bool) error

// isNotStored reports whether err is one of the engine-exhaustion errors the
// memcache surface maps onto NotStored rather than a generic client error
// (spec §7's user-visible error mapping): the store had no room and
// eviction could not make any, or the hashtable's overflow budget is spent.
func isNotStored(err error) bool {
	return errors.Is(err, seg.ErrNoFreeSegments) || errors.Is(err, seg.ErrHashTableInsertEx)
}

func (d *Dispatcher) handleStore(msg *Message, op storeOp) []byte {
	value, typed := encodeStoreValue(msg.Value)
	err := op(msg.Keys[0], msg.Optional, value, d.resolveTTL(msg.TTL), typed)
	switch {
	case err == nil:
		return []byte{StatusStored}
	case errors.Is(err, seg.ErrExists), errors.Is(err, seg.ErrNotFound), isNotStored(err):
		return []byte{StatusNotStored}
	default:
		return d.errorResponse(err.Error())
	}
}

func (d *Dispatcher) handleCas(msg *Message) []byte {
	value, typed := encodeStoreValue(msg.Value)
	_, err := d.store.Cas(msg.Keys[0], msg.Optional, value, d.resolveTTL(msg.TTL), msg.Cas, typed)
	switch {
	case err == nil:
		return []byte{StatusStored}
	case errors.Is(err, seg.ErrExists):
		return []byte{StatusExists}
	case errors.Is(err, seg.ErrNotFound):
		return []byte{StatusNotFound}
	case isNotStored(err):
		return []byte{StatusNotStored}
	default:
		return d.errorResponse(err.Error())
	}
}

func (d *Dispatcher) handleDelete(msg *Message) []byte {
	if err := d.store.Delete(msg.Keys[0]); err != nil {
		return []byte{StatusNotFound}
	}
	return []byte{StatusDeleted}
}

type numericOp func(key []byte, delta uint64) (uint64, error)

func (d *Dispatcher) handleNumeric(msg *Message, op numericOp) []byte {
	next, err := op(msg.Keys[0], msg.Delta)
	switch {
	case err == nil:
		out := make([]byte, 9)
		out[0] = StatusNumeric
		binary.BigEndian.PutUint64(out[1:], next)
		return out
	case errors.Is(err, seg.ErrNotFound):
		return []byte{StatusNotFound}
	default:
		return d.errorResponse(err.Error())
	}
}
