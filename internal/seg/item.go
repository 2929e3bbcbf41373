// Package seg implements the segment-structured cache storage engine: fixed
// size segments, TTL-bucket chains, a bucket-chained lookup hashtable, and a
// family of eviction policies including merge-based compaction.
package seg

import (
	"encoding/binary"
)

// Item header bit layout (ported from the original Rust item/header.rs,
// see _examples/original_source/src/storage/seg/src/item/header.rs):
//
//	[ MAGIC (optional, 32 bit) ][ LEN (32 bit) ][ FLAGS (8 bit) ]
//
// LEN packs klen in the low byte and either vlen (24 bit) or, when the typed
// flag is set, a 16 bit vlen (always 8, fixed by valueTypeU64) plus an 8 bit
// value-type tag in the top byte. FLAGS packs typed (bit 7), a reserved bit
// (bit 6), and olen (bits 0-5, max 63).
const (
	itemMagic     uint32 = 0xDECAFBAD
	itemMagicSize        = 4
	itemLenSize          = 4
	itemFlagsSize        = 1

	maxKeyLen = 255
	maxOlen   = 63

	klenMask  uint32 = 0x000000FF
	vlenMask  uint32 = 0xFFFFFF00
	vlenShift        = 8
	typeMask  uint32 = 0xFF000000
	typeShift        = 24

	typedFlagMask byte = 0x80
	olenFlagMask  byte = 0x3F

	// valueTypeU64 is the only value type the engine supports: a fixed
	// 8-byte big-endian unsigned integer used by incr/decr.
	valueTypeU64    uint8 = 0
	typedValueLen         = 8
)

// headerSize returns the on-wire size of an item header given whether the
// magic integrity check is enabled.
func headerSize(magicEnabled bool) int {
	if magicEnabled {
		return itemMagicSize + itemLenSize + itemFlagsSize
	}
	return itemLenSize + itemFlagsSize
}

// ItemSize computes the 8-byte-aligned total size of an item with the given
// key/optional/value lengths.
func ItemSize(klen, olen, vlen int, magicEnabled bool) int {
	total := headerSize(magicEnabled) + olen + klen + vlen
	return roundUp8(total)
}

func roundUp8(n int) int {
	return (n + 7) &^ 7
}

// Item is a decoded view over a single record stored contiguously in a
// segment's data region. It never copies the underlying bytes; Key/Optional/
// Value return sub-slices of the segment's buffer, valid only as long as the
// segment is not cleared or merged away from under the caller.
type Item struct {
	raw         []byte
	magicEnabled bool
}

// WriteItem encodes a new item into buf (which must be at least
// ItemSize(len(key), len(optional), vlen, magicEnabled) bytes) and returns
// the number of bytes written. No partial item is ever visible to readers:
// callers must not publish (seg, offset) into the hashtable until this
// returns.
func WriteItem(buf []byte, key, optional, value []byte, typed bool, magicEnabled bool) (int, error) {
	if len(key) < 1 || len(key) > maxKeyLen {
		return 0, &ItemOversizedError{Size: len(key), Max: maxKeyLen}
	}
	if len(optional) > maxOlen {
		return 0, &ItemOversizedError{Size: len(optional), Max: maxOlen}
	}
	vlen := len(value)
	if typed && vlen != typedValueLen {
		panic("seg: typed item must carry an 8-byte value")
	}

	hdrSize := headerSize(magicEnabled)
	size := ItemSize(len(key), len(optional), vlen, magicEnabled)
	if len(buf) < size {
		return 0, &ItemOversizedError{Size: size, Max: len(buf)}
	}

	off := 0
	if magicEnabled {
		binary.BigEndian.PutUint32(buf[off:], itemMagic)
		off += itemMagicSize
	}

	lenField := uint32(len(key)) & klenMask
	if typed {
		lenField |= (uint32(vlen) << vlenShift) &^ typeMask
		lenField |= uint32(valueTypeU64) << typeShift
	} else {
		lenField |= uint32(vlen) << vlenShift
	}
	binary.BigEndian.PutUint32(buf[off:], lenField)
	off += itemLenSize

	flags := byte(len(optional)) & olenFlagMask
	if typed {
		flags |= typedFlagMask
	}
	buf[off] = flags
	off += itemFlagsSize

	_ = hdrSize
	copy(buf[off:], optional)
	off += len(optional)
	copy(buf[off:], key)
	off += len(key)
	copy(buf[off:], value)

	return size, nil
}

// ReadItem decodes an Item view starting at offset 0 of raw. raw may extend
// past the end of the item; callers use Size() to know how far to advance.
func ReadItem(raw []byte, magicEnabled bool) (Item, error) {
	it := Item{raw: raw, magicEnabled: magicEnabled}
	if magicEnabled {
		if len(raw) < itemMagicSize {
			return Item{}, ErrDataCorrupted
		}
		if binary.BigEndian.Uint32(raw) != itemMagic {
			return Item{}, ErrDataCorrupted
		}
	}
	if len(raw) < headerSize(magicEnabled) {
		return Item{}, ErrDataCorrupted
	}
	return it, nil
}

func (it Item) lenField() uint32 {
	off := 0
	if it.magicEnabled {
		off = itemMagicSize
	}
	return binary.BigEndian.Uint32(it.raw[off:])
}

func (it Item) flagsField() byte {
	off := itemLenSize
	if it.magicEnabled {
		off += itemMagicSize
	}
	return it.raw[off]
}

// Klen returns the item's key length.
func (it Item) Klen() uint8 { return uint8(it.lenField() & klenMask) }

// Olen returns the item's optional-data length.
func (it Item) Olen() uint8 { return it.flagsField() & olenFlagMask }

// Typed reports whether the item's value is a fixed 8-byte numeric.
func (it Item) Typed() bool { return it.flagsField()&typedFlagMask != 0 }

// Vlen returns the item's value length in bytes.
func (it Item) Vlen() uint32 {
	lf := it.lenField()
	if it.Typed() {
		return (lf &^ typeMask) >> vlenShift
	}
	return lf >> vlenShift
}

// Size returns the item's total 8-byte-aligned on-wire size.
func (it Item) Size() int {
	return ItemSize(int(it.Klen()), int(it.Olen()), int(it.Vlen()), it.magicEnabled)
}

func (it Item) dataOffset() int {
	return headerSize(it.magicEnabled)
}

// Optional returns the item's optional metadata bytes (e.g. memcache flags).
func (it Item) Optional() []byte {
	off := it.dataOffset()
	olen := int(it.Olen())
	return it.raw[off : off+olen]
}

// Key returns the item's key bytes.
func (it Item) Key() []byte {
	off := it.dataOffset() + int(it.Olen())
	klen := int(it.Klen())
	return it.raw[off : off+klen]
}

// Value returns the item's value bytes.
func (it Item) Value() []byte {
	off := it.dataOffset() + int(it.Olen()) + int(it.Klen())
	vlen := int(it.Vlen())
	return it.raw[off : off+vlen]
}

// Uint64 decodes a typed item's value as a big-endian u64.
func (it Item) Uint64() (uint64, error) {
	if !it.Typed() {
		return 0, ErrNotNumeric
	}
	return binary.BigEndian.Uint64(it.Value()), nil
}

// WrappingAdd mutates a typed item's value in place, adding delta with
// wraparound (memcache `incr`), and returns the new value.
func (it Item) WrappingAdd(delta uint64) (uint64, error) {
	if !it.Typed() {
		return 0, ErrNotNumeric
	}
	v := it.Value()
	cur := binary.BigEndian.Uint64(v)
	next := cur + delta
	binary.BigEndian.PutUint64(v, next)
	return next, nil
}

// SaturatingSub mutates a typed item's value in place, subtracting delta but
// never going below zero (memcache `decr`), and returns the new value.
func (it Item) SaturatingSub(delta uint64) (uint64, error) {
	if !it.Typed() {
		return 0, ErrNotNumeric
	}
	v := it.Value()
	cur := binary.BigEndian.Uint64(v)
	var next uint64
	if delta >= cur {
		next = 0
	} else {
		next = cur - delta
	}
	binary.BigEndian.PutUint64(v, next)
	return next, nil
}
