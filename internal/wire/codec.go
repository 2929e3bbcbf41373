// Package wire implements the binary request/response framing consumed by
// the network layer: a length-prefixed protocol speaking the
// memcache-flavored command set the storage engine actually executes: get,
// gets, set, add, replace, cas, delete, incr, decr, flush_all.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// ProtocolVersion is the single wire-format version this package speaks.
const ProtocolVersion uint8 = 0x01

// Command identifies the requested operation. There is no representation
// for a collection command (lists, sets, hashes): the Seg item model only
// ever holds a fixed opaque-blob-or-8-byte-numeric value.
const (
	CmdGet byte = iota + 1
	CmdGets
	CmdSet
	CmdAdd
	CmdReplace
	CmdCas
	CmdDelete
	CmdIncr
	CmdDecr
	CmdFlushAll
)

// Response status codes, returned as the first byte of every response frame.
const (
	StatusStored byte = iota
	StatusNotStored
	StatusDeleted
	StatusNotFound
	StatusExists
	StatusValues
	StatusNumeric
	StatusOK
	StatusError
)

// maxFrameLen bounds how large a single frame's declared length may be,
// refusing to allocate for an obviously corrupt or hostile frame.
const maxFrameLen = 64 << 20

// BytePool recycles response buffers across connections using a
// sync.Pool-backed free list, scoped to this package's own
// Message/response types.
type BytePool struct {
	pool sync.Pool
}

// NewBytePool returns a pool whose buffers start at 1KB and grow on demand.
func NewBytePool() *BytePool {
	return &BytePool{
		pool: sync.Pool{
			New: func() any { return make([]byte, 1024) },
		},
	}
}

// Get returns a buffer of exactly size bytes, reusing pooled capacity when
// possible.
func (bp *BytePool) Get(size int) []byte {
	buf := bp.pool.Get().([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// Put returns buf to the pool. Oversized buffers are dropped rather than
// pooled so one huge value can't permanently inflate steady-state memory.
func (bp *BytePool) Put(buf []byte) {
	if cap(buf) <= 64*1024 {
		bp.pool.Put(buf[:0])
	}
}

// Message is a fully decoded client request.
type Message struct {
	Command  byte
	Keys     [][]byte // get/gets carry 1..N keys; all other commands use Keys[0]
	Optional []byte   // opaque per-item metadata (memcache "flags")
	Value    []byte
	TTL      uint32
	Cas      uint32
	Delta    uint64
	NoReply  bool
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBytes(r io.Reader, n uint32) ([]byte, error) {
	if n > maxFrameLen {
		return nil, fmt.Errorf("wire: field length %d exceeds frame limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readField(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	return readBytes(r, n)
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// ReadMessage parses one length-prefixed request frame off r: [length:4]
// [version:1][command:1][payload...], where length covers version, command
// and payload.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	frameLen, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if frameLen < 2 || uint64(frameLen) > maxFrameLen {
		return nil, fmt.Errorf("wire: invalid frame length %d", frameLen)
	}

	body := make([]byte, frameLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	version := body[0]
	if version != ProtocolVersion {
		return nil, fmt.Errorf("wire: unsupported protocol version %d", version)
	}
	command := body[1]
	payload := &sliceReader{buf: body[2:]}

	msg := &Message{Command: command}
	switch command {
	case CmdGet, CmdGets:
		count, err := readUint32(payload)
		if err != nil {
			return nil, err
		}
		msg.Keys = make([][]byte, count)
		for i := range msg.Keys {
			key, err := readField(payload)
			if err != nil {
				return nil, err
			}
			msg.Keys[i] = key
		}

	case CmdSet, CmdAdd, CmdReplace:
		key, err := readField(payload)
		if err != nil {
			return nil, err
		}
		flags, err := readField(payload)
		if err != nil {
			return nil, err
		}
		ttl, err := readUint32(payload)
		if err != nil {
			return nil, err
		}
		noreply, err := readBool(payload)
		if err != nil {
			return nil, err
		}
		value, err := readField(payload)
		if err != nil {
			return nil, err
		}
		msg.Keys = [][]byte{key}
		msg.Optional = flags
		msg.TTL = ttl
		msg.NoReply = noreply
		msg.Value = value

	case CmdCas:
		key, err := readField(payload)
		if err != nil {
			return nil, err
		}
		flags, err := readField(payload)
		if err != nil {
			return nil, err
		}
		ttl, err := readUint32(payload)
		if err != nil {
			return nil, err
		}
		cas, err := readUint32(payload)
		if err != nil {
			return nil, err
		}
		noreply, err := readBool(payload)
		if err != nil {
			return nil, err
		}
		value, err := readField(payload)
		if err != nil {
			return nil, err
		}
		msg.Keys = [][]byte{key}
		msg.Optional = flags
		msg.TTL = ttl
		msg.Cas = cas
		msg.NoReply = noreply
		msg.Value = value

	case CmdDelete:
		key, err := readField(payload)
		if err != nil {
			return nil, err
		}
		noreply, err := readBool(payload)
		if err != nil {
			return nil, err
		}
		msg.Keys = [][]byte{key}
		msg.NoReply = noreply

	case CmdIncr, CmdDecr:
		key, err := readField(payload)
		if err != nil {
			return nil, err
		}
		delta, err := readUint64(payload)
		if err != nil {
			return nil, err
		}
		noreply, err := readBool(payload)
		if err != nil {
			return nil, err
		}
		msg.Keys = [][]byte{key}
		msg.Delta = delta
		msg.NoReply = noreply

	case CmdFlushAll:
		// no payload

	default:
		return nil, fmt.Errorf("wire: unknown command %d", command)
	}

	return msg, nil
}

// sliceReader is a minimal io.Reader over an in-memory slice, avoiding an
// extra bufio.Reader allocation per frame since the whole frame is already
// buffered by ReadMessage.
type sliceReader struct {
	buf []byte
	pos int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.buf) {
		return 0, io.EOF
	}
	n := copy(p, s.buf[s.pos:])
	s.pos += n
	return n, nil
}

// WriteResponse frames resp (as produced by the Dispatcher) and flushes it
// to w.
func WriteResponse(w *bufio.Writer, resp []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(resp)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(resp); err != nil {
		return err
	}
	return w.Flush()
}
