package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofast-cache/gofast/internal/seg"
	"github.com/gofast-cache/gofast/internal/wire"
)

func newTestDispatcher() *wire.Dispatcher {
	store := seg.NewStore(seg.Options{
		SegmentSize:    4096,
		HeapSize:       4096 * 4,
		HashPower:      6,
		OverflowFactor: 2.0,
		MagicEnabled:   true,
		Eviction:       seg.EvictionConfig{Policy: seg.EvictNone},
		MaxKeyLen:      250,
		MaxValueSize:   1 << 16,
	})
	return wire.NewDispatcher(store, wire.NewBytePool())
}

func TestQueueSubmitExecutesOnSingleGoroutine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(4)
	d := newTestDispatcher()
	q.Run(ctx, d, nil)

	respCh := make(chan []byte, 1)
	err := q.Submit(ctx, Request{
		Msg:    &wire.Message{Command: wire.CmdSet, Keys: [][]byte{[]byte("k")}, Value: []byte("v")},
		RespCh: respCh,
	})
	require.NoError(t, err)

	select {
	case resp := <-respCh:
		assert.Equal(t, wire.StatusStored, resp[0])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}

	cancel()
	q.Wait()
}

func TestQueueRequestTickInvokesCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(1)
	d := newTestDispatcher()
	ticked := make(chan struct{}, 1)
	q.Run(ctx, d, func() { ticked <- struct{}{} })

	q.RequestTick()
	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("tick callback never fired")
	}

	cancel()
	q.Wait()
}

func TestQueueSubmitRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := New(0) // unbuffered, nothing draining it
	cancel()

	err := q.Submit(ctx, Request{Msg: &wire.Message{Command: wire.CmdFlushAll}, RespCh: make(chan []byte, 1)})
	assert.ErrorIs(t, err, context.Canceled)
}
