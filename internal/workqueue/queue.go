// Package workqueue bridges the network layer's per-connection goroutines
// to the single storage goroutine the seg engine requires for all mutating
// operations. Every request is funneled through one channel and drained by
// exactly one consumer goroutine; responses are delivered back to the
// caller over a per-request channel, so no lock is ever held across a
// request the way the storage core's own design demands.
package workqueue

import (
	"context"

	"github.com/sourcegraph/conc"

	"github.com/gofast-cache/gofast/internal/wire"
)

// Request is one decoded client command awaiting execution by the storage
// goroutine, paired with the channel its response must be delivered on.
type Request struct {
	Msg    *wire.Message
	RespCh chan<- []byte
}

// Queue is a many-producer / single-consumer channel: any number of
// connection goroutines may Submit, but only the goroutine started by Run
// ever touches the seg.Store behind the Dispatcher.
type Queue struct {
	reqs  chan Request
	ticks chan struct{}
	wg    conc.WaitGroup
}

// New creates a Queue with the given backlog capacity. A full queue makes
// Submit block, exerting backpressure on connection goroutines rather than
// growing memory without bound.
func New(capacity int) *Queue {
	return &Queue{
		reqs:  make(chan Request, capacity),
		ticks: make(chan struct{}, 1),
	}
}

// Submit enqueues req, blocking while the queue is full; it returns
// ctx.Err() if ctx is done before there is room.
func (q *Queue) Submit(ctx context.Context, req Request) error {
	select {
	case q.reqs <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestTick asks the storage goroutine to run onTick (passed to Run) at
// its next opportunity. Calls coalesce: a tick already pending absorbs a
// second request rather than queuing redundant work, since ticks exist only
// to drive the periodic Expire sweep, never to carry data.
func (q *Queue) RequestTick() {
	select {
	case q.ticks <- struct{}{}:
	default:
	}
}

// Run starts the single storage goroutine, which pulls requests off the
// queue and executes them one at a time against dispatcher until ctx is
// canceled, interleaving onTick whenever RequestTick fires. It returns
// immediately; call Wait to block for shutdown. Using conc.WaitGroup rather
// than a bare sync.WaitGroup means a panic inside the storage goroutine is
// captured and re-raised by Wait instead of silently crashing the process
// with no trace of which request caused it.
func (q *Queue) Run(ctx context.Context, dispatcher *wire.Dispatcher, onTick func()) {
	q.wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-q.reqs:
				resp := dispatcher.Execute(req.Msg)
				req.RespCh <- resp
			case <-q.ticks:
				if onTick != nil {
					onTick()
				}
			}
		}
	})
}

// Wait blocks until the storage goroutine started by Run has exited,
// re-panicking if it terminated abnormally.
func (q *Queue) Wait() {
	q.wg.Wait()
}
