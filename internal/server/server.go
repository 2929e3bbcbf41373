// Package server accepts TCP connections and drives them against the
// storage engine through the workqueue: one goroutine per connection,
// structured zap logging, and every mutation routed through a single
// storage goroutine.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gofast-cache/gofast/internal/config"
	"github.com/gofast-cache/gofast/internal/seg"
	"github.com/gofast-cache/gofast/internal/wire"
	"github.com/gofast-cache/gofast/internal/workqueue"
)

// expireInterval is how often the storage goroutine is asked to sweep
// TTL-expired segments.
const expireInterval = 10 * time.Second

// Server owns the listener, the storage engine, and the single worker
// goroutine that executes every mutation.
type Server struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	store      *seg.Store
	dispatcher *wire.Dispatcher
	queue      *workqueue.Queue
	bytePool   *wire.BytePool
	stats      Stats

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs a Server from cfg, allocating the storage engine up front.
func New(cfg *config.Config, logger *zap.SugaredLogger) (*Server, error) {
	opts, err := cfg.SegOptions()
	if err != nil {
		return nil, err
	}
	store := seg.NewStore(opts)
	bp := wire.NewBytePool()
	dispatcher := wire.NewDispatcher(store, bp)
	ttlMode, err := cfg.TTLMode()
	if err != nil {
		return nil, err
	}
	dispatcher.SetTTLMode(ttlMode)
	return &Server{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		queue:      workqueue.New(cfg.Engine.MaxBatchSize * 4),
		bytePool:   bp,
	}, nil
}

// Store exposes the underlying engine, e.g. for an admin/stats endpoint.
func (s *Server) Store() *seg.Store { return s.store }

// Stats returns a snapshot of the server's operation counters.
func (s *Server) Stats() Snapshot { return s.stats.Snapshot() }

// Start begins listening and returns once the listener is bound; it runs
// the accept loop and the storage goroutine in the background until Stop is
// called.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.queue.Run(ctx, s.dispatcher, func() {
		if n := s.store.Expire(); n > 0 {
			s.logger.Infow("expired segments", "count", n)
		}
	})

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return fmt.Errorf("server: failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Infow("server started", "addr", addr)

	s.wg.Add(2)
	go s.tickLoop(ctx)
	go s.acceptLoop(ctx)

	return nil
}

// Stop shuts the server down: the listener is closed first so no new
// connections arrive, then the shared context is canceled at once (requests
// still waiting in the queue are not guaranteed to run), and Stop waits for
// the server's goroutines and the storage goroutine to return.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.queue.Wait()
}

func (s *Server) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.queue.RequestTick()
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnw("accept error", "error", err)
			continue
		}
		s.stats.Connections.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		msg, err := wire.ReadMessage(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debugw("read error", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		s.stats.recordCommand(msg.Command)

		respCh := make(chan []byte, 1)
		if err := s.queue.Submit(ctx, workqueue.Request{Msg: msg, RespCh: respCh}); err != nil {
			return
		}

		var resp []byte
		select {
		case resp = <-respCh:
		case <-ctx.Done():
			return
		}

		if msg.NoReply {
			s.bytePool.Put(resp)
			continue
		}
		if err := wire.WriteResponse(writer, resp); err != nil {
			s.logger.Debugw("write error", "remote", conn.RemoteAddr(), "error", err)
			s.bytePool.Put(resp)
			return
		}
		s.stats.BytesWritten.Add(uint64(len(resp)))
		s.bytePool.Put(resp)
	}
}
