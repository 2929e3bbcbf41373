package server

import (
	"go.uber.org/atomic"

	"github.com/gofast-cache/gofast/internal/wire"
)

// Stats tracks server-wide operation counters using go.uber.org/atomic
// rather than a mutex, since every field here is independently incremented
// from many connection goroutines and never needs a consistent joint
// snapshot.
type Stats struct {
	TotalOps     atomic.Uint64
	GetOps       atomic.Uint64
	SetOps       atomic.Uint64
	DelOps       atomic.Uint64
	Connections  atomic.Uint64
	BytesRead    atomic.Uint64
	BytesWritten atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats, safe to serialize for an admin
// endpoint.
type Snapshot struct {
	TotalOps     uint64
	GetOps       uint64
	SetOps       uint64
	DelOps       uint64
	Connections  uint64
	BytesRead    uint64
	BytesWritten uint64
}

// Snapshot reads every counter once into a plain struct.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TotalOps:     s.TotalOps.Load(),
		GetOps:       s.GetOps.Load(),
		SetOps:       s.SetOps.Load(),
		DelOps:       s.DelOps.Load(),
		Connections:  s.Connections.Load(),
		BytesRead:    s.BytesRead.Load(),
		BytesWritten: s.BytesWritten.Load(),
	}
}

// recordCommand bumps the per-command-family counter for command.
func (s *Stats) recordCommand(command byte) {
	s.TotalOps.Inc()
	switch command {
	case wire.CmdGet, wire.CmdGets:
		s.GetOps.Inc()
	case wire.CmdSet, wire.CmdAdd, wire.CmdReplace, wire.CmdCas, wire.CmdIncr, wire.CmdDecr:
		s.SetOps.Inc()
	case wire.CmdDelete:
		s.DelOps.Inc()
	}
}
