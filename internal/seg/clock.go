package seg

import (
	"time"

	"go.uber.org/atomic"
)

// Clock is a coarse, explicitly-refreshed wall clock shared by the TTL
// buckets and the hashtable's per-bucket timestamp. Reading
// time.Now() on every hashtable touch would defeat the point of a
// lock-free lookup path, so the store refreshes this once per call to
// Expire and the reader paths consult the cached value instead.
type Clock struct {
	nowSec atomic.Int64
}

// NewClock returns a Clock initialized to the current wall-clock second.
func NewClock() *Clock {
	c := &Clock{}
	c.Refresh()
	return c
}

// Refresh samples time.Now and stores it as the clock's current value,
// returning the new value.
func (c *Clock) Refresh() int64 {
	now := time.Now().Unix()
	c.nowSec.Store(now)
	return now
}

// Now returns the clock's last-refreshed value, in Unix seconds.
func (c *Clock) Now() int64 {
	return c.nowSec.Load()
}

// Coarse16 returns the low 16 bits of the clock's current value, used as
// the bucket-info timestamp field.
func (c *Clock) Coarse16() uint16 {
	return uint16(c.Now() & 0xFFFF)
}
