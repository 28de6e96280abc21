package metrics

import "sync/atomic"

// Clock stamps snapshots with strictly increasing sequence numbers.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations),
// although only the collector goroutine calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}
