package relay

import (
	"context"
	"sync/atomic"
)

// DefaultCapacity is the number of Chunks a Channel queues before the
// producer has to wait.
const DefaultCapacity = 2

// Channel is a bounded FIFO of Chunks with a single producer and a
// single consumer. A full Channel suspends the sender; nothing is dropped.
type Channel struct {
	ch chan *Chunk
}

// NewChannel creates a Channel. capacity <= 0 selects DefaultCapacity.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{ch: make(chan *Chunk, capacity)}
}

// Send enqueues c, waiting for a free slot. On error the caller still
// owns c.
func (c *Channel) Send(ctx context.Context, chunk *Chunk) error {
	select {
	case c.ch <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv dequeues the oldest Chunk, waiting until one is available.
func (c *Channel) Recv(ctx context.Context) (*Chunk, error) {
	select {
	case chunk := <-c.ch:
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// In is the send side, for use in select statements.
func (c *Channel) In() chan<- *Chunk {
	return c.ch
}

// Out is the receive side, for use in select statements.
func (c *Channel) Out() <-chan *Chunk {
	return c.ch
}

// Len returns the number of queued Chunks.
func (c *Channel) Len() int {
	return len(c.ch)
}

// Cap returns the capacity.
func (c *Channel) Cap() int {
	return cap(c.ch)
}

// Path is one direction of the relay.
type Path struct {
	Name  string
	Pool  *Pool
	Chan  *Channel
	Stats PathStats
}

// NewPath creates a Path whose Pool is sized for the Channel capacity.
func NewPath(name string, capacity, bufSize int) *Path {
	ch := NewChannel(capacity)
	return &Path{
		Name: name,
		Pool: NewPool(PoolCountFor(ch.Cap()), bufSize),
		Chan: ch,
	}
}

// String implements fmt.Stringer.
func (p *Path) String() string {
	return p.Name
}

// PathStats counts traffic of one Path.
type PathStats struct {
	// Chunks and Bytes are counted when the producer hands off.
	Chunks atomic.Uint64
	Bytes  atomic.Uint64
	// Delivered counts bytes written out by the consumer.
	Delivered   atomic.Uint64
	ReadErrors  atomic.Uint64
	WriteErrors atomic.Uint64
	Dropped     atomic.Uint64
}

// Forwarded records a hand-off of n bytes.
func (s *PathStats) Forwarded(n int) {
	s.Chunks.Add(1)
	s.Bytes.Add(uint64(n))
}

// Snapshot returns a copy of the counters.
func (s *PathStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Chunks:      s.Chunks.Load(),
		Bytes:       s.Bytes.Load(),
		Delivered:   s.Delivered.Load(),
		ReadErrors:  s.ReadErrors.Load(),
		WriteErrors: s.WriteErrors.Load(),
		Dropped:     s.Dropped.Load(),
	}
}

// StatsSnapshot is a point-in-time copy of PathStats.
type StatsSnapshot struct {
	Chunks      uint64 `json:"chunks"`
	Bytes       uint64 `json:"bytes"`
	Delivered   uint64 `json:"delivered"`
	ReadErrors  uint64 `json:"read_errors"`
	WriteErrors uint64 `json:"write_errors"`
	Dropped     uint64 `json:"dropped"`
}
