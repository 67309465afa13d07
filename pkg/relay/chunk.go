package relay

import (
	"context"
	"sync/atomic"
)

// DefaultBufferSize is the capacity of each Chunk.
const DefaultBufferSize = 2048

// Chunk is an owned buffer carrying the bytes of one transport read.
type Chunk struct {
	buf  []byte
	n    int
	pool *Pool
	out  atomic.Bool
}

// NewChunk creates a Chunk holding a copy of data which doesn't belong
// to any Pool.
func NewChunk(data []byte) *Chunk {
	c := &Chunk{buf: append([]byte(nil), data...), n: len(data)}
	c.out.Store(true)
	return c
}

// Buffer returns the full-capacity buffer to read into.
func (c *Chunk) Buffer() []byte {
	return c.buf
}

// SetLen sets the number of valid bytes in the buffer.
func (c *Chunk) SetLen(n int) {
	if n < 0 || n > len(c.buf) {
		panic("relay: chunk length out of range")
	}
	c.n = n
}

// Len returns the number of valid bytes.
func (c *Chunk) Len() int {
	return c.n
}

// Bytes returns the view of valid bytes.
func (c *Chunk) Bytes() []byte {
	return c.buf[:c.n]
}

// Release returns the Chunk to its Pool. The Chunk must not be used
// afterwards.
func (c *Chunk) Release() {
	if !c.out.CompareAndSwap(true, false) {
		panic("relay: chunk released twice")
	}
	c.n = 0
	if c.pool != nil {
		c.pool.free <- c
	}
}

// Pool is a fixed set of Chunks for one direction.
type Pool struct {
	free chan *Chunk
	size int
}

// PoolCountFor returns the number of Chunks a direction needs with the
// given channel capacity: one being filled, capacity queued and one
// being written out.
func PoolCountFor(capacity int) int {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return capacity + 2
}

// NewPool allocates count Chunks of size bytes.
func NewPool(count, size int) *Pool {
	if count <= 0 {
		count = PoolCountFor(DefaultCapacity)
	}
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &Pool{free: make(chan *Chunk, count), size: size}
	for i := 0; i < count; i++ {
		p.free <- &Chunk{buf: make([]byte, size), pool: p}
	}
	return p
}

// Get waits until a Chunk is free and takes it.
func (p *Pool) Get(ctx context.Context) (*Chunk, error) {
	select {
	case c := <-p.free:
		c.out.Store(true)
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Free returns the number of Chunks not checked out.
func (p *Pool) Free() int {
	return len(p.free)
}

// Count returns the total number of Chunks.
func (p *Pool) Count() int {
	return cap(p.free)
}

// Size returns the capacity of each Chunk.
func (p *Pool) Size() int {
	return p.size
}
