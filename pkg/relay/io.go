package relay

import (
	"context"
	"io"
)

// ReadFunc performs one transport read into p.
type ReadFunc func(ctx context.Context, p []byte) (int, error)

// ReadResult is the outcome of one read performed by Reader.
// Chunk is nil when nothing was read.
type ReadResult struct {
	Chunk *Chunk
	Err   error
}

// Reader starts a goroutine which repeatedly takes a Chunk from pool,
// reads into it with fn and delivers the result. Results are delivered in
// read order on the returned channel, which is unbuffered: the next read
// only starts after the previous result has been taken. The goroutine
// exits and closes the channel when ctx is done or when stop returns true
// for a delivered result.
func Reader(ctx context.Context, pool *Pool, fn ReadFunc, stop func(ReadResult) bool) <-chan ReadResult {
	results := make(chan ReadResult)
	go func() {
		defer close(results)
		for {
			chunk, err := pool.Get(ctx)
			if err != nil {
				return
			}
			n, err := fn(ctx, chunk.Buffer())
			res := ReadResult{Err: err}
			if n > 0 {
				chunk.SetLen(n)
				res.Chunk = chunk
			} else {
				chunk.Release()
			}
			if ctx.Err() != nil {
				if res.Chunk != nil {
					res.Chunk.Release()
				}
				return
			}
			select {
			case results <- res:
			case <-ctx.Done():
				if res.Chunk != nil {
					res.Chunk.Release()
				}
				return
			}
			if stop != nil && stop(res) {
				return
			}
		}
	}()
	return results
}

// Drain releases every Chunk still delivered on results until it is closed.
func Drain(results <-chan ReadResult) {
	for res := range results {
		if res.Chunk != nil {
			res.Chunk.Release()
		}
	}
}

// WriteAll writes p to w, retrying short writes.
func WriteAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n <= 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
