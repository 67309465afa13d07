package serial

import (
	"context"
	"io"
	"os"
	"time"
)

// IdleReader implements read-until-idle over a serial port: a read
// returns the bytes accumulated since the previous read once the line has
// been quiet for one idle gap, or as soon as the buffer is full.
//
// The idle gap is detected in one of two ways:
//   - the port returns a zero read, which is what a port opened with a
//     read timeout does when nothing arrives in time;
//   - the port supports read deadlines, in which case a deadline of Gap is
//     armed after the first byte and a timeout ends the read.
type IdleReader struct {
	Port io.Reader
	Gap  time.Duration
}

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// NewIdleReader creates an IdleReader.
func NewIdleReader(port io.Reader, gap time.Duration) *IdleReader {
	return &IdleReader{Port: port, Gap: gap}
}

// ReadIdle reads into p. A zero read before the first byte is not an
// idle gap, the reader keeps waiting until data arrives or ctx is done.
func (r *IdleReader) ReadIdle(ctx context.Context, p []byte) (int, error) {
	dl, _ := r.Port.(readDeadliner)
	if dl != nil {
		dl.SetReadDeadline(time.Time{})
	}
	n := 0
	for n < len(p) {
		if err := ctx.Err(); err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		if dl != nil && n > 0 && r.Gap > 0 {
			dl.SetReadDeadline(time.Now().Add(r.Gap))
		}
		m, err := r.Port.Read(p[n:])
		n += m
		switch {
		case err == nil || err == io.EOF:
		case os.IsTimeout(err):
			if n > 0 {
				return n, nil
			}
			continue
		default:
			return n, err
		}
		if m == 0 {
			if n > 0 {
				return n, nil
			}
			// yield to ports returning empty reads immediately.
			time.Sleep(time.Millisecond)
		}
	}
	return n, nil
}
