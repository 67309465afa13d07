package serial

import (
	"context"
	"io"
	"time"

	"github.com/golang/glog"

	fx "github.com/robotalks/uartnet/pkg/framework"
	"github.com/robotalks/uartnet/pkg/relay"
)

// DefaultErrorBackoff is the pause after a failed serial read.
const DefaultErrorBackoff = 100 * time.Millisecond

// Relay owns the serial port. It forwards every read-until-idle chunk to
// the uart->net Path and writes every chunk received from the net->uart
// Path to the port. Transport errors are logged and never stop the Relay.
type Relay struct {
	Port         io.ReadWriter
	Reader       *IdleReader
	In           *relay.Path // net->uart, consumed
	Out          *relay.Path // uart->net, produced
	ErrorBackoff time.Duration
}

// NewRelay creates a Relay over port with the given idle gap.
func NewRelay(port io.ReadWriter, gap time.Duration, in, out *relay.Path) *Relay {
	return &Relay{
		Port:         port,
		Reader:       NewIdleReader(port, gap),
		In:           in,
		Out:          out,
		ErrorBackoff: DefaultErrorBackoff,
	}
}

// Name implements Named.
func (r *Relay) Name() string {
	return "serial"
}

// Run implements Runnable. It only returns when ctx is done.
//
// While a read chunk waits for a slot on the uart->net Channel no further
// chunk is taken from the reader, but net->uart chunks keep being written,
// so a stalled network peer never blocks the opposite direction. When both
// are ready, select picks one at random.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	reads := relay.Reader(ctx, r.Out.Pool, r.read, nil)

	var pending *relay.Chunk
	var pendingLen int
	defer func() {
		cancel()
		relay.Drain(reads)
		if pending != nil {
			pending.Release()
		}
	}()
	for {
		var readCh <-chan relay.ReadResult
		var sendCh chan<- *relay.Chunk
		if pending == nil {
			readCh = reads
		} else {
			sendCh = r.Out.Chan.In()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-readCh:
			if !ok {
				return ctx.Err()
			}
			if res.Err != nil {
				r.Out.Stats.ReadErrors.Add(1)
				glog.Warningf("serial read error: %v", res.Err)
			}
			if res.Chunk != nil {
				glog.V(3).Infof("serial rx %d bytes", res.Chunk.Len())
				pending, pendingLen = res.Chunk, res.Chunk.Len()
			}
		case sendCh <- pending:
			r.Out.Stats.Forwarded(pendingLen)
			pending = nil
		case chunk := <-r.In.Chan.Out():
			r.write(chunk)
		}
	}
}

func (r *Relay) read(ctx context.Context, p []byte) (int, error) {
	n, err := r.Reader.ReadIdle(ctx, p)
	if err != nil && n == 0 && ctx.Err() == nil {
		fx.Sleep(ctx, r.ErrorBackoff)
	}
	return n, err
}

// write sends the chunk out of the port. A failed write drops the chunk.
func (r *Relay) write(chunk *relay.Chunk) {
	defer chunk.Release()
	if err := relay.WriteAll(r.Port, chunk.Bytes()); err != nil {
		r.In.Stats.WriteErrors.Add(1)
		r.In.Stats.Dropped.Add(1)
		glog.Warningf("serial write error: %v", err)
		return
	}
	r.In.Stats.Delivered.Add(uint64(chunk.Len()))
	glog.V(3).Infof("serial tx %d bytes", chunk.Len())
}
