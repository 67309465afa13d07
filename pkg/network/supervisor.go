package network

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang/glog"

	fx "github.com/robotalks/uartnet/pkg/framework"
	"github.com/robotalks/uartnet/pkg/relay"
)

// State is the state of the Supervisor.
type State int32

// States of the Supervisor.
const (
	StateListening State = iota
	StateBridging
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateBridging:
		return "bridging"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Default timeouts.
const (
	DefaultAcceptTimeout = 10 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultErrorBackoff  = 100 * time.Millisecond
)

// StateChangeFunc is notified on every state transition.
type StateChangeFunc func(ctx context.Context, state State, remote net.Addr)

// Supervisor accepts one peer at a time and bridges it with the serial
// side until the peer goes away, then listens again.
type Supervisor struct {
	Listener Listener
	In       *relay.Path // uart->net, consumed
	Out      *relay.Path // net->uart, produced

	AcceptTimeout time.Duration
	// IdleTimeout closes a session when the peer sends nothing for this
	// long. 0 disables it.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	// Pacing is an optional delay after every bridging iteration.
	Pacing       time.Duration
	ErrorBackoff time.Duration
	// Echo writes received bytes back to the peer instead of forwarding
	// them to the serial side.
	Echo bool

	OnStateChange StateChangeFunc

	state    atomic.Int32
	remote   atomic.Pointer[remoteAddr]
	sessions atomic.Uint64
}

type remoteAddr struct {
	net.Addr
}

// NewSupervisor creates a Supervisor with default timeouts.
func NewSupervisor(listener Listener, in, out *relay.Path) *Supervisor {
	return &Supervisor{
		Listener:      listener,
		In:            in,
		Out:           out,
		AcceptTimeout: DefaultAcceptTimeout,
		WriteTimeout:  DefaultWriteTimeout,
		ErrorBackoff:  DefaultErrorBackoff,
	}
}

// Name implements Named.
func (s *Supervisor) Name() string {
	return "network"
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Remote returns the address of the current or last peer.
func (s *Supervisor) Remote() net.Addr {
	if r := s.remote.Load(); r != nil {
		return r.Addr
	}
	return nil
}

// Sessions returns the number of accepted peers.
func (s *Supervisor) Sessions() uint64 {
	return s.sessions.Load()
}

// Run implements Runnable. A closed session never stops the Supervisor,
// only ctx or a closed Listener does.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		s.setState(ctx, StateListening, nil)
		conn, err := s.Listener.Accept(ctx, s.AcceptTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch err {
			case ErrAcceptTimeout:
				glog.V(2).Infof("no peer within %s on %s", s.AcceptTimeout, s.Listener.Addr())
				continue
			case ErrListenerClosed:
				return err
			}
			glog.Errorf("accept error: %v", err)
			if !fx.Sleep(ctx, s.ErrorBackoff) {
				return ctx.Err()
			}
			continue
		}

		remote := conn.RemoteAddr()
		s.sessions.Add(1)
		glog.Infof("accepted %s", remote)
		s.setState(ctx, StateBridging, remote)
		err = s.bridge(ctx, conn)
		s.setState(ctx, StateClosed, remote)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			glog.Warningf("session %s closed: %v", remote, err)
		} else {
			glog.Infof("session %s closed by peer", remote)
		}
	}
}

func (s *Supervisor) setState(ctx context.Context, state State, remote net.Addr) {
	if remote != nil {
		s.remote.Store(&remoteAddr{remote})
	}
	if State(s.state.Swap(int32(state))) == state {
		return
	}
	glog.V(1).Infof("network %s", state)
	if s.OnStateChange != nil {
		s.OnStateChange(ctx, state, remote)
	}
}

// bridge relays between conn and the Paths until the peer closes, a
// write fails or ctx is done. It returns nil on an orderly close.
func (s *Supervisor) bridge(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	reads := relay.Reader(ctx, s.Out.Pool, s.reader(conn), func(res relay.ReadResult) bool {
		return s.sessionEnded(res.Err)
	})

	var pending *relay.Chunk
	var pendingLen int
	defer func() {
		cancel()
		conn.Close()
		relay.Drain(reads)
		if pending != nil {
			pending.Release()
		}
	}()

	// flush hands a chunk already read from the peer to the serial side
	// before the session goes away.
	flush := func() {
		if pending == nil {
			return
		}
		if err := s.Out.Chan.Send(ctx, pending); err != nil {
			s.Out.Stats.Dropped.Add(1)
			return
		}
		s.Out.Stats.Forwarded(pendingLen)
		pending = nil
	}

	for {
		var readCh <-chan relay.ReadResult
		var sendCh chan<- *relay.Chunk
		var uartCh <-chan *relay.Chunk
		if pending == nil {
			readCh = reads
		} else {
			sendCh = s.Out.Chan.In()
		}
		if !s.Echo {
			uartCh = s.In.Chan.Out()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-readCh:
			if !ok {
				return ctx.Err()
			}
			if res.Chunk != nil {
				glog.V(3).Infof("net rx %d bytes", res.Chunk.Len())
				if s.Echo {
					s.Out.Stats.Forwarded(res.Chunk.Len())
					if err := s.write(conn, s.Out, res.Chunk); err != nil {
						return err
					}
				} else {
					pending, pendingLen = res.Chunk, res.Chunk.Len()
				}
			}
			if res.Err != nil {
				if !s.sessionEnded(res.Err) {
					s.Out.Stats.ReadErrors.Add(1)
					glog.Warningf("net read error: %v", res.Err)
					break
				}
				flush()
				if res.Err == io.EOF {
					return nil
				}
				s.Out.Stats.ReadErrors.Add(1)
				return res.Err
			}
		case sendCh <- pending:
			s.Out.Stats.Forwarded(pendingLen)
			pending = nil
		case chunk := <-uartCh:
			if err := s.write(conn, s.In, chunk); err != nil {
				flush()
				return err
			}
		}

		if s.Pacing > 0 && !fx.Sleep(ctx, s.Pacing) {
			return ctx.Err()
		}
	}
}

// reader reads from conn. A zero read is an orderly close.
func (s *Supervisor) reader(conn Conn) relay.ReadFunc {
	return func(ctx context.Context, p []byte) (int, error) {
		if s.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		}
		n, err := conn.Read(p)
		if n == 0 && err == nil {
			err = io.EOF
		}
		if err != nil && n == 0 && !s.sessionEnded(err) {
			fx.Sleep(ctx, s.ErrorBackoff)
		}
		return n, err
	}
}

// sessionEnded tells whether a read error ends the session. Only errors
// meaning the connection is gone end it, and timeouts only when they come
// from the idle timeout. Any other error is transient.
func (s *Supervisor) sessionEnded(err error) bool {
	switch {
	case err == nil:
		return false
	case os.IsTimeout(err):
		return s.IdleTimeout > 0
	}
	return connClosed(err)
}

func connClosed(err error) bool {
	for _, target := range closedErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var closedErrors = []error{
	io.EOF,
	io.ErrUnexpectedEOF,
	io.ErrClosedPipe,
	net.ErrClosed,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EPIPE,
}

// write sends the chunk to the peer and releases it.
func (s *Supervisor) write(conn Conn, path *relay.Path, chunk *relay.Chunk) error {
	defer chunk.Release()
	if s.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	}
	if err := relay.WriteAll(conn, chunk.Bytes()); err != nil {
		path.Stats.WriteErrors.Add(1)
		path.Stats.Dropped.Add(1)
		return err
	}
	path.Stats.Delivered.Add(uint64(chunk.Len()))
	glog.V(3).Infof("net tx %d bytes", chunk.Len())
	return nil
}
