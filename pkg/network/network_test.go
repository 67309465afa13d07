package network

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/robotalks/uartnet/pkg/relay"
)

type pipeListener struct {
	connCh  chan Conn
	accepts atomic.Int32
}

func newPipeListener() *pipeListener {
	return &pipeListener{connCh: make(chan Conn, 1)}
}

func (l *pipeListener) Accept(ctx context.Context, timeout time.Duration) (Conn, error) {
	l.accepts.Add(1)
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-time.After(timeout):
		return nil, ErrAcceptTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *pipeListener) Addr() net.Addr {
	return wsAddr("pipe")
}

func (l *pipeListener) Close() error {
	return nil
}

// dial connects a new peer and returns the peer side.
func (l *pipeListener) dial() net.Conn {
	local, remote := net.Pipe()
	l.connCh <- local
	return remote
}

// eofConn returns its data together with io.EOF in a single read.
type eofConn struct {
	data []byte
}

func (c *eofConn) Read(p []byte) (int, error) {
	n := copy(p, c.data)
	c.data = c.data[n:]
	return n, io.EOF
}

func (c *eofConn) Write(p []byte) (int, error)      { return len(p), nil }
func (c *eofConn) Close() error                     { return nil }
func (c *eofConn) RemoteAddr() net.Addr             { return wsAddr("eof") }
func (c *eofConn) SetReadDeadline(time.Time) error  { return nil }
func (c *eofConn) SetWriteDeadline(time.Time) error { return nil }

// flakyConn plays back a fixed sequence of reads, then reports EOF.
type flakyConn struct {
	eofConn
	reads []flakyRead
}

type flakyRead struct {
	data string
	err  error
}

func (c *flakyConn) Read(p []byte) (int, error) {
	if len(c.reads) == 0 {
		return 0, io.EOF
	}
	r := c.reads[0]
	c.reads = c.reads[1:]
	return copy(p, r.data), r.err
}

type netTestEnv struct {
	t      *testing.T
	ln     *pipeListener
	in     *relay.Path
	out    *relay.Path
	sup    *Supervisor
	cancel func()
	errCh  chan error

	lock   sync.Mutex
	states []State
}

func newNetTestEnv(t *testing.T, setup func(*Supervisor)) *netTestEnv {
	env := &netTestEnv{
		t:     t,
		ln:    newPipeListener(),
		in:    relay.NewPath("uart->net", 2, 64),
		out:   relay.NewPath("net->uart", 2, 64),
		errCh: make(chan error, 1),
	}
	env.sup = NewSupervisor(env.ln, env.in, env.out)
	env.sup.AcceptTimeout = 20 * time.Millisecond
	env.sup.WriteTimeout = time.Second
	env.sup.ErrorBackoff = time.Millisecond
	env.sup.OnStateChange = func(_ context.Context, state State, _ net.Addr) {
		env.lock.Lock()
		env.states = append(env.states, state)
		env.lock.Unlock()
	}
	if setup != nil {
		setup(env.sup)
	}
	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() {
		env.errCh <- env.sup.Run(ctx)
	}()
	return env
}

func (e *netTestEnv) stop() {
	e.cancel()
	select {
	case err := <-e.errCh:
		require.Equal(e.t, context.Canceled, err)
	case <-time.After(time.Second):
		e.t.Fatal("supervisor not stopped")
	}
}

func (e *netTestEnv) stateHistory() []State {
	e.lock.Lock()
	defer e.lock.Unlock()
	return append([]State(nil), e.states...)
}

func (e *netTestEnv) sendUart(data string) {
	chunk, err := e.in.Pool.Get(context.Background())
	require.NoError(e.t, err)
	chunk.SetLen(copy(chunk.Buffer(), data))
	require.NoError(e.t, e.in.Chan.Send(context.Background(), chunk))
}

func (e *netTestEnv) recvNet() string {
	select {
	case chunk := <-e.out.Chan.Out():
		s := string(chunk.Bytes())
		chunk.Release()
		return s
	case <-time.After(time.Second):
		e.t.Fatal("timeout waiting for net->uart chunk")
	}
	return ""
}

// waitListening waits until the given number of sessions have been
// closed and the supervisor is listening again.
func (e *netTestEnv) waitListening(sessions uint64) {
	require.Eventually(e.t, func() bool {
		var closed uint64
		for _, state := range e.stateHistory() {
			if state == StateClosed {
				closed++
			}
		}
		return closed == sessions && e.sup.Sessions() == sessions && e.sup.State() == StateListening
	}, time.Second, time.Millisecond)
}

func readPeer(t *testing.T, conn net.Conn, n int) string {
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestSupervisorAcceptTimeoutRetries(t *testing.T) {
	env := newNetTestEnv(t, nil)
	defer env.stop()

	require.Eventually(t, func() bool {
		return env.ln.accepts.Load() >= 3
	}, time.Second, time.Millisecond)
	require.Equal(t, StateListening, env.sup.State())
	require.Equal(t, uint64(0), env.sup.Sessions())
}

func TestSupervisorQueuedBeforeConnect(t *testing.T) {
	env := newNetTestEnv(t, nil)
	defer env.stop()

	env.sendUart("AB")
	env.sendUart("CD")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, env.in.Chan.Len())

	peer := env.ln.dial()
	defer peer.Close()
	require.Equal(t, "ABCD", readPeer(t, peer, 4))
	require.Eventually(t, func() bool {
		return env.in.Pool.Free() == env.in.Pool.Count()
	}, time.Second, time.Millisecond)
	require.Equal(t, uint64(4), env.in.Stats.Snapshot().Delivered)
}

func TestSupervisorNetToUart(t *testing.T) {
	env := newNetTestEnv(t, nil)
	defer env.stop()

	peer := env.ln.dial()
	defer peer.Close()
	for _, msg := range []string{"hello", "world", "!"} {
		_, err := peer.Write([]byte(msg))
		require.NoError(t, err)
		require.Equal(t, msg, env.recvNet())
	}
	snap := env.out.Stats.Snapshot()
	require.Equal(t, uint64(3), snap.Chunks)
	require.Equal(t, uint64(11), snap.Bytes)
}

func TestSupervisorReconnectWithoutResidue(t *testing.T) {
	env := newNetTestEnv(t, nil)
	defer env.stop()

	peer := env.ln.dial()
	_, err := peer.Write([]byte("first"))
	require.NoError(t, err)
	require.Equal(t, "first", env.recvNet())
	require.NoError(t, peer.Close())
	env.waitListening(1)

	peer = env.ln.dial()
	defer peer.Close()
	env.sendUart("yz")
	require.Equal(t, "yz", readPeer(t, peer, 2))
	_, err = peer.Write([]byte("second"))
	require.NoError(t, err)
	require.Equal(t, "second", env.recvNet())
	require.Equal(t, uint64(2), env.sup.Sessions())

	require.Equal(t, []State{StateBridging, StateClosed, StateListening, StateBridging},
		env.stateHistory())
}

func TestSupervisorEOFDeliversPending(t *testing.T) {
	env := newNetTestEnv(t, nil)
	defer env.stop()

	env.ln.connCh <- &eofConn{data: []byte("123")}
	require.Equal(t, "123", env.recvNet())
	env.waitListening(1)
	require.Eventually(t, func() bool {
		return env.out.Pool.Free() == env.out.Pool.Count()
	}, time.Second, time.Millisecond)
}

func TestSupervisorTransientReadError(t *testing.T) {
	env := newNetTestEnv(t, nil)
	defer env.stop()

	env.ln.connCh <- &flakyConn{reads: []flakyRead{
		{err: errors.New("rx error")},
		{data: "XY"},
	}}
	require.Equal(t, "XY", env.recvNet())
	env.waitListening(1)
	require.Equal(t, uint64(1), env.out.Stats.Snapshot().ReadErrors)
	require.Equal(t, []State{StateBridging, StateClosed, StateListening}, env.stateHistory())
}

func TestSessionEnded(t *testing.T) {
	s := NewSupervisor(nil, nil, nil)
	timeout := &net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}
	require.False(t, s.sessionEnded(nil))
	require.False(t, s.sessionEnded(errors.New("rx error")))
	require.False(t, s.sessionEnded(timeout))
	require.True(t, s.sessionEnded(io.EOF))
	require.True(t, s.sessionEnded(io.ErrClosedPipe))
	require.True(t, s.sessionEnded(&net.OpError{Op: "read", Err: net.ErrClosed}))
	require.True(t, s.sessionEnded(&net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}))

	s.IdleTimeout = time.Second
	require.True(t, s.sessionEnded(timeout))
}

func TestSupervisorWriteFailureClosesSession(t *testing.T) {
	env := newNetTestEnv(t, func(s *Supervisor) {
		s.WriteTimeout = 20 * time.Millisecond
	})
	defer env.stop()

	peer := env.ln.dial()
	defer peer.Close()
	// the peer never reads.
	env.sendUart("stuck")
	env.waitListening(1)
	snap := env.in.Stats.Snapshot()
	require.Equal(t, uint64(1), snap.WriteErrors)
	require.Equal(t, uint64(1), snap.Dropped)
	require.Contains(t, env.stateHistory(), StateClosed)
}

func TestSupervisorIdleTimeout(t *testing.T) {
	env := newNetTestEnv(t, func(s *Supervisor) {
		s.IdleTimeout = 20 * time.Millisecond
	})
	defer env.stop()

	peer := env.ln.dial()
	defer peer.Close()
	env.waitListening(1)
	require.Equal(t, uint64(1), env.out.Stats.Snapshot().ReadErrors)
}

func TestSupervisorEcho(t *testing.T) {
	env := newNetTestEnv(t, func(s *Supervisor) {
		s.Echo = true
	})
	defer env.stop()

	env.sendUart("serial")
	peer := env.ln.dial()
	defer peer.Close()
	for _, msg := range []string{"ping", "pong"} {
		_, err := peer.Write([]byte(msg))
		require.NoError(t, err)
		require.Equal(t, msg, readPeer(t, peer, len(msg)))
	}
	// uart->net is untouched in echo mode.
	require.Equal(t, 1, env.in.Chan.Len())
	require.Equal(t, 0, env.out.Chan.Len())
}

func TestTCPListener(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	_, err = l.Accept(ctx, 20*time.Millisecond)
	require.Equal(t, ErrAcceptTimeout, err)

	go func() {
		conn, err := net.Dial("tcp", l.Addr().String())
		if err == nil {
			conn.Write([]byte("tcp"))
			conn.Close()
		}
	}()
	conn, err := l.Accept(ctx, time.Second)
	require.NoError(t, err)
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, "tcp", string(data))
	conn.Close()

	cctx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = l.Accept(cctx, 0)
	require.Equal(t, context.Canceled, err)

	l.Close()
	_, err = l.Accept(ctx, time.Second)
	require.Equal(t, ErrListenerClosed, err)
}

func TestWebsocketEcho(t *testing.T) {
	l, err := ListenWebsocket("127.0.0.1:0", "/uart")
	require.NoError(t, err)
	defer l.Close()

	sup := NewSupervisor(l, relay.NewPath("uart->net", 2, 64), relay.NewPath("net->uart", 2, 64))
	sup.Echo = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	ws, err := websocket.Dial(l.URL(), "", "http://localhost/")
	require.NoError(t, err)
	defer ws.Close()
	ws.PayloadType = websocket.BinaryFrame
	ws.SetDeadline(time.Now().Add(time.Second))
	_, err = ws.Write([]byte("over ws"))
	require.NoError(t, err)
	buf := make([]byte, 7)
	_, err = io.ReadFull(ws, buf)
	require.NoError(t, err)
	require.Equal(t, "over ws", string(buf))
	require.Equal(t, StateBridging, sup.State())
	require.Equal(t, "ws", sup.Remote().Network())
}

func TestConfig(t *testing.T) {
	conf := NewConfig()
	require.NoError(t, conf.Validate())
	require.Equal(t, ":1234", conf.Listen)
	require.Equal(t, 10*time.Second, conf.AcceptTimeout)

	conf.Transport = "udp"
	require.Error(t, conf.Validate())
	_, err := conf.NewListener()
	require.Error(t, err)

	conf = NewConfig()
	conf.IdleTimeout = -time.Second
	require.Error(t, conf.Validate())

	conf = NewConfig()
	conf.Echo = true
	conf.Pacing = time.Millisecond
	sup := NewSupervisor(nil, nil, nil)
	conf.Apply(sup)
	require.True(t, sup.Echo)
	require.Equal(t, time.Millisecond, sup.Pacing)
	require.Equal(t, conf.WriteTimeout, sup.WriteTimeout)
}
