package network

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

var (
	// ErrAcceptTimeout indicates no peer connected within the accept timeout.
	ErrAcceptTimeout = errors.New("accept timeout")
	// ErrListenerClosed indicates the Listener has been closed.
	ErrListenerClosed = errors.New("listener closed")
)

// Conn is the network side of one session.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Listener accepts one session at a time.
type Listener interface {
	// Accept waits for a peer for at most timeout (0 waits forever).
	Accept(ctx context.Context, timeout time.Duration) (Conn, error)
	Addr() net.Addr
	Close() error
}

// TCPListener is a Listener for raw TCP.
type TCPListener struct {
	l *net.TCPListener
}

// ListenTCP listens on addr, e.g. ":1234".
func ListenTCP(addr string) (*TCPListener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	l, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{l: l}, nil
}

// Accept implements Listener.
func (t *TCPListener) Accept(ctx context.Context, timeout time.Duration) (Conn, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := t.l.SetDeadline(deadline); err != nil {
		return nil, acceptError(ctx, err)
	}
	stopCh := make(chan struct{})
	defer close(stopCh)
	go func() {
		select {
		case <-ctx.Done():
			t.l.SetDeadline(time.Unix(1, 0))
		case <-stopCh:
		}
	}()

	conn, err := t.l.AcceptTCP()
	if err != nil {
		return nil, acceptError(ctx, err)
	}
	conn.SetNoDelay(true)
	return conn, nil
}

func acceptError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrListenerClosed
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ErrAcceptTimeout
	}
	return err
}

// Addr implements Listener.
func (t *TCPListener) Addr() net.Addr {
	return t.l.Addr()
}

// Close implements Listener.
func (t *TCPListener) Close() error {
	return t.l.Close()
}
