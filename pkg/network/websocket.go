package network

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/net/websocket"
)

// WebsocketListener is a Listener accepting websocket peers. Each peer is
// a stream of binary frames carrying raw bytes.
type WebsocketListener struct {
	Path string

	ln     net.Listener
	srv    *http.Server
	connCh chan *wsConn
	doneCh chan struct{}
	once   sync.Once
}

type wsConn struct {
	*websocket.Conn
	remote  wsAddr
	closeCh chan struct{}
	once    sync.Once
}

// wsAddr is the peer address as seen by the HTTP server.
type wsAddr string

func (a wsAddr) Network() string { return "ws" }
func (a wsAddr) String() string  { return string(a) }

// RemoteAddr returns the peer address rather than the websocket Origin,
// which is absent for non-browser clients.
func (c *wsConn) RemoteAddr() net.Addr {
	return c.remote
}

// Close implements io.Closer.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.closeCh) })
	return c.Conn.Close()
}

// ListenWebsocket listens on addr and serves websocket upgrades on path.
func ListenWebsocket(addr, path string) (*WebsocketListener, error) {
	if path == "" {
		path = "/"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &WebsocketListener{
		Path:   path,
		ln:     ln,
		connCh: make(chan *wsConn),
		doneCh: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.Handle(path, websocket.Server{
		Handler: l.handle,
		// Raw byte peers are not browsers; Origin is not checked.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
	})
	l.srv = &http.Server{Handler: mux}
	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			glog.Errorf("websocket server error: %v", err)
		}
	}()
	return l, nil
}

// handle owns the websocket for the whole session: the connection is
// closed by the server once handle returns.
func (l *WebsocketListener) handle(ws *websocket.Conn) {
	ws.PayloadType = websocket.BinaryFrame
	c := &wsConn{
		Conn:    ws,
		remote:  wsAddr(ws.Request().RemoteAddr),
		closeCh: make(chan struct{}),
	}
	select {
	case l.connCh <- c:
	case <-l.doneCh:
		return
	case <-ws.Request().Context().Done():
		return
	}
	select {
	case <-c.closeCh:
	case <-l.doneCh:
	}
}

// Accept implements Listener.
func (l *WebsocketListener) Accept(ctx context.Context, timeout time.Duration) (Conn, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case c := <-l.connCh:
		return c, nil
	case <-timeoutCh:
		return nil, ErrAcceptTimeout
	case <-l.doneCh:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr implements Listener.
func (l *WebsocketListener) Addr() net.Addr {
	return l.ln.Addr()
}

// URL returns the websocket URL peers connect to.
func (l *WebsocketListener) URL() string {
	return "ws://" + l.ln.Addr().String() + l.Path
}

// Close implements Listener.
func (l *WebsocketListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.doneCh)
		err = l.srv.Close()
	})
	return err
}
