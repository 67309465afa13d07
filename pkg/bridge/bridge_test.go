package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	fx "github.com/robotalks/uartnet/pkg/framework"
	"github.com/robotalks/uartnet/pkg/network"
)

type fakePort struct {
	rxCh   chan []byte
	closed atomic.Bool

	lock    sync.Mutex
	written bytes.Buffer
}

func newFakePort() *fakePort {
	return &fakePort{rxCh: make(chan []byte, 16)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, io.EOF
	}
	select {
	case data := <-p.rxCh:
		return copy(b, data), nil
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *fakePort) output() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.written.String()
}

func testConfig() *Config {
	conf := NewConfig()
	conf.Serial.IdleGap = 5 * time.Millisecond
	conf.Network.Listen = "127.0.0.1:0"
	conf.Network.AcceptTimeout = 50 * time.Millisecond
	return conf
}

func runLoop(t *testing.T, b *Bridge) func() {
	loop := fx.NewLoop()
	loop.Interval = 10 * time.Millisecond
	loop.Add(b)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- loop.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case err := <-errCh:
			require.Equal(t, context.Canceled, err)
		case <-time.After(time.Second):
			t.Fatal("loop not stopped")
		}
	}
}

func TestBridgeEndToEnd(t *testing.T) {
	conf := testConfig()
	port := newFakePort()
	l, err := network.ListenTCP(conf.Network.Listen)
	require.NoError(t, err)
	b := New(port, l, conf)
	require.NotNil(t, b.Serial)

	var states []string
	var lock sync.Mutex
	b.OnStateChange(func(_ context.Context, st Status) {
		lock.Lock()
		states = append(states, st.State)
		lock.Unlock()
	})
	stop := runLoop(t, b)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("to serial"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return port.output() == "to serial"
	}, time.Second, time.Millisecond)

	port.rxCh <- []byte("to net")
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 6)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "to net", string(buf))

	require.Eventually(t, func() bool {
		st := b.Status()
		return st.NetToUart.Delivered == 9 && st.UartToNet.Delivered == 6
	}, time.Second, time.Millisecond)
	st := b.Status()
	require.Equal(t, "bridging", st.State)
	require.Equal(t, uint64(1), st.Sessions)
	require.Equal(t, conn.LocalAddr().String(), st.Remote)

	lock.Lock()
	require.Contains(t, states, "bridging")
	lock.Unlock()

	stop()
	require.True(t, port.closed.Load())
	_, err = net.Dial("tcp", l.Addr().String())
	require.Error(t, err)
}

func TestBridgeEcho(t *testing.T) {
	conf := testConfig()
	conf.Network.Echo = true
	l, err := network.ListenTCP(conf.Network.Listen)
	require.NoError(t, err)
	b := New(nil, l, conf)
	require.Nil(t, b.Serial)
	stop := runLoop(t, b)
	defer stop()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("echo"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "echo", string(buf))
	require.True(t, b.Status().Echo)
}

func TestStatusJSON(t *testing.T) {
	conf := testConfig()
	l, err := network.ListenTCP(conf.Network.Listen)
	require.NoError(t, err)
	defer l.Close()
	b := New(newFakePort(), l, conf)

	data, err := json.Marshal(b.Status())
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, "listening", doc["state"])
	require.NotContains(t, doc, "remote")
	require.Contains(t, doc, "uart_to_net")
	require.Contains(t, doc, "net_to_uart")
}

func TestConfigValidate(t *testing.T) {
	conf := NewConfig()
	require.NoError(t, conf.Validate())
	require.Equal(t, 2048, conf.BufferSize)
	require.Equal(t, 2, conf.ChannelCap)

	conf.BufferSize = 0
	require.Error(t, conf.Validate())

	conf = NewConfig()
	conf.ChannelCap = -1
	require.Error(t, conf.Validate())

	// echo mode does not need a serial device.
	conf = NewConfig()
	conf.Serial.Device = ""
	require.Error(t, conf.Validate())
	conf.Network.Echo = true
	require.NoError(t, conf.Validate())
}
