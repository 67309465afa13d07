package bridge

import (
	"context"
	"io"
	"net"
	"sync"

	fx "github.com/robotalks/uartnet/pkg/framework"
	"github.com/robotalks/uartnet/pkg/network"
	"github.com/robotalks/uartnet/pkg/relay"
	"github.com/robotalks/uartnet/pkg/serial"
)

// Bridge owns the two Paths for the process lifetime and the tasks on
// both ends of them.
type Bridge struct {
	UartToNet *relay.Path
	NetToUart *relay.Path

	// Serial is nil in echo mode.
	Serial  *serial.Relay
	Network *network.Supervisor

	port     io.ReadWriter
	listener network.Listener

	lock      sync.Mutex
	listeners []StateListener
}

// StateListener is notified when the network state changes.
type StateListener func(ctx context.Context, status Status)

// Status is a snapshot of the Bridge.
type Status struct {
	State     string              `json:"state"`
	Remote    string              `json:"remote,omitempty"`
	Listen    string              `json:"listen"`
	Sessions  uint64              `json:"sessions"`
	Echo      bool                `json:"echo,omitempty"`
	UartToNet relay.StatsSnapshot `json:"uart_to_net"`
	NetToUart relay.StatsSnapshot `json:"net_to_uart"`
}

// New creates the Paths once and hands them to both tasks. port may be
// nil in echo mode.
func New(port io.ReadWriter, listener network.Listener, conf *Config) *Bridge {
	b := &Bridge{
		UartToNet: relay.NewPath("uart->net", conf.ChannelCap, conf.BufferSize),
		NetToUart: relay.NewPath("net->uart", conf.ChannelCap, conf.BufferSize),
		port:      port,
		listener:  listener,
	}
	b.Network = network.NewSupervisor(listener, b.UartToNet, b.NetToUart)
	conf.Network.Apply(b.Network)
	b.Network.OnStateChange = b.onStateChange
	if !conf.Network.Echo && port != nil {
		b.Serial = serial.NewRelay(port, conf.Serial.IdleGap, b.NetToUart, b.UartToNet)
	}
	return b
}

// OnStateChange registers a StateListener.
func (b *Bridge) OnStateChange(fn StateListener) {
	b.lock.Lock()
	b.listeners = append(b.listeners, fn)
	b.lock.Unlock()
}

// Status returns the current Status.
func (b *Bridge) Status() Status {
	st := Status{
		State:     b.Network.State().String(),
		Listen:    b.listener.Addr().String(),
		Sessions:  b.Network.Sessions(),
		Echo:      b.Network.Echo,
		UartToNet: b.UartToNet.Stats.Snapshot(),
		NetToUart: b.NetToUart.Stats.Snapshot(),
	}
	if addr := b.Network.Remote(); addr != nil {
		st.Remote = addr.String()
	}
	return st
}

// AddToLoop implements LoopAdder. The port and the listener are closed
// when the loop stops.
func (b *Bridge) AddToLoop(loop *fx.Loop) {
	if b.Serial != nil {
		loop.AddRunnable(fx.NamedRun(b.Serial.Name(), fx.RunFunc(func(ctx context.Context) error {
			closer, ok := b.port.(io.Closer)
			if !ok {
				return b.Serial.Run(ctx)
			}
			return fx.RunWithContextCloser(ctx, closer, func() error {
				return b.Serial.Run(ctx)
			})
		})))
	}
	loop.AddRunnable(fx.NamedRun(b.Network.Name(), fx.RunFunc(func(ctx context.Context) error {
		return fx.RunWithContextCloser(ctx, b.listener, func() error {
			return b.Network.Run(ctx)
		})
	})))
}

func (b *Bridge) onStateChange(ctx context.Context, _ network.State, _ net.Addr) {
	b.lock.Lock()
	listeners := b.listeners
	b.lock.Unlock()
	if len(listeners) > 0 {
		st := b.Status()
		for _, fn := range listeners {
			fn(ctx, st)
		}
	}
	fx.TriggerNext(ctx)
}
