package network

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// Transports.
const (
	TransportTCP       = "tcp"
	TransportWebsocket = "ws"
)

// Config defines the network side settings.
type Config struct {
	Listen        string
	Transport     string
	WebsocketPath string
	AcceptTimeout time.Duration
	// IdleTimeout of 10s matches a firmware socket timeout, which drops
	// an established peer after 10s without traffic. 0 disables it.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	Pacing       time.Duration
	Echo         bool
}

var defaultConfig = Config{
	Listen:        ":1234",
	Transport:     TransportTCP,
	WebsocketPath: "/uart",
	AcceptTimeout: DefaultAcceptTimeout,
	WriteTimeout:  DefaultWriteTimeout,
}

func init() {
	if val := os.Getenv("UARTNET_LISTEN"); val != "" {
		defaultConfig.Listen = val
	}
	if val := os.Getenv("UARTNET_TRANSPORT"); val != "" {
		defaultConfig.Transport = val
	}
}

// SetupFlags sets command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.Listen, "listen", defaultConfig.Listen, "Listen address.")
	flag.StringVar(&defaultConfig.Transport, "transport", defaultConfig.Transport, "Network transport: tcp or ws.")
	flag.StringVar(&defaultConfig.WebsocketPath, "ws-path", defaultConfig.WebsocketPath, "Websocket endpoint path.")
	flag.DurationVar(&defaultConfig.AcceptTimeout, "accept-timeout", defaultConfig.AcceptTimeout, "Accept wait before listening again.")
	flag.DurationVar(&defaultConfig.IdleTimeout, "idle-timeout", defaultConfig.IdleTimeout, "Close a silent peer after this long, 0 disables.")
	flag.DurationVar(&defaultConfig.WriteTimeout, "write-timeout", defaultConfig.WriteTimeout, "Network write timeout.")
	flag.DurationVar(&defaultConfig.Pacing, "pacing", defaultConfig.Pacing, "Delay after each bridging iteration.")
	flag.BoolVar(&defaultConfig.Echo, "echo", defaultConfig.Echo, "Echo network input back without serial.")
}

// Default gets default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a config with defaults.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must be specified")
	}
	switch c.Transport {
	case TransportTCP, TransportWebsocket:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.AcceptTimeout < 0 || c.IdleTimeout < 0 || c.WriteTimeout < 0 || c.Pacing < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

// NewListener creates the Listener for the configured transport.
func (c *Config) NewListener() (Listener, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Transport == TransportWebsocket {
		l, err := ListenWebsocket(c.Listen, c.WebsocketPath)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	l, err := ListenTCP(c.Listen)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Apply copies the settings onto s.
func (c *Config) Apply(s *Supervisor) {
	s.AcceptTimeout = c.AcceptTimeout
	s.IdleTimeout = c.IdleTimeout
	s.WriteTimeout = c.WriteTimeout
	s.Pacing = c.Pacing
	s.Echo = c.Echo
}
