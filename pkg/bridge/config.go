package bridge

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/robotalks/uartnet/pkg/network"
	"github.com/robotalks/uartnet/pkg/relay"
	"github.com/robotalks/uartnet/pkg/serial"
)

// Config aggregates the settings of both sides of the bridge.
type Config struct {
	Serial  *serial.Config
	Network *network.Config

	// BufferSize is the capacity of every chunk.
	BufferSize int
	// ChannelCap is the number of chunks queued per direction.
	ChannelCap int
}

var defaultConfig = Config{
	BufferSize: relay.DefaultBufferSize,
	ChannelCap: relay.DefaultCapacity,
}

func init() {
	if val := os.Getenv("UARTNET_BUFFER_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			defaultConfig.BufferSize = size
		}
	}
}

// SetupFlags sets command line flags of the bridge and both sides.
func SetupFlags() {
	serial.SetupFlags()
	network.SetupFlags()
	flag.IntVar(&defaultConfig.BufferSize, "buffer-size", defaultConfig.BufferSize, "Bytes per chunk.")
	flag.IntVar(&defaultConfig.ChannelCap, "channel-cap", defaultConfig.ChannelCap, "Chunks queued per direction.")
}

// Default gets default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	conf.Serial = serial.NewConfig()
	conf.Network = network.NewConfig()
	return &conf
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if c.BufferSize <= 0 {
		return fmt.Errorf("invalid buffer size %d", c.BufferSize)
	}
	if c.ChannelCap <= 0 {
		return fmt.Errorf("invalid channel capacity %d", c.ChannelCap)
	}
	if err := c.Network.Validate(); err != nil {
		return err
	}
	if c.Network.Echo {
		return nil
	}
	return c.Serial.Validate()
}

// NewBridge opens the serial port (unless in echo mode) and the
// listener, then creates the Bridge.
func (c *Config) NewBridge() (*Bridge, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var port io.ReadWriteCloser
	if !c.Network.Echo {
		p, err := c.Serial.Open()
		if err != nil {
			return nil, err
		}
		port = p
	}
	listener, err := c.Network.NewListener()
	if err != nil {
		if port != nil {
			port.Close()
		}
		return nil, fmt.Errorf("listen on %s error: %v", c.Network.Listen, err)
	}
	return New(port, listener, c), nil
}

// MustNewBridge creates the Bridge and fails on error.
func (c *Config) MustNewBridge() *Bridge {
	b, err := c.NewBridge()
	if err != nil {
		log.Fatalln(err)
	}
	return b
}
