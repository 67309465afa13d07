package serial

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	tarm "github.com/tarm/serial"
)

// Config defines the serial port settings.
type Config struct {
	// Device is the serial device path, e.g. /dev/ttyUSB0.
	Device string
	Baud   int
	// IdleGap is how long the line must stay quiet before the bytes
	// received so far are forwarded. The port resolution is 100ms.
	IdleGap time.Duration
}

var defaultConfig = Config{
	Device:  "/dev/ttyUSB0",
	Baud:    115200,
	IdleGap: 100 * time.Millisecond,
}

func init() {
	if val := os.Getenv("UARTNET_SERIAL"); val != "" {
		defaultConfig.Device = val
	}
	if val := os.Getenv("UARTNET_BAUD"); val != "" {
		if baud, err := strconv.Atoi(val); err == nil {
			defaultConfig.Baud = baud
		}
	}
}

// SetupFlags sets command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.Device, "serial", defaultConfig.Device, "Serial device.")
	flag.IntVar(&defaultConfig.Baud, "baud", defaultConfig.Baud, "Serial baud rate.")
	flag.DurationVar(&defaultConfig.IdleGap, "idle-gap", defaultConfig.IdleGap, "Quiet time ending a serial read.")
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
	if c.Device == "" {
		return fmt.Errorf("serial device must be specified")
	}
	if c.Baud <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.Baud)
	}
	if c.IdleGap <= 0 {
		return fmt.Errorf("idle gap must be positive")
	}
	return nil
}

// Open opens the serial port. The port read timeout is the idle gap so
// a quiet line yields a zero read.
func (c *Config) Open() (io.ReadWriteCloser, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	port, err := tarm.OpenPort(&tarm.Config{
		Name:        c.Device,
		Baud:        c.Baud,
		ReadTimeout: c.IdleGap,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s error: %v", c.Device, err)
	}
	return port, nil
}
