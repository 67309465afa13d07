package status

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
)

// Config defines the status reporting settings.
type Config struct {
	// MQTTBrokerURL enables publishing when set,
	// e.g. mqtt://host:1883/uartnet/
	MQTTBrokerURL string
	DeviceID      string
	Interval      time.Duration
}

var defaultConfig = Config{
	Interval: time.Second,
}

func init() {
	if val := os.Getenv("UARTNET_MQTT_URL"); val != "" {
		defaultConfig.MQTTBrokerURL = val
	}
	if val := os.Getenv("UARTNET_ID"); val != "" {
		defaultConfig.DeviceID = val
	} else {
		defaultConfig.DeviceID = DeviceID()
	}
}

// SetupFlags sets command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.MQTTBrokerURL, "mqtt", defaultConfig.MQTTBrokerURL, "MQTT broker URL for status.")
	flag.StringVar(&defaultConfig.DeviceID, "id", defaultConfig.DeviceID, "Device ID in status topics.")
	flag.DurationVar(&defaultConfig.Interval, "report-interval", defaultConfig.Interval, "Status check interval.")
}

// Default gets default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// NewReporter creates the Reporter for source.
func (c *Config) NewReporter(source Source) (*Reporter, error) {
	return NewReporter(source, c.DeviceID, c.MQTTBrokerURL)
}

// MustNewReporter creates the Reporter and fails on error.
func (c *Config) MustNewReporter(source Source) *Reporter {
	r, err := c.NewReporter(source)
	if err != nil {
		log.Fatalln(err)
	}
	return r
}

// DeviceID identifies this machine without exposing the raw machine ID.
// It falls back to the host name.
func DeviceID() string {
	if id, err := machineid.ProtectedID("uartnet"); err == nil {
		return id[:12]
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "uartnet"
}
