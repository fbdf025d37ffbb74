// Package config loads bridge settings from the environment. Every knob has a
// working default so a bare `tabbridge run` does the right thing on a dev
// machine; the TABBRIDGE_ prefix keeps the namespace clean.
package config

import (
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/tabbridge/tabbridge/internal/fault"
)

// Prefix namespaces all environment variables, e.g. TABBRIDGE_BRIDGE_PORT.
const Prefix = "tabbridge"

// Config is the full runtime configuration.
type Config struct {
	// BridgeHost and BridgePort are the shared bind address that doubles as
	// the leadership lock. Loopback only; the bridge is a local facility.
	BridgeHost string `envconfig:"BRIDGE_HOST" default:"127.0.0.1"`
	BridgePort int    `envconfig:"BRIDGE_PORT" default:"9480"`

	// Extension discovery: the front-end announces itself on one of a small
	// span of ports starting at ExtensionPort.
	ExtensionHost     string        `envconfig:"EXTENSION_HOST" default:"127.0.0.1"`
	ExtensionPort     int           `envconfig:"EXTENSION_PORT" default:"9473"`
	ExtensionPortSpan int           `envconfig:"EXTENSION_PORT_SPAN" default:"3"`
	ProbeTimeout      time.Duration `envconfig:"PROBE_TIMEOUT" default:"250ms"`

	// Enabled is the kill switch's initial position.
	Enabled bool `envconfig:"ENABLED" default:"true"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// Load reads and validates the environment.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process(Prefix, &c); err != nil {
		return Config{}, err
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if c.BridgePort < 1 || c.BridgePort > 65535 {
		return fault.Newf(fault.Conflict, "bridge port %d is out of range", c.BridgePort)
	}
	if c.ExtensionPort < 1 || c.ExtensionPort > 65535 {
		return fault.Newf(fault.Conflict, "extension port %d is out of range", c.ExtensionPort)
	}
	if c.ExtensionPortSpan < 0 {
		return fault.Newf(fault.Conflict, "extension port span %d is negative", c.ExtensionPortSpan)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fault.Newf(fault.Conflict, "unknown log level %q", c.LogLevel).
			WithNext("use one of: debug, info, warn, error")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fault.Newf(fault.Conflict, "unknown log format %q", c.LogFormat).
			WithNext("use text or json")
	}
	return nil
}

// Logger builds the process logger per the configured level and format.
func (c Config) Logger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
