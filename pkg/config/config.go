// Package config loads the updater configuration: firmware directory,
// tool paths and operational bounds. Everything has a working default;
// a YAML file and command line flags override it.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "250ms" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BackendConfig configures one flashing tool.
type BackendConfig struct {
	// Path to the executable; resolved from PATH when empty.
	Path string `yaml:"path"`
	// Timeout bounds one flash invocation.
	Timeout Duration `yaml:"timeout"`
	// ConfirmWindow overrides the post-flash re-enumeration window.
	// An explicit "0s" disables confirmation for this tool.
	ConfirmWindow *Duration `yaml:"confirmWindow"`
}

// Config is the full updater configuration.
type Config struct {
	// FirmwareDir is the release binary directory.
	FirmwareDir string `yaml:"firmwareDir"`

	// BrokerURL enables MQTT status publishing when non-empty, e.g.
	// mqtt://broker:1883/lab.
	BrokerURL string `yaml:"brokerURL"`

	// ProbeTimeout bounds device classification per port.
	ProbeTimeout Duration `yaml:"probeTimeout"`

	// EntryRetries bounds the reset-to-bootloader attempts.
	EntryRetries int `yaml:"entryRetries"`

	Tycmd  BackendConfig `yaml:"tycmd"`
	Bossac BackendConfig `yaml:"bossac"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		FirmwareDir:  "firmware",
		ProbeTimeout: Duration(250 * time.Millisecond),
		EntryRetries: 3,
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	conf := Default()
	if path == "" {
		return conf, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return conf, nil
}

var (
	flagConfig      string
	flagFirmwareDir string
	flagBroker      string
)

// SetupFlags registers command line flags overriding the config file.
func SetupFlags() {
	flag.StringVar(&flagConfig, "config", flagConfig, "Path to YAML config file.")
	flag.StringVar(&flagFirmwareDir, "firmware", flagFirmwareDir, "Firmware binary directory.")
	flag.StringVar(&flagBroker, "broker", flagBroker, "MQTT broker URL for status publishing.")
}

// FromFlags loads the config named by -config and applies flag
// overrides. Call after flag.Parse.
func FromFlags() (*Config, error) {
	conf, err := Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagFirmwareDir != "" {
		conf.FirmwareDir = flagFirmwareDir
	}
	if flagBroker != "" {
		conf.BrokerURL = flagBroker
	}
	return conf, nil
}
