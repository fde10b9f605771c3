package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the owlyfilter daemon configuration. Protocol constants
// (queue ceiling, batch size, path caps) are fixed by the wire contract
// and are deliberately not configurable.
type Config struct {
	Port    PortConfig    `yaml:"port"`
	Bus     BusConfig     `yaml:"bus"`
	Logging LoggingConfig `yaml:"logging"`
}

// PortConfig holds control-port listener settings.
type PortConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address.
func (p PortConfig) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// BusConfig holds audit-bus settings. With Embedded set, an in-process
// NATS server is started and URL is ignored.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// DefaultConfig returns a Config with sane defaults — zero-config works
// out of the box. The port binds to loopback only: the agent is local by
// contract.
func DefaultConfig() *Config {
	return &Config{
		Port: PortConfig{
			Host: "127.0.0.1",
			Port: 1787,
		},
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads a YAML config file, applying defaults for anything
// unset. A missing file is not an error: defaults are returned.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Port.Port <= 0 || c.Port.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port.Port)
	}
	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}
