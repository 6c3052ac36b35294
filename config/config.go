// Package config loads the simulator configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fwsim/conntrack"
	"fwsim/nat"
	"fwsim/rules"
)

type ConntrackConfig struct {
	Capacity int `yaml:"capacity"`
	// TTL of zero keeps entries until they are evicted by capacity.
	TTL        time.Duration `yaml:"ttl"`
	GCInterval time.Duration `yaml:"gcInterval"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type Config struct {
	LogLevel     string          `yaml:"logLevel"`
	Stateful     bool            `yaml:"stateful"`
	Nat          bool            `yaml:"nat"`
	EventLogSize int             `yaml:"eventLogSize"`
	Conntrack    ConntrackConfig `yaml:"conntrack"`
	Metrics      MetricsConfig   `yaml:"metrics"`
	// Rules are listed highest priority first.
	Rules    []rules.Spec  `yaml:"rules"`
	NatTable []nat.Mapping `yaml:"natTable"`
}

// Default is the state the simulator starts in without a config file.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		Stateful:     true,
		Nat:          true,
		EventLogSize: 400,
		Conntrack: ConntrackConfig{
			Capacity:   conntrack.DefaultCapacity,
			GCInterval: 5 * time.Second,
		},
		Rules: []rules.Spec{
			{Action: "deny", Protocol: "tcp", SrcIP: "any", DstIP: "10.0.0.5", Port: "22", Log: true},
			{Action: "allow", Protocol: "any", SrcIP: "any", DstIP: "10.0.0.5", Port: "any"},
		},
	}
}

// Load reads path on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config '%s': %w", path, err)
	}
	return cfg, nil
}

func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	for i, spec := range c.Rules {
		if _, err := spec.Build(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	for i, m := range c.NatTable {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("nat mapping %d: %w", i, err)
		}
	}
	if c.Conntrack.TTL < 0 {
		return fmt.Errorf("conntrack ttl must not be negative")
	}
	if c.Conntrack.TTL > 0 && c.Conntrack.GCInterval <= 0 {
		return fmt.Errorf("conntrack gcInterval must be positive when ttl is set, got %s", c.Conntrack.GCInterval)
	}
	return nil
}
