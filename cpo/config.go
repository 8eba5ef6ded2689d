package cpo

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mopmsg/mop/message"
)

const (
	defaultPort           = 4000
	defaultPingIntervalMS = 5000
	defaultMaxMessageSize = 300
)

// ClientConfig describes one post office allowed to connect.
type ClientConfig struct {
	Name    string `yaml:"name"`
	Secret  string `yaml:"secret"` // base-64 in the codec alphabet
	Manager bool   `yaml:"manager,omitempty"`
}

// Config parameterizes a central post office.
type Config struct {
	Name           string         `yaml:"name"`
	LocalAddress   string         `yaml:"localAddress"` // bind address; empty binds all interfaces
	Port           int            `yaml:"port"`
	PingIntervalMS int64          `yaml:"pingIntervalMS"`
	MaxMessageSize int            `yaml:"maxMessageSize"`
	Clients        []ClientConfig `yaml:"clients"`
}

// LoadConfig reads a Config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading central post office config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing central post office config: %w", err)
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	return &cfg, nil
}

// Save writes the configuration to a YAML file. Used by the manage.write
// operation to persist client changes made at runtime.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding central post office config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing central post office config: %w", err)
	}
	return nil
}

// applyDefaults fills the unset runtime parameters. A zero port is left
// alone: it asks the operating system for an ephemeral port, which tests
// rely on.
func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "central"
	}
	if c.PingIntervalMS == 0 {
		c.PingIntervalMS = defaultPingIntervalMS
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.New("port out of range")
	}
	if c.PingIntervalMS < 0 {
		return errors.New("ping interval must be positive")
	}
	if c.MaxMessageSize < 1 {
		return errors.New("maximum message size must be positive")
	}
	seen := make(map[string]bool)
	for _, client := range c.Clients {
		if client.Name == "" {
			return errors.New("client name is required")
		}
		if strings.ContainsRune(client.Name, '.') {
			return fmt.Errorf("client name %q must not contain '.'", client.Name)
		}
		if seen[client.Name] {
			return fmt.Errorf("duplicate client name %q", client.Name)
		}
		seen[client.Name] = true
		if _, err := message.DecodeBytes(client.Secret); err != nil || client.Secret == "" {
			return fmt.Errorf("client %q has an invalid secret", client.Name)
		}
	}
	return nil
}
