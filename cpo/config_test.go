package cpo

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, "central", cfg.Name)
	assert.Equal(t, int64(defaultPingIntervalMS), cfg.PingIntervalMS)
	assert.Equal(t, defaultMaxMessageSize, cfg.MaxMessageSize)
	// The port is left alone so tests can bind an ephemeral one.
	assert.Equal(t, 0, cfg.Port)
}

func TestConfigValidation(t *testing.T) {
	valid := Config{
		Name:           "central",
		Port:           4000,
		PingIntervalMS: 5000,
		MaxMessageSize: 300,
		Clients: []ClientConfig{
			{Name: "alpha", Secret: "s3cr3t1"},
			{Name: "admin", Secret: "s3cr3t2", Manager: true},
		},
	}
	require.NoError(t, valid.validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"negative ping interval", func(c *Config) { c.PingIntervalMS = -1 }},
		{"zero max message size", func(c *Config) { c.MaxMessageSize = 0 }},
		{"client without name", func(c *Config) { c.Clients[0].Name = "" }},
		{"dotted client name", func(c *Config) { c.Clients[0].Name = "al.pha" }},
		{"duplicate client", func(c *Config) { c.Clients[1].Name = "alpha" }},
		{"empty client secret", func(c *Config) { c.Clients[0].Secret = "" }},
		{"invalid client secret", func(c *Config) { c.Clients[0].Secret = "not valid!" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			cfg.Clients = append([]ClientConfig(nil), valid.Clients...)
			tt.mutate(&cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestConfigSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpo.yaml")
	cfg := Config{
		Name:           "central",
		LocalAddress:   "127.0.0.1",
		Port:           4321,
		PingIntervalMS: 2500,
		MaxMessageSize: 2048,
		Clients: []ClientConfig{
			{Name: "alpha", Secret: "s3cr3t1"},
			{Name: "admin", Secret: "s3cr3t2", Manager: true},
		},
	}
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, *loaded)
}

func TestLoadConfigDefaultsPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpo.yaml")
	cfg := Config{Name: "central"}
	require.NoError(t, cfg.Save(path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, defaultPort, loaded.Port)
}
