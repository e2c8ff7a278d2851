package kvserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8085, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Addr)
	assert.EqualValues(t, 60*1000, cfg.IdleTimeoutMS)
	assert.Equal(t, 2000, cfg.MaxExpireWorks)
}

func TestLoadConfig(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "server.toml")
	data := `
addr = "127.0.0.1"
port = 9000
idle_timeout_ms = 30000
metrics = true
`
	require.NoError(t, os.WriteFile(fname, []byte(data), 0644))

	cfg, err := LoadConfig(fname)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Addr)
	assert.Equal(t, 9000, cfg.Port)
	assert.EqualValues(t, 30000, cfg.IdleTimeoutMS)
	assert.True(t, cfg.Metrics)

	// unspecified fields keep their defaults
	assert.Equal(t, 2000, cfg.MaxExpireWorks)
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative port", func(c *Config) { c.Port = -1 }},
		{"huge port", func(c *Config) { c.Port = 70000 }},
		{"bad addr", func(c *Config) { c.Addr = "example.com" }},
		{"ipv6 addr", func(c *Config) { c.Addr = "::1" }},
		{"zero idle timeout", func(c *Config) { c.IdleTimeoutMS = 0 }},
		{"zero expire bound", func(c *Config) { c.MaxExpireWorks = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
