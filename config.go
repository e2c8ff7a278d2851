package kvserver

import (
	"errors"
	"fmt"
	"net"

	"github.com/BurntSushi/toml"
)

// Config ...
type Config struct {
	// Addr is the IPv4 address the server binds to.
	Addr string `toml:"addr"`

	// Port is the TCP listen port. Zero asks for a kernel-assigned port.
	Port int `toml:"port"`

	// IdleTimeoutMS closes connections with no I/O activity for this long.
	IdleTimeoutMS int64 `toml:"idle_timeout_ms"`

	// MaxExpireWorks bounds TTL evictions per timer pass.
	MaxExpireWorks int `toml:"max_expire_works"`

	// Metrics enables periodic logging of the metrics registry.
	Metrics bool `toml:"metrics"`
}

// DefaultConfig ...
func DefaultConfig() *Config {
	return &Config{
		Addr:           "0.0.0.0",
		Port:           8085,
		IdleTimeoutMS:  60 * 1000,
		MaxExpireWorks: 2000,
	}
}

// LoadConfig decodes a TOML file over the defaults.
func LoadConfig(fname string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(fname, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", fname, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ...
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.New("must inform a valid TCP port")
	}
	ip := net.ParseIP(c.Addr)
	if ip == nil || ip.To4() == nil {
		return errors.New("must inform a valid IPv4 listen address")
	}
	if c.IdleTimeoutMS <= 0 {
		return errors.New("must inform a positive idle timeout")
	}
	if c.MaxExpireWorks <= 0 {
		return errors.New("must inform a positive expiration bound")
	}
	return nil
}
