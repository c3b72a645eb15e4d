// Package config loads hostbridge settings from a YAML file, falling back
// to defaults when the file is absent.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration lets YAML carry human-readable durations ("3s", "250ms").
type Duration time.Duration

// UnmarshalYAML accepts a Go duration string or an integer nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("config: invalid duration node %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds host and client settings.
//
// The listener binds loopback by default: the bridge serves one local host
// process and is not meant to be reachable off-box.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	MaxFrameSize  int `yaml:"max_frame_size"`
	QueueCapacity int `yaml:"queue_capacity"`

	DialTimeout Duration `yaml:"dial_timeout"`
	CallTimeout Duration `yaml:"call_timeout"`

	ReconnectAttempts int      `yaml:"reconnect_attempts"`
	ReconnectBackoff  Duration `yaml:"reconnect_backoff"`
	MaxBackoff        Duration `yaml:"max_backoff"`

	// RateLimit throttles the drain worker; 0 disables the limiter.
	RateLimit      float64 `yaml:"rate_limit"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:              "127.0.0.1",
		Port:              6400,
		MaxFrameSize:      16 << 20,
		QueueCapacity:     256,
		DialTimeout:       Duration(2 * time.Second),
		CallTimeout:       Duration(10 * time.Second),
		ReconnectAttempts: 3,
		ReconnectBackoff:  Duration(100 * time.Millisecond),
		MaxBackoff:        Duration(2 * time.Second),
		RateLimitBurst:    32,
	}
}

// Load reads the configuration from the given YAML file path. A missing
// file is not an error: defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("config: max_frame_size must be positive")
	}
	return nil
}

// Addr is the host:port the listener binds (and the client dials).
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
