// Package config loads coordination-core configuration from a TOML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config is the complete configuration for the coordination core.
type Config struct {
	Transport   TransportConfig   `toml:"transport"`
	Bus         BusConfig         `toml:"bus"`
	Broadcaster BroadcasterConfig `toml:"broadcaster"`
	Bridge      BridgeConfig      `toml:"bridge"`
	Log         LogConfig         `toml:"log"`
}

// TransportConfig configures the WebSocket server.
type TransportConfig struct {
	// Host to bind. Default: 0.0.0.0
	Host string `toml:"host" env:"BRAINCORE_HOST"`

	// Port to bind. Default: 8766
	Port int `toml:"port" env:"BRAINCORE_PORT"`

	// FallbackPorts are tried in order when Port is already bound.
	FallbackPorts []int `toml:"fallback_ports" env:"BRAINCORE_FALLBACK_PORTS"`

	// HeartbeatInterval between server pings. Default: 30s
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" env:"BRAINCORE_HEARTBEAT_INTERVAL"`

	// HeartbeatGrace multiplies the interval to form the eviction window.
	// Default: 3
	HeartbeatGrace int `toml:"heartbeat_grace" env:"BRAINCORE_HEARTBEAT_GRACE"`
}

// BusConfig configures the message bus.
type BusConfig struct {
	// BufferSize for per-subscriber delivery queues. Default: 256
	BufferSize int `toml:"buffer_size" env:"BRAINCORE_BUS_BUFFER"`

	// DefaultTimeout for requests issued without one. Default: 30s
	DefaultTimeout time.Duration `toml:"default_timeout" env:"BRAINCORE_BUS_TIMEOUT"`

	// SweepInterval for pending-request expiry. Default: 250ms
	SweepInterval time.Duration `toml:"sweep_interval" env:"BRAINCORE_BUS_SWEEP"`

	// NATSURL, when set, selects the NATS-backed bus instead of the
	// in-process one.
	NATSURL string `toml:"nats_url" env:"BRAINCORE_NATS_URL"`
}

// BroadcasterConfig configures command distribution.
type BroadcasterConfig struct {
	// QueueCapacity bounds each consumer queue; the oldest command is
	// dropped on overflow. Default: 64
	QueueCapacity int `toml:"queue_capacity" env:"BRAINCORE_QUEUE_CAPACITY"`

	// AckWindow is how long a dispatched command may sit unacknowledged
	// before redelivery. Default: 5s
	AckWindow time.Duration `toml:"ack_window" env:"BRAINCORE_ACK_WINDOW"`

	// MaxAttempts bounds redelivery; exhausting it fails the command.
	// Default: 3
	MaxAttempts int `toml:"max_attempts" env:"BRAINCORE_MAX_ATTEMPTS"`
}

// BridgeConfig configures brain-to-cerebellum command translation.
type BridgeConfig struct {
	// CompletionTimeout bounds a blocking SendCommand wait. Default: 60s
	CompletionTimeout time.Duration `toml:"completion_timeout" env:"BRAINCORE_COMPLETION_TIMEOUT"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR. Default: INFO
	Level string `toml:"level" env:"BRAINCORE_LOG_LEVEL"`
}

// Default returns configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Host:              "0.0.0.0",
			Port:              8766,
			FallbackPorts:     []int{8767, 8768, 8769},
			HeartbeatInterval: 30 * time.Second,
			HeartbeatGrace:    3,
		},
		Bus: BusConfig{
			BufferSize:     256,
			DefaultTimeout: 30 * time.Second,
			SweepInterval:  250 * time.Millisecond,
		},
		Broadcaster: BroadcasterConfig{
			QueueCapacity: 64,
			AckWindow:     5 * time.Second,
			MaxAttempts:   3,
		},
		Bridge: BridgeConfig{
			CompletionTimeout: 60 * time.Second,
		},
		Log: LogConfig{
			Level: "INFO",
		},
	}
}

// Load reads configuration in three layers: defaults, then the TOML file at
// path (skipped when path is empty or the file does not exist), then
// environment-variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if _, err := toml.Decode(string(content), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses configuration from TOML content on top of defaults.
func Parse(content string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(content, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would misbehave at
// runtime.
func (c *Config) Validate() error {
	if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
		return fmt.Errorf("transport port out of range: %d", c.Transport.Port)
	}
	for _, p := range c.Transport.FallbackPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("fallback port out of range: %d", p)
		}
	}
	if c.Transport.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive: %v", c.Transport.HeartbeatInterval)
	}
	if c.Transport.HeartbeatGrace < 1 {
		return fmt.Errorf("heartbeat grace must be at least 1: %d", c.Transport.HeartbeatGrace)
	}
	if c.Bus.BufferSize <= 0 {
		return fmt.Errorf("bus buffer size must be positive: %d", c.Bus.BufferSize)
	}
	if c.Bus.DefaultTimeout <= 0 {
		return fmt.Errorf("bus default timeout must be positive: %v", c.Bus.DefaultTimeout)
	}
	if c.Bus.SweepInterval <= 0 {
		return fmt.Errorf("bus sweep interval must be positive: %v", c.Bus.SweepInterval)
	}
	if c.Broadcaster.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive: %d", c.Broadcaster.QueueCapacity)
	}
	if c.Broadcaster.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1: %d", c.Broadcaster.MaxAttempts)
	}
	if c.Broadcaster.AckWindow <= 0 {
		return fmt.Errorf("ack window must be positive: %v", c.Broadcaster.AckWindow)
	}
	if c.Bridge.CompletionTimeout <= 0 {
		return fmt.Errorf("completion timeout must be positive: %v", c.Bridge.CompletionTimeout)
	}
	switch c.Log.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unknown log level: %q", c.Log.Level)
	}
	return nil
}
