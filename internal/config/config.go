// Package config loads livesync settings from LIVESYNC_* environment
// variables, optionally layered over a TOML file named by LIVESYNC_CONFIG.
// Precedence is defaults, then the file, then the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Broker kinds.
const (
	BrokerMemory = "memory"
	BrokerNATS   = "nats"
	BrokerRedis  = "redis"
	BrokerRelay  = "relay"
)

type Config struct {
	Broker   string `toml:"broker"`    // LIVESYNC_BROKER (default "memory")
	NATSURL  string `toml:"nats_url"`  // LIVESYNC_NATS_URL
	RedisURL string `toml:"redis_url"` // LIVESYNC_REDIS_URL
	RelayURL string `toml:"relay_url"` // LIVESYNC_RELAY_URL
	Channel  string `toml:"channel"`   // LIVESYNC_CHANNEL (default "livesync.events")

	UserID  string `toml:"user"`    // LIVESYNC_USER (default $USER)
	Source  string `toml:"source"`  // LIVESYNC_SOURCE (default "livesync")
	Clock   string `toml:"clock"`   // LIVESYNC_CLOCK: "wall" or "hybrid"
	Ordered bool   `toml:"ordered"` // LIVESYNC_ORDERED (default true)

	// Connection manager settings, used by the relay broker.
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval"`     // LIVESYNC_HEARTBEAT_INTERVAL (default 30s)
	ReconnectInterval    time.Duration `toml:"reconnect_interval"`     // LIVESYNC_RECONNECT_INTERVAL (default 3s)
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"` // LIVESYNC_MAX_RECONNECT_ATTEMPTS (default 5)

	// In-memory broker delivery delay range.
	MemoryMinLatency time.Duration `toml:"memory_min_latency"` // LIVESYNC_MEMORY_MIN_LATENCY
	MemoryMaxLatency time.Duration `toml:"memory_max_latency"` // LIVESYNC_MEMORY_MAX_LATENCY

	// Relay server settings.
	ListenAddr    string        `toml:"listen_addr"`    // LIVESYNC_LISTEN_ADDR (default ":8080")
	PresenceStale time.Duration `toml:"presence_stale"` // LIVESYNC_PRESENCE_STALE (default 5m)

	// Policies maps entity type to its conflict strategy. File only.
	Policies map[string]Policy `toml:"policies"`
}

// Policy is the file form of a conflict policy.
type Policy struct {
	Strategy string `toml:"strategy"`
}

func defaults() *Config {
	user := os.Getenv("USER")
	if user == "" {
		user, _ = os.Hostname()
	}
	return &Config{
		Broker:               BrokerMemory,
		NATSURL:              "nats://127.0.0.1:4222",
		RedisURL:             "redis://127.0.0.1:6379/0",
		RelayURL:             "ws://127.0.0.1:8080/v1/ws",
		Channel:              "livesync.events",
		UserID:               user,
		Source:               "livesync",
		Clock:                "wall",
		Ordered:              true,
		HeartbeatInterval:    30 * time.Second,
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 5,
		ListenAddr:           ":8080",
		PresenceStale:        5 * time.Minute,
	}
}

func Load() (*Config, error) {
	c := defaults()

	if path := os.Getenv("LIVESYNC_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	c.Broker = envOrDefault("LIVESYNC_BROKER", c.Broker)
	c.NATSURL = envOrDefault("LIVESYNC_NATS_URL", c.NATSURL)
	c.RedisURL = envOrDefault("LIVESYNC_REDIS_URL", c.RedisURL)
	c.RelayURL = envOrDefault("LIVESYNC_RELAY_URL", c.RelayURL)
	c.Channel = envOrDefault("LIVESYNC_CHANNEL", c.Channel)
	c.UserID = envOrDefault("LIVESYNC_USER", c.UserID)
	c.Source = envOrDefault("LIVESYNC_SOURCE", c.Source)
	c.Clock = envOrDefault("LIVESYNC_CLOCK", c.Clock)
	c.ListenAddr = envOrDefault("LIVESYNC_LISTEN_ADDR", c.ListenAddr)

	if v := os.Getenv("LIVESYNC_ORDERED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("LIVESYNC_ORDERED: %w", err)
		}
		c.Ordered = b
	}
	if v := os.Getenv("LIVESYNC_MAX_RECONNECT_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("LIVESYNC_MAX_RECONNECT_ATTEMPTS: %w", err)
		}
		c.MaxReconnectAttempts = n
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"LIVESYNC_HEARTBEAT_INTERVAL", &c.HeartbeatInterval},
		{"LIVESYNC_RECONNECT_INTERVAL", &c.ReconnectInterval},
		{"LIVESYNC_MEMORY_MIN_LATENCY", &c.MemoryMinLatency},
		{"LIVESYNC_MEMORY_MAX_LATENCY", &c.MemoryMaxLatency},
		{"LIVESYNC_PRESENCE_STALE", &c.PresenceStale},
	} {
		if err := envDuration(d.key, d.dst); err != nil {
			return nil, err
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks enumerated settings and bounds.
func (c *Config) Validate() error {
	switch c.Broker {
	case BrokerMemory, BrokerNATS, BrokerRedis, BrokerRelay:
	default:
		return fmt.Errorf("broker %q: must be one of memory, nats, redis, relay", c.Broker)
	}
	switch c.Clock {
	case "wall", "hybrid":
	default:
		return fmt.Errorf("clock %q: must be wall or hybrid", c.Clock)
	}
	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("max reconnect attempts must be positive, got %d", c.MaxReconnectAttempts)
	}
	if c.HeartbeatInterval <= 0 || c.ReconnectInterval <= 0 {
		return fmt.Errorf("heartbeat and reconnect intervals must be positive")
	}
	if c.MemoryMaxLatency < c.MemoryMinLatency {
		return fmt.Errorf("memory max latency %s is below min latency %s", c.MemoryMaxLatency, c.MemoryMinLatency)
	}
	for entity, p := range c.Policies {
		switch p.Strategy {
		case "last-write-wins", "merge", "manual":
		default:
			return fmt.Errorf("policy for %s: unknown strategy %q", entity, p.Strategy)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
