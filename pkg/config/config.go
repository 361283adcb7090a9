package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete harness configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Stats    StatsConfig    `yaml:"stats"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
}

// ServerConfig holds the datagram endpoint settings
type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`        // e.g. "0.0.0.0:5684"
	CookieRotation    time.Duration `yaml:"cookie_rotation"`    // cookie secret lifetime (default: 5m)
	RetransmitTimeout time.Duration `yaml:"retransmit_timeout"` // flight age before retransmission (default: 1s)
	RetransmitPoll    time.Duration `yaml:"retransmit_poll"`    // timer granularity (default: 250ms)
	BadRecordLimit    int           `yaml:"bad_record_limit"`   // undecryptable records tolerated per peer
}

// KeystoreConfig selects and configures the PSK backend
type KeystoreConfig struct {
	Backend string `yaml:"backend"` // memory, file, redis, postgres

	// memory backend: inline identities
	Keys map[string]string `yaml:"keys"`

	// file backend
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"` // empty means plaintext file

	// redis backend
	Redis RedisConfig `yaml:"redis"`

	// postgres backend
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// StatsConfig holds the management endpoint settings
type StatsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // e.g. "127.0.0.1:8086"
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	OutputFile string `yaml:"output_file"` // empty = stdout
}

// TunnelConfig holds settings for the IP-over-DTLS tunnel harness
type TunnelConfig struct {
	Device string `yaml:"device"` // TUN device name, empty for kernel default
	MTU    int    `yaml:"mtu"`
}

// Default returns a configuration with usable defaults for a local server.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:        "0.0.0.0:5684",
			CookieRotation:    5 * time.Minute,
			RetransmitTimeout: time.Second,
			RetransmitPoll:    250 * time.Millisecond,
			BadRecordLimit:    5,
		},
		Keystore: KeystoreConfig{
			Backend: "memory",
			Keys:    map[string]string{},
		},
		Stats: StatsConfig{
			ListenAddr: "127.0.0.1:8086",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tunnel: TunnelConfig{
			MTU: 1280,
		},
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must be set")
	}
	if c.Server.CookieRotation <= 0 {
		return fmt.Errorf("server.cookie_rotation must be positive")
	}
	if c.Server.RetransmitTimeout <= 0 {
		return fmt.Errorf("server.retransmit_timeout must be positive")
	}
	if c.Server.BadRecordLimit <= 0 {
		return fmt.Errorf("server.bad_record_limit must be positive")
	}

	switch c.Keystore.Backend {
	case "memory":
	case "file":
		if c.Keystore.Path == "" {
			return fmt.Errorf("keystore.path must be set for the file backend")
		}
	case "redis":
		if c.Keystore.Redis.Host == "" {
			return fmt.Errorf("keystore.redis.host must be set for the redis backend")
		}
	case "postgres":
		if c.Keystore.Postgres.Host == "" {
			return fmt.Errorf("keystore.postgres.host must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown keystore backend %q", c.Keystore.Backend)
	}

	if c.Stats.Enabled && c.Stats.ListenAddr == "" {
		return fmt.Errorf("stats.listen_addr must be set when stats are enabled")
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
