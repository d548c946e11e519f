// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/procevents/internal/transport"
)

// Auth modes accepted by auth.mode.
const (
	AuthModeHeader = "header"
	AuthModeJWT    = "jwt"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig selects how a streaming caller is identified and guards the
// internal publish endpoint.
type AuthConfig struct {
	Mode       string `mapstructure:"mode"`
	UserHeader string `mapstructure:"user_header"`
	JWTSecret  string `mapstructure:"jwt_secret"`
	APIKey     string `mapstructure:"api_key"`
}

// QueueConfig names the deployment's queue backend.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig describes the relational database.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// CacheConfig holds the shared cache address.
type CacheConfig struct {
	URL string `mapstructure:"url"`
}

// StreamConfig tunes streaming sessions.
type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	CloseTimeout      time.Duration `mapstructure:"close_timeout"`
}

// PublisherConfig tunes the backend broadcast queue.
type PublisherConfig struct {
	BufferSize int           `mapstructure:"buffer_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Breaker    BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig controls the circuit breaker around backend publishes.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROCEVENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.mode", AuthModeHeader)
	v.SetDefault("auth.user_header", "X-User-ID")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.api_key", "")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 2)
	v.SetDefault("cache.url", "")
	v.SetDefault("stream.heartbeat_interval", 30*time.Second)
	v.SetDefault("stream.write_timeout", 10*time.Second)
	v.SetDefault("stream.close_timeout", 5*time.Second)
	v.SetDefault("publisher.buffer_size", 1024)
	v.SetDefault("publisher.timeout", 2*time.Second)
	v.SetDefault("publisher.breaker.failure_threshold", 5)
	v.SetDefault("publisher.breaker.open_timeout", 30*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	switch c.Auth.Mode {
	case AuthModeHeader:
		if c.Auth.UserHeader == "" {
			return fmt.Errorf("auth.user_header must be set when auth.mode is %q", AuthModeHeader)
		}
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must be set when auth.mode is %q", AuthModeJWT)
		}
	default:
		return fmt.Errorf("auth.mode must be %q or %q, got %q", AuthModeHeader, AuthModeJWT, c.Auth.Mode)
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("stream.heartbeat_interval must be > 0")
	}
	if c.Stream.CloseTimeout <= 0 {
		return fmt.Errorf("stream.close_timeout must be > 0")
	}
	if c.Stream.WriteTimeout <= 0 {
		return fmt.Errorf("stream.write_timeout must be > 0")
	}
	if c.Publisher.BufferSize <= 0 {
		return fmt.Errorf("publisher.buffer_size must be > 0")
	}
	if c.Publisher.Timeout <= 0 {
		return fmt.Errorf("publisher.timeout must be > 0")
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0")
	}
	return nil
}

// TransportSettings projects the fields the transport resolver inspects.
func (c Config) TransportSettings() transport.Settings {
	return transport.Settings{
		QueueBackend:   c.Queue.Backend,
		DatabaseDriver: c.Database.Driver,
		DatabaseDSN:    c.Database.DSN,
		CacheURL:       c.Cache.URL,
	}
}
