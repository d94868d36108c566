// Package config loads and validates the settings this service needs to
// reach its MQTT broker, its TimescaleDB/Postgres row store, and to tune
// its own HTTP surface. Settings are grouped by subsystem
// (MQTT/Database/Service) and validated with an aggregate-all-errors
// pattern, sourced through viper so environment variables, an optional
// config file, and defaults compose the way the rest of this codebase's
// stack expects.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultMQTTPort       = 1883
	DefaultDBPort         = 5432
	DefaultHTTPPort       = 8080
	DefaultMaxConnections = 20
)

// MQTTConfig holds broker connectivity settings.
type MQTTConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	ConnectionTimeout time.Duration
	KeepAlive         time.Duration
	TLSEnabled        bool
	RetryInterval     time.Duration
}

// DBConfig holds TimescaleDB/Postgres connection settings.
type DBConfig struct {
	Host               string
	Port               int
	Database           string
	Username           string
	Password           string
	Schema             string
	MaxConnections     int
	ConnectionTimeout  time.Duration
	ChunkInterval      time.Duration
	CompressionEnabled bool
}

// ServiceConfig holds settings for this service's own HTTP surface.
type ServiceConfig struct {
	HTTPPort        int
	RateLimitPerSec float64
	ShutdownTimeout time.Duration
}

// Config is the full, validated configuration for the server.
type Config struct {
	MQTT     MQTTConfig
	Database DBConfig
	Service  ServiceConfig
}

// Validate aggregates every configuration problem into a single error
// rather than failing on the first bad field.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.MQTT.Host) == "" {
		problems = append(problems, "MQTT host is empty")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		problems = append(problems, fmt.Sprintf("MQTT port %d is out of range", c.MQTT.Port))
	}
	if c.MQTT.ConnectionTimeout <= 0 {
		problems = append(problems, "MQTT connection timeout must be positive")
	}

	if strings.TrimSpace(c.Database.Host) == "" {
		problems = append(problems, "database host is empty")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		problems = append(problems, fmt.Sprintf("database port %d is out of range", c.Database.Port))
	}
	if strings.TrimSpace(c.Database.Database) == "" {
		problems = append(problems, "database name is empty")
	}
	if c.Database.MaxConnections < 1 {
		problems = append(problems, fmt.Sprintf("database max connections %d must be at least 1", c.Database.MaxConnections))
	}

	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		problems = append(problems, fmt.Sprintf("service http port %d is out of range", c.Service.HTTPPort))
	}
	if c.Service.RateLimitPerSec < 0 {
		problems = append(problems, "service rate limit cannot be negative")
	}
	if c.Service.ShutdownTimeout <= 0 {
		problems = append(problems, "service shutdown timeout must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n - %s", strings.Join(problems, "\n - "))
	}
	return nil
}

// Load reads configuration from SDT_-prefixed environment variables
// (falling back to an optional config file and the defaults set below)
// and returns a validated Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SDT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("sdt-shim")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sdt-shim/")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", DefaultMQTTPort)
	v.SetDefault("mqtt.connection_timeout", 10*time.Second)
	v.SetDefault("mqtt.keep_alive", 60*time.Second)
	v.SetDefault("mqtt.tls_enabled", false)
	v.SetDefault("mqtt.retry_interval", 5*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", DefaultDBPort)
	v.SetDefault("database.database", "sdt")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.max_connections", DefaultMaxConnections)
	v.SetDefault("database.connection_timeout", 5*time.Second)
	v.SetDefault("database.chunk_interval", 24*time.Hour)
	v.SetDefault("database.compression_enabled", false)

	v.SetDefault("service.http_port", DefaultHTTPPort)
	v.SetDefault("service.rate_limit_per_sec", 0)
	v.SetDefault("service.shutdown_timeout", 15*time.Second)

	cfg := &Config{
		MQTT: MQTTConfig{
			Host:              v.GetString("mqtt.host"),
			Port:              v.GetInt("mqtt.port"),
			Username:          v.GetString("mqtt.username"),
			Password:          v.GetString("mqtt.password"),
			ConnectionTimeout: v.GetDuration("mqtt.connection_timeout"),
			KeepAlive:         v.GetDuration("mqtt.keep_alive"),
			TLSEnabled:        v.GetBool("mqtt.tls_enabled"),
			RetryInterval:     v.GetDuration("mqtt.retry_interval"),
		},
		Database: DBConfig{
			Host:               v.GetString("database.host"),
			Port:               v.GetInt("database.port"),
			Database:           v.GetString("database.database"),
			Username:           v.GetString("database.username"),
			Password:           v.GetString("database.password"),
			Schema:             v.GetString("database.schema"),
			MaxConnections:     v.GetInt("database.max_connections"),
			ConnectionTimeout:  v.GetDuration("database.connection_timeout"),
			ChunkInterval:      v.GetDuration("database.chunk_interval"),
			CompressionEnabled: v.GetBool("database.compression_enabled"),
		},
		Service: ServiceConfig{
			HTTPPort:        v.GetInt("service.http_port"),
			RateLimitPerSec: v.GetFloat64("service.rate_limit_per_sec"),
			ShutdownTimeout: v.GetDuration("service.shutdown_timeout"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConnString builds a libpq-style connection string for pgxpool.
func (c DBConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.MaxConnections)
}
