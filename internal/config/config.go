// Package config loads the engine configuration from an optional YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the correlation engine.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Platform PlatformConfig `mapstructure:"platform"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	WhatsApp WhatsAppConfig `mapstructure:"whatsapp"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds the admin HTTP server (healthz, metrics, dlq).
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// PlatformConfig holds the fleet platform REST API credentials.
type PlatformConfig struct {
	APIURL        string        `mapstructure:"api_url"`
	Email         string        `mapstructure:"email"`
	Password      string        `mapstructure:"password"`
	Timeout       time.Duration `mapstructure:"timeout"`
	LabelCacheTTL time.Duration `mapstructure:"label_cache_ttl"`
}

// StreamConfig holds the push channel connection settings.
type StreamConfig struct {
	WSURL         string        `mapstructure:"ws_url"`
	Origin        string        `mapstructure:"origin"`
	RateLimit     string        `mapstructure:"rate_limit"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// EngineConfig tunes classification, dedup and the sliding window.
type EngineConfig struct {
	CompanyID       int64         `mapstructure:"company_id"`
	Timezone        string        `mapstructure:"timezone"`
	MinOverspeedKmh float64       `mapstructure:"min_overspeed_kmh"`
	Window          time.Duration `mapstructure:"window"`
	Grace           time.Duration `mapstructure:"grace"`
	RequiredUnique  int           `mapstructure:"required_unique"`
	Policy          string        `mapstructure:"policy"`
	DedupTime       time.Duration `mapstructure:"dedup_time"`
	DedupDistance   float64       `mapstructure:"dedup_distance"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	Enabled  bool   `mapstructure:"enabled"`
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RedisConfig holds the pub/sub announcement settings.
type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
	Enabled       bool   `mapstructure:"enabled"`
}

// NATSConfig holds the dead-letter queue connection.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// WhatsAppConfig holds the Graph API alert sender settings.
type WhatsAppConfig struct {
	GraphURL       string      `mapstructure:"graph_url"`
	Token          string      `mapstructure:"token"`
	TemplateName   string      `mapstructure:"template_name"`
	LanguageCode   string      `mapstructure:"language_code"`
	HeaderImageURL string      `mapstructure:"header_image_url"`
	Enabled        bool        `mapstructure:"enabled"`
	Recipients     []Recipient `mapstructure:"recipients"`
}

// Recipient is one WhatsApp destination.
type Recipient struct {
	Number string `mapstructure:"number"`
	Name   string `mapstructure:"name"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("platform.timeout", "10s")
	v.SetDefault("platform.label_cache_ttl", "10m")

	v.SetDefault("stream.origin", "https://www.flotaobd2.com")
	v.SetDefault("stream.rate_limit", "5s")
	v.SetDefault("stream.reconnect_wait", "5s")

	v.SetDefault("engine.company_id", 31)
	v.SetDefault("engine.timezone", "America/Mexico_City")
	v.SetDefault("engine.min_overspeed_kmh", 0)
	v.SetDefault("engine.window", "5m")
	v.SetDefault("engine.grace", "30s")
	v.SetDefault("engine.required_unique", 3)
	v.SetDefault("engine.policy", "exact")
	v.SetDefault("engine.dedup_time", "10s")
	v.SetDefault("engine.dedup_distance", 0.0005)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fleetsignal")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "fleetsignal")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.enabled", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "fleetsignal:incidents")
	v.SetDefault("redis.enabled", false)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)

	v.SetDefault("whatsapp.template_name", "alerta_siniestro")
	v.SetDefault("whatsapp.language_code", "es_MX")
	v.SetDefault("whatsapp.enabled", false)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override file config
	v.SetEnvPrefix("FLEETSIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Engine.Policy {
	case "exact", "at_least":
	default:
		return fmt.Errorf("engine.policy must be exact or at_least, got %q", c.Engine.Policy)
	}
	if c.Engine.RequiredUnique < 1 {
		return fmt.Errorf("engine.required_unique must be at least 1")
	}
	if c.Engine.Grace > c.Engine.Window {
		return fmt.Errorf("engine.grace must not exceed engine.window")
	}
	return nil
}
