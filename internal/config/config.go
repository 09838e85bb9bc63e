package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	StoreDriver    string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	SQLitePath     string        `mapstructure:"SQLITE_PATH"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	RoomCacheTTL   time.Duration `mapstructure:"ROOM_CACHE_TTL"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`

	ChatPathPrefix       string        `mapstructure:"CHAT_PATH_PREFIX"`
	ChatSubscriberBuffer int           `mapstructure:"CHAT_SUBSCRIBER_BUFFER"`
	ChatIdleTimeout      time.Duration `mapstructure:"CHAT_IDLE_TIMEOUT"`
	ChatAppendTimeout    time.Duration `mapstructure:"CHAT_APPEND_TIMEOUT"`
	ChatMaxContentLength int           `mapstructure:"CHAT_MAX_CONTENT_LENGTH"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SQLITE_PATH", "MIGRATIONS_DIR", "REDIS_URL", "ROOM_CACHE_TTL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"REQUEST_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"CHAT_PATH_PREFIX", "CHAT_SUBSCRIBER_BUFFER", "CHAT_IDLE_TIMEOUT",
	"CHAT_APPEND_TIMEOUT", "CHAT_MAX_CONTENT_LENGTH",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_PATH", "carechat.db")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("ROOM_CACHE_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CHAT_PATH_PREFIX", "/api/v1")
	v.SetDefault("CHAT_SUBSCRIBER_BUFFER", 64)
	v.SetDefault("CHAT_IDLE_TIMEOUT", "10m")
	v.SetDefault("CHAT_APPEND_TIMEOUT", "10s")
	v.SetDefault("CHAT_MAX_CONTENT_LENGTH", 4000)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SigningKeyBytes decodes AUTH_SIGNING_KEY. Hex-encoded keys are decoded;
// anything else is used as raw bytes.
func (c *Config) SigningKeyBytes() []byte {
	if c.AuthSigningKey == "" {
		return nil
	}
	if b, err := hex.DecodeString(c.AuthSigningKey); err == nil && len(b) >= 16 {
		return b
	}
	return []byte(c.AuthSigningKey)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q, or %q, got %q",
			DriverPostgres, DriverSQLite, DriverMemory, c.StoreDriver)
	}
	if c.StoreDriver == DriverMemory && c.IsProduction() {
		return fmt.Errorf("STORE_DRIVER %q is not allowed in production", DriverMemory)
	}

	if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("one of AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set; refusing to start without token validation")
	}
	if c.AuthSigningKey != "" && len(c.SigningKeyBytes()) < 16 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 16 bytes")
	}

	if c.ChatSubscriberBuffer <= 0 {
		return fmt.Errorf("CHAT_SUBSCRIBER_BUFFER must be positive, got %d", c.ChatSubscriberBuffer)
	}
	if c.ChatIdleTimeout <= 0 {
		return fmt.Errorf("CHAT_IDLE_TIMEOUT must be positive, got %s", c.ChatIdleTimeout)
	}
	if c.ChatAppendTimeout <= 0 {
		return fmt.Errorf("CHAT_APPEND_TIMEOUT must be positive, got %s", c.ChatAppendTimeout)
	}
	if c.ChatMaxContentLength <= 0 {
		return fmt.Errorf("CHAT_MAX_CONTENT_LENGTH must be positive, got %d", c.ChatMaxContentLength)
	}
	if !strings.HasPrefix(c.ChatPathPrefix, "/") {
		return fmt.Errorf("CHAT_PATH_PREFIX must start with '/', got %q", c.ChatPathPrefix)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
