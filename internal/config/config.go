package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
	Quota         QuotaConfig
	Admin         AdminConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// QuotaConfig holds the admission controller configuration. Limits are
// minutes of audio; defaults match one clinic's share of the upstream
// transcription plan.
type QuotaConfig struct {
	DefaultMonthlyLimitMinutes float64
	DefaultWeeklyLimitMinutes  float64
	MonthlyAutoReset           bool
	Timezone                   string
	CASMaxRetries              int
	Store                      string // postgres or memory
}

// AdminConfig holds the admin API authentication configuration
type AdminConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "voxquota"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "voxquota"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "voxquota"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: float64(parseInt("RATELIMIT_RPS", 50)),
			Burst:             parseInt("RATELIMIT_BURST", 100),
		},
		Quota: QuotaConfig{
			DefaultMonthlyLimitMinutes: parseFloat("QUOTA_DEFAULT_MONTHLY_MINUTES", 3000),
			DefaultWeeklyLimitMinutes:  parseFloat("QUOTA_DEFAULT_WEEKLY_MINUTES", 750),
			MonthlyAutoReset:           parseBool("QUOTA_MONTHLY_AUTO_RESET", true),
			Timezone:                   getEnv("QUOTA_TIMEZONE", "UTC"),
			CASMaxRetries:              parseInt("QUOTA_CAS_MAX_RETRIES", 5),
			Store:                      getEnv("QUOTA_STORE", "postgres"),
		},
		Admin: AdminConfig{
			JWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
			TokenTTL:  parseDuration("ADMIN_TOKEN_TTL", "12h"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Quota.Store != "postgres" && c.Quota.Store != "memory" {
		return fmt.Errorf("QUOTA_STORE must be postgres or memory, got %q", c.Quota.Store)
	}
	if c.Quota.Store == "postgres" && c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Admin.JWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required")
	}
	if c.Quota.DefaultMonthlyLimitMinutes < 0 || c.Quota.DefaultWeeklyLimitMinutes < 0 {
		return fmt.Errorf("default quota limits must not be negative")
	}
	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		return fmt.Errorf("QUOTA_TIMEZONE is not a valid IANA zone: %w", err)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}
