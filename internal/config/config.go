// Package config provides configuration management for the registry scanner application.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Upstream  UpstreamConfig
	Sync      SyncConfig
	Cache     CacheConfig
	Detection DetectionConfig
	RateLimit RateLimitConfig
	Events    EventsConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string `validate:"required"`
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string `validate:"required"`
	Port           string `validate:"required"`
	Database       string `validate:"required"`
	User           string
	Password       string
	MaxConnections int `validate:"gte=1"`
}

// URL returns the connection URL used by migrations
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// UpstreamConfig describes the registry API being mirrored
type UpstreamConfig struct {
	BaseURL               string        `validate:"required,url"`
	PageSize              int           `validate:"gte=1"`
	ResultCap             int           `validate:"gte=1"`
	MaxPages              int           `validate:"gte=1"`
	RequestTimeout        time.Duration `validate:"gt=0"`
	RequestsPerSecond     float64       `validate:"gt=0"`
	Burst                 int           `validate:"gte=1"`
	SupportsModifiedSince bool
	BreakerFailures       int           `validate:"gte=1"`
	BreakerTimeout        time.Duration `validate:"gt=0"`
}

// SyncConfig holds orchestrator configuration
type SyncConfig struct {
	CapMargin           float64       `validate:"gt=0,lte=1"`
	MinPartitionSpan    time.Duration `validate:"gt=0"`
	MaxRetries          int           `validate:"gte=0"`
	RetryBackoffBase    time.Duration `validate:"gt=0"`
	RetryBackoffMax     time.Duration `validate:"gtfield=RetryBackoffBase"`
	WorkerConcurrency   int           `validate:"gte=1"`
	MergeConcurrency    int           `validate:"gte=1"`
	ConflictRetryDelay  time.Duration
	Jurisdictions       []string
	DomainStart         time.Time
	LeaseTTL            time.Duration `validate:"gt=0"`
	FullSchedule        string
	IncrementalSchedule string
	GapFillSchedule     string
}

// CacheConfig holds staleness cache configuration
type CacheConfig struct {
	TTL            time.Duration `validate:"gt=0"`
	Backend        string        `validate:"oneof=memory redis"`
	RefreshWorkers int           `validate:"gte=1"`
	QueueSize      int           `validate:"gte=1"`
}

// DetectionConfig points at the movement detection policy file
type DetectionConfig struct {
	PolicyPath string
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int `validate:"gte=1"`
	Burst             int `validate:"gte=1"`
}

// EventsConfig selects where sync progress events are written
type EventsConfig struct {
	Sink string `validate:"oneof=log clickhouse"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "registry_scanner"),
				User:           getEnv("POSTGRES_USER", "scanner"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 40),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "registry_scanner"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", false),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Upstream: UpstreamConfig{
			BaseURL:               getEnv("UPSTREAM_BASE_URL", "http://localhost:9090"),
			PageSize:              getEnvAsInt("UPSTREAM_PAGE_SIZE", 100),
			ResultCap:             getEnvAsInt("UPSTREAM_RESULT_CAP", 10000),
			MaxPages:              getEnvAsInt("UPSTREAM_MAX_PAGES", 100),
			RequestTimeout:        getEnvAsDuration("UPSTREAM_REQUEST_TIMEOUT", 30*time.Second),
			RequestsPerSecond:     getEnvAsFloat("UPSTREAM_REQUESTS_PER_SECOND", 5),
			Burst:                 getEnvAsInt("UPSTREAM_BURST", 5),
			SupportsModifiedSince: getEnvAsBool("UPSTREAM_SUPPORTS_MODIFIED_SINCE", false),
			BreakerFailures:       getEnvAsInt("UPSTREAM_BREAKER_FAILURES", 10),
			BreakerTimeout:        getEnvAsDuration("UPSTREAM_BREAKER_TIMEOUT", 30*time.Second),
		},
		Sync: SyncConfig{
			CapMargin:           getEnvAsFloat("CAP_MARGIN", 0.9),
			MinPartitionSpan:    getEnvAsDuration("MIN_PARTITION_SPAN", 24*time.Hour),
			MaxRetries:          getEnvAsInt("MAX_RETRIES", 5),
			RetryBackoffBase:    time.Duration(getEnvAsInt("RETRY_BACKOFF_BASE_MS", 500)) * time.Millisecond,
			RetryBackoffMax:     getEnvAsDuration("RETRY_BACKOFF_MAX", 60*time.Second),
			WorkerConcurrency:   getEnvAsInt("WORKER_CONCURRENCY", 4),
			MergeConcurrency:    getEnvAsInt("MERGE_CONCURRENCY", 8),
			ConflictRetryDelay:  getEnvAsDuration("MERGE_CONFLICT_RETRY_DELAY", 250*time.Millisecond),
			Jurisdictions:       getEnvAsList("SYNC_JURISDICTIONS", nil),
			DomainStart:         getEnvAsDate("SYNC_DOMAIN_START", time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)),
			LeaseTTL:            getEnvAsDuration("SYNC_LEASE_TTL", 30*time.Minute),
			FullSchedule:        getEnv("SYNC_FULL_SCHEDULE", "0 0 3 * * 0"),
			IncrementalSchedule: getEnv("SYNC_INCREMENTAL_SCHEDULE", "0 0 * * * *"),
			GapFillSchedule:     getEnv("SYNC_GAPFILL_SCHEDULE", "0 30 */6 * * *"),
		},
		Cache: CacheConfig{
			TTL:            time.Duration(getEnvAsInt("CACHE_TTL_HOURS", 12)) * time.Hour,
			Backend:        getEnv("CACHE_BACKEND", "memory"),
			RefreshWorkers: getEnvAsInt("CACHE_REFRESH_WORKERS", 2),
			QueueSize:      getEnvAsInt("CACHE_QUEUE_SIZE", 64),
		},
		Detection: DetectionConfig{
			PolicyPath: getEnv("DETECTION_POLICY_PATH", ""),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("API_RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("API_RATE_LIMIT_BURST", 40),
		},
		Events: EventsConfig{
			Sink: getEnv("EVENT_SINK", "log"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Events.Sink == "clickhouse" && !c.Database.ClickHouse.Enabled {
		return fmt.Errorf("invalid configuration: EVENT_SINK=clickhouse requires CLICKHOUSE_ENABLED")
	}
	if c.Cache.Backend == "redis" && !c.Database.Redis.Enabled {
		return fmt.Errorf("invalid configuration: CACHE_BACKEND=redis requires REDIS_ENABLED")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDate gets an environment variable as a YYYY-MM-DD date with a default value
func getEnvAsDate(key string, defaultValue time.Time) time.Time {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.Parse(time.DateOnly, valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList gets a comma-separated environment variable as a list
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
