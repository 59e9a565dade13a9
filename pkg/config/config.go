package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/session"
)

// EnvPrefix prefixes every configuration variable
const EnvPrefix = "ROLEGATE_"

// Audit sinks
const (
	AuditSinkLog  = "log"
	AuditSinkDB   = "db"
	AuditSinkBoth = "both"
)

// MinIssueAPIKeyLength is the shortest accepted internal issuance key
const MinIssueAPIKeyLength = 16

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Session       SessionConfig
	Catalog       CatalogConfig
	Audit         AuditConfig
	Maintenance   MaintenanceConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// IssueAPIKey must accompany POST /v1/sessions in the X-Issue-Key header
	IssueAPIKey string
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RunMigrations   bool
}

// RedisConfig holds Redis settings. An empty URL disables rate limiting.
type RedisConfig struct {
	URL               string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// SessionConfig holds credential issuance settings. Exactly one of
// HMACSecret and KeyDir is set.
type SessionConfig struct {
	Issuer      string
	TTL         time.Duration
	Leeway      time.Duration
	HMACSecret  string
	KeyDir      string
	ActiveKeyID string
	// WatchKeys reloads keys from KeyDir when files change
	WatchKeys    bool
	KeyCacheSize int
	KeyCacheTTL  time.Duration
}

// CatalogConfig points at an optional seed file replacing the embedded default
type CatalogConfig struct {
	SeedFile string
}

// AuditConfig selects where audit events go
type AuditConfig struct {
	Sink string
}

// MaintenanceConfig schedules housekeeping. An empty schedule disables the purge job.
type MaintenanceConfig struct {
	PurgeSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables after reading
// an optional .env file (ROLEGATE_ENV_FILE, default ".env"). Variables
// already set in the environment win over the file.
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(getEnv(EnvPrefix+"ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Session:       loadSessionConfig(),
		Catalog:       CatalogConfig{SeedFile: getEnv(EnvPrefix+"CATALOG_SEED_FILE", "")},
		Audit:         AuditConfig{Sink: strings.ToLower(getEnv(EnvPrefix+"AUDIT_SINK", AuditSinkLog))},
		Maintenance:   MaintenanceConfig{PurgeSchedule: getEnv(EnvPrefix+"PURGE_SCHEDULE", "@every 1h")},
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadDotEnv reads path when it exists
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv(EnvPrefix+"HOST", "0.0.0.0"),
		Port:            getEnv(EnvPrefix+"PORT", "8080"),
		ReadTimeout:     getEnvDuration(EnvPrefix+"READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration(EnvPrefix+"WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration(EnvPrefix+"IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration(EnvPrefix+"SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    int64(getEnvInt(EnvPrefix+"MAX_BODY_BYTES", 1<<20)),
		HealthPort:      getEnv(EnvPrefix+"HEALTH_PORT", "9090"),
		IssueAPIKey:     getEnv(EnvPrefix+"ISSUE_API_KEY", ""),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv(EnvPrefix+"DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt(EnvPrefix+"DATABASE_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt(EnvPrefix+"DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration(EnvPrefix+"DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		RunMigrations:   getEnvBool(EnvPrefix+"DATABASE_RUN_MIGRATIONS", true),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:               getEnv(EnvPrefix+"REDIS_URL", ""),
		RateLimitRequests: getEnvInt(EnvPrefix+"RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   getEnvDuration(EnvPrefix+"RATE_LIMIT_WINDOW", time.Minute),
	}
}

func loadSessionConfig() SessionConfig {
	return SessionConfig{
		Issuer:       getEnv(EnvPrefix+"SESSION_ISSUER", "rolegate"),
		TTL:          getEnvDuration(EnvPrefix+"SESSION_TTL", session.DefaultTTL),
		Leeway:       getEnvDuration(EnvPrefix+"SESSION_LEEWAY", 0),
		HMACSecret:   getEnv(EnvPrefix+"SESSION_HMAC_SECRET", ""),
		KeyDir:       getEnv(EnvPrefix+"SESSION_KEY_DIR", ""),
		ActiveKeyID:  getEnv(EnvPrefix+"SESSION_ACTIVE_KEY_ID", ""),
		WatchKeys:    getEnvBool(EnvPrefix+"SESSION_WATCH_KEYS", true),
		KeyCacheSize: getEnvInt(EnvPrefix+"SESSION_KEY_CACHE_SIZE", 16),
		KeyCacheTTL:  getEnvDuration(EnvPrefix+"SESSION_KEY_CACHE_TTL", 10*time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv(EnvPrefix+"LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool(EnvPrefix+"METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool(EnvPrefix+"OTEL_ENABLED", false),
		OTelEndpoint:       getEnv(EnvPrefix+"OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv(EnvPrefix+"OTEL_SERVICE_NAME", "rolegate"),
		OTelServiceVersion: getEnv(EnvPrefix+"OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool(EnvPrefix+"OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat(EnvPrefix+"OTEL_SAMPLE_RATIO", 1),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if len(c.Server.IssueAPIKey) < MinIssueAPIKeyLength {
		return fmt.Errorf("issue API key must be at least %d characters", MinIssueAPIKeyLength)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	if c.Redis.URL != "" {
		if c.Redis.RateLimitRequests <= 0 {
			return fmt.Errorf("rate limit requests must be positive")
		}
		if c.Redis.RateLimitWindow <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}

	if err := c.Session.validate(); err != nil {
		return err
	}

	switch c.Audit.Sink {
	case AuditSinkLog, AuditSinkDB, AuditSinkBoth:
	default:
		return fmt.Errorf("invalid audit sink: %s (must be log, db, or both)", c.Audit.Sink)
	}

	if c.Maintenance.PurgeSchedule != "" {
		if _, err := cron.ParseStandard(c.Maintenance.PurgeSchedule); err != nil {
			return fmt.Errorf("invalid purge schedule %q: %w", c.Maintenance.PurgeSchedule, err)
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

func (s SessionConfig) validate() error {
	if s.Issuer == "" {
		return fmt.Errorf("session issuer is required")
	}
	if s.TTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if s.Leeway < 0 || s.Leeway >= s.TTL {
		return fmt.Errorf("session leeway must be non-negative and shorter than the TTL")
	}

	switch {
	case s.HMACSecret != "" && s.KeyDir != "":
		return fmt.Errorf("set either an HMAC secret or a key directory, not both")
	case s.HMACSecret != "":
		if len(s.HMACSecret) < session.MinHMACSecretLength {
			return fmt.Errorf("HMAC secret must be at least %d bytes", session.MinHMACSecretLength)
		}
	case s.KeyDir != "":
		if s.ActiveKeyID == "" {
			return fmt.Errorf("active key id is required with a key directory")
		}
	default:
		return fmt.Errorf("an HMAC secret or a key directory is required")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
