package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atriumhq/atrium/pkg/memory"
	"github.com/atriumhq/atrium/pkg/observability"
	"github.com/atriumhq/atrium/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      storage.PostgresConfig
	Redis         storage.RedisConfig
	Blobs         BlobConfig
	Auth          AuthConfig
	Memory        MemoryConfig
	Assistant     AssistantConfig
	Automation    AutomationConfig
	Audit         AuditConfig
	RateLimit     RateLimitConfig
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
}

// Addr returns the host:port listen address
func (c ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// BlobConfig selects the document blob backend
type BlobConfig struct {
	// Backend is "filesystem" or "s3"
	Backend        string
	FilesystemRoot string
	S3             storage.S3Config
}

// AuthConfig holds token verification settings
type AuthConfig struct {
	// Secret signs and verifies HMAC tokens. Required.
	Secret   string
	Issuer   string
	TokenTTL time.Duration

	// OIDC enables IdP-issued tokens and the hosted-login flow when
	// the issuer URL is set.
	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
}

// MemoryConfig holds conversational memory settings
type MemoryConfig struct {
	TTL time.Duration
}

// AssistantConfig holds AI tool execution settings
type AssistantConfig struct {
	ToolTimeout time.Duration
}

// AutomationConfig holds trigger dispatch settings
type AutomationConfig struct {
	// PlaybookDir is watched for rule changes; empty disables automation.
	PlaybookDir   string
	Workers       int
	JobTimeout    time.Duration
	WatchDebounce time.Duration
}

// AuditConfig holds audit retention settings
type AuditConfig struct {
	Retention     time.Duration
	SweepSchedule string
}

// RateLimitConfig holds per-caller request throttling settings
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerWindow int
	Window            time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("ATRIUM_HOST", "0.0.0.0"),
			Port:            getEnv("ATRIUM_PORT", "8080"),
			ReadTimeout:     getEnvDuration("ATRIUM_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("ATRIUM_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("ATRIUM_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("ATRIUM_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Database: storage.PostgresConfig{
			URL:             getEnv("ATRIUM_POSTGRES_URL", ""),
			MaxOpenConns:    getEnvInt("ATRIUM_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns:    getEnvInt("ATRIUM_POSTGRES_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("ATRIUM_POSTGRES_CONN_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("ATRIUM_POSTGRES_CONN_IDLE_TIME", 5*time.Minute),
			PingTimeout:     getEnvDuration("ATRIUM_POSTGRES_PING_TIMEOUT", 5*time.Second),
		},
		Redis: storage.RedisConfig{
			URL:        getEnv("ATRIUM_REDIS_URL", "redis://localhost:6379/0"),
			Password:   getEnv("ATRIUM_REDIS_PASSWORD", ""),
			DB:         getEnvInt("ATRIUM_REDIS_DB", 0),
			PoolSize:   getEnvInt("ATRIUM_REDIS_POOL_SIZE", 0),
			MaxRetries: getEnvInt("ATRIUM_REDIS_MAX_RETRIES", 0),
		},
		Blobs:         loadBlobConfig(),
		Auth:          loadAuthConfig(),
		Memory:        MemoryConfig{TTL: getEnvDuration("ATRIUM_MEMORY_TTL", memory.DefaultTTL)},
		Assistant:     AssistantConfig{ToolTimeout: getEnvDuration("ATRIUM_TOOL_TIMEOUT", 2*time.Minute)},
		Automation:    loadAutomationConfig(),
		Audit:         loadAuditConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadBlobConfig() BlobConfig {
	return BlobConfig{
		Backend:        getEnv("ATRIUM_BLOB_BACKEND", "filesystem"),
		FilesystemRoot: getEnv("ATRIUM_BLOB_ROOT", "/var/lib/atrium/blobs"),
		S3: storage.S3Config{
			Bucket:       getEnv("ATRIUM_S3_BUCKET", ""),
			Region:       getEnv("ATRIUM_S3_REGION", "us-east-1"),
			Endpoint:     getEnv("ATRIUM_S3_ENDPOINT", ""),
			AccessKey:    getEnv("ATRIUM_S3_ACCESS_KEY", ""),
			SecretKey:    getEnv("ATRIUM_S3_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("ATRIUM_S3_USE_PATH_STYLE", false),
			PresignTTL:   getEnvDuration("ATRIUM_S3_PRESIGN_TTL", 15*time.Minute),
		},
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		Secret:           getEnv("ATRIUM_AUTH_SECRET", ""),
		Issuer:           getEnv("ATRIUM_AUTH_ISSUER", "atrium"),
		TokenTTL:         getEnvDuration("ATRIUM_AUTH_TOKEN_TTL", 24*time.Hour),
		OIDCIssuerURL:    getEnv("ATRIUM_OIDC_ISSUER_URL", ""),
		OIDCClientID:     getEnv("ATRIUM_OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("ATRIUM_OIDC_CLIENT_SECRET", ""),
		OIDCRedirectURL:  getEnv("ATRIUM_OIDC_REDIRECT_URL", ""),
	}
}

func loadAutomationConfig() AutomationConfig {
	return AutomationConfig{
		PlaybookDir:   getEnv("ATRIUM_PLAYBOOK_DIR", ""),
		Workers:       getEnvInt("ATRIUM_AUTOMATION_WORKERS", 4),
		JobTimeout:    getEnvDuration("ATRIUM_AUTOMATION_JOB_TIMEOUT", 30*time.Second),
		WatchDebounce: getEnvDuration("ATRIUM_AUTOMATION_WATCH_DEBOUNCE", 500*time.Millisecond),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		Retention:     getEnvDuration("ATRIUM_AUDIT_RETENTION", 90*24*time.Hour),
		SweepSchedule: getEnv("ATRIUM_AUDIT_SWEEP_SCHEDULE", "0 3 * * *"),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           getEnvBool("ATRIUM_RATE_LIMIT_ENABLED", true),
		RequestsPerWindow: getEnvInt("ATRIUM_RATE_LIMIT_REQUESTS", 600),
		Window:            getEnvDuration("ATRIUM_RATE_LIMIT_WINDOW", time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("ATRIUM_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("ATRIUM_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("ATRIUM_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("ATRIUM_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("ATRIUM_OTEL_SERVICE_NAME", "atrium"),
		OTelServiceVersion: getEnv("ATRIUM_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("ATRIUM_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}

	switch c.Blobs.Backend {
	case "filesystem":
		if c.Blobs.FilesystemRoot == "" {
			return fmt.Errorf("blob root is required for filesystem blobs")
		}
	case "s3":
		if c.Blobs.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 blobs")
		}
	default:
		return fmt.Errorf("invalid blob backend: %s (must be filesystem or s3)", c.Blobs.Backend)
	}

	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required")
	}
	if len(c.Auth.Secret) < 32 {
		return fmt.Errorf("auth secret must be at least 32 bytes")
	}
	if c.Auth.OIDCIssuerURL != "" && c.Auth.OIDCClientID == "" {
		return fmt.Errorf("OIDC client ID is required when an OIDC issuer is set")
	}

	if c.Memory.TTL <= 0 {
		return fmt.Errorf("memory TTL must be positive")
	}
	if c.Audit.Retention <= 0 {
		return fmt.Errorf("audit retention must be positive")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerWindow < 1 {
		return fmt.Errorf("rate limit requests per window must be at least 1")
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
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

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
