package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/controlhub/controlhub/pkg/observability"
	"github.com/controlhub/controlhub/pkg/storage"
	"github.com/controlhub/controlhub/pkg/store"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database store.Config

	// Redis configuration
	Redis RedisConfig

	// Auth configuration
	Auth AuthConfig

	// Cognito configuration
	Cognito CognitoConfig

	// Blob storage configuration
	Storage storage.Config

	// Audit configuration
	Audit AuditConfig

	// Feature flag configuration
	FlagFile string

	// Observability configuration
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

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// AuthConfig holds local authentication settings
type AuthConfig struct {
	JWTSecret        string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	MaxLoginFailures int
	LockoutDuration  time.Duration
}

// CognitoConfig holds the OIDC settings for Cognito logins
type CognitoConfig struct {
	Enabled   bool
	IssuerURL string
	ClientID  string
}

// AuditConfig holds audit sink settings
type AuditConfig struct {
	// FilePath enables the NDJSON file sink alongside the database sink
	FilePath string
	// RetentionDays bounds how long audit rows are kept
	RetentionDays int
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
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Auth:          loadAuthConfig(),
		Cognito:       loadCognitoConfig(),
		Storage:       loadStorageConfig(),
		Audit:         loadAuditConfig(),
		FlagFile:      getEnv("CONTROLHUB_FLAG_FILE", ""),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("CONTROLHUB_HOST", "0.0.0.0"),
		Port:            getEnv("CONTROLHUB_PORT", "8080"),
		ReadTimeout:     getEnvDuration("CONTROLHUB_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("CONTROLHUB_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("CONTROLHUB_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("CONTROLHUB_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("CONTROLHUB_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() store.Config {
	return store.Config{
		Driver:   getEnv("CONTROLHUB_DB_DRIVER", "postgres"),
		URL:      getEnv("CONTROLHUB_DB_URL", ""),
		MaxConns: getEnvInt("CONTROLHUB_DB_MAX_CONNS", 20),
		MinConns: getEnvInt("CONTROLHUB_DB_MIN_CONNS", 2),
		Timeout:  getEnvDuration("CONTROLHUB_DB_TIMEOUT", 10*time.Second),
	}
}

// loadRedisConfig loads Redis configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     getEnv("CONTROLHUB_REDIS_ADDR", "localhost:6379"),
		Password: getEnv("CONTROLHUB_REDIS_PASSWORD", ""),
		DB:       getEnvInt("CONTROLHUB_REDIS_DB", 0),
		PoolSize: getEnvInt("CONTROLHUB_REDIS_POOL_SIZE", 10),
	}
}

// loadAuthConfig loads local auth configuration from environment
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret:        getEnv("CONTROLHUB_JWT_SECRET", ""),
		AccessTokenTTL:   getEnvDuration("CONTROLHUB_ACCESS_TOKEN_TTL", 1*time.Hour),
		RefreshTokenTTL:  getEnvDuration("CONTROLHUB_REFRESH_TOKEN_TTL", 30*24*time.Hour),
		MaxLoginFailures: getEnvInt("CONTROLHUB_MAX_LOGIN_FAILURES", 5),
		LockoutDuration:  getEnvDuration("CONTROLHUB_LOCKOUT_DURATION", 15*time.Minute),
	}
}

// loadCognitoConfig loads Cognito configuration from environment
func loadCognitoConfig() CognitoConfig {
	return CognitoConfig{
		Enabled:   getEnvBool("CONTROLHUB_COGNITO_ENABLED", false),
		IssuerURL: getEnv("CONTROLHUB_COGNITO_ISSUER_URL", ""),
		ClientID:  getEnv("CONTROLHUB_COGNITO_CLIENT_ID", ""),
	}
}

// loadStorageConfig loads blob storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("CONTROLHUB_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}
	if fsRoot := getEnv("CONTROLHUB_FILESYSTEM_ROOT", ""); fsRoot != "" {
		cfg.FilesystemRoot = fsRoot
	}
	if s3Endpoint := getEnv("CONTROLHUB_S3_ENDPOINT", ""); s3Endpoint != "" {
		cfg.S3Endpoint = s3Endpoint
	}
	if s3Region := getEnv("CONTROLHUB_S3_REGION", ""); s3Region != "" {
		cfg.S3Region = s3Region
	}
	if s3Bucket := getEnv("CONTROLHUB_S3_BUCKET", ""); s3Bucket != "" {
		cfg.S3Bucket = s3Bucket
	}
	if s3AccessKey := getEnv("CONTROLHUB_S3_ACCESS_KEY", ""); s3AccessKey != "" {
		cfg.S3AccessKey = s3AccessKey
	}
	if s3SecretKey := getEnv("CONTROLHUB_S3_SECRET_KEY", ""); s3SecretKey != "" {
		cfg.S3SecretKey = s3SecretKey
	}
	if s3UsePathStyle := getEnv("CONTROLHUB_S3_USE_PATH_STYLE", ""); s3UsePathStyle != "" {
		cfg.S3UsePathStyle = strings.ToLower(s3UsePathStyle) == "true"
	}

	return cfg
}

// loadAuditConfig loads audit sink configuration from environment
func loadAuditConfig() AuditConfig {
	return AuditConfig{
		FilePath:      getEnv("CONTROLHUB_AUDIT_FILE", ""),
		RetentionDays: getEnvInt("CONTROLHUB_AUDIT_RETENTION_DAYS", 365),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("CONTROLHUB_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("CONTROLHUB_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("CONTROLHUB_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("CONTROLHUB_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("CONTROLHUB_OTEL_SERVICE_NAME", "controlhub"),
		OTelServiceVersion: getEnv("CONTROLHUB_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("CONTROLHUB_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate database config
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	// Validate auth config
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 bytes")
	}
	if c.Auth.MaxLoginFailures < 1 {
		return fmt.Errorf("max login failures must be positive")
	}

	// Validate Cognito config
	if c.Cognito.Enabled {
		if c.Cognito.IssuerURL == "" {
			return fmt.Errorf("Cognito issuer URL is required when Cognito is enabled")
		}
		if c.Cognito.ClientID == "" {
			return fmt.Errorf("Cognito client ID is required when Cognito is enabled")
		}
	}

	// Validate storage config
	switch c.Storage.Type {
	case "filesystem":
		if c.Storage.FilesystemRoot == "" {
			return fmt.Errorf("filesystem root is required for filesystem storage")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be filesystem or s3)", c.Storage.Type)
	}

	// Validate OpenTelemetry config
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
