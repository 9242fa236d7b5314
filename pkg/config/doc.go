// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	CONTROLHUB_HOST="0.0.0.0"
//	CONTROLHUB_PORT="8080"
//	CONTROLHUB_HEALTH_PORT="9090"
//	CONTROLHUB_READ_TIMEOUT="15s"
//	CONTROLHUB_WRITE_TIMEOUT="15s"
//
// Database settings:
//
//	CONTROLHUB_DB_DRIVER="postgres"  # postgres, sqlite3
//	CONTROLHUB_DB_URL="postgres://localhost/controlhub"
//	CONTROLHUB_DB_MAX_CONNS="20"
//
// Auth settings:
//
//	CONTROLHUB_JWT_SECRET="..."  # at least 32 bytes
//	CONTROLHUB_ACCESS_TOKEN_TTL="1h"
//	CONTROLHUB_REFRESH_TOKEN_TTL="720h"
//	CONTROLHUB_MAX_LOGIN_FAILURES="5"
//	CONTROLHUB_LOCKOUT_DURATION="15m"
//	CONTROLHUB_COGNITO_ENABLED="true"
//	CONTROLHUB_COGNITO_ISSUER_URL="https://cognito-idp.us-east-1.amazonaws.com/us-east-1_XXXX"
//	CONTROLHUB_COGNITO_CLIENT_ID="..."
//
// Storage settings:
//
//	CONTROLHUB_STORAGE_TYPE="s3"  # filesystem, s3
//	CONTROLHUB_FILESYSTEM_ROOT="/var/controlhub/uploads"
//	CONTROLHUB_S3_BUCKET="controlhub-uploads"
//	CONTROLHUB_S3_REGION="us-east-1"
//
// Redis settings:
//
//	CONTROLHUB_REDIS_ADDR="localhost:6379"
//	CONTROLHUB_REDIS_POOL_SIZE="10"
//
// Observability settings:
//
//	CONTROLHUB_LOG_LEVEL="info"  # debug, info, warn, error
//	CONTROLHUB_METRICS_ENABLED="true"
//	CONTROLHUB_OTEL_ENABLED="true"
//	CONTROLHUB_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Storage: %s\n", cfg.Storage.Type)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/store: Uses database configuration
//   - pkg/storage: Uses blob storage configuration
//   - pkg/observability: Uses observability configuration
package config
