// Package config loads and validates application configuration from
// ATRIUM_* environment variables, with defaults for everything except
// the Postgres URL and the auth secret.
//
// Server settings:
//
//	ATRIUM_HOST="0.0.0.0"
//	ATRIUM_PORT="8080"
//	ATRIUM_READ_TIMEOUT="15s"
//	ATRIUM_WRITE_TIMEOUT="30s"
//	ATRIUM_SHUTDOWN_TIMEOUT="15s"
//
// Storage settings:
//
//	ATRIUM_POSTGRES_URL="postgres://localhost/atrium"
//	ATRIUM_POSTGRES_MAX_CONNS="25"
//	ATRIUM_REDIS_URL="redis://localhost:6379/0"
//	ATRIUM_BLOB_BACKEND="filesystem"  # filesystem, s3
//	ATRIUM_BLOB_ROOT="/var/lib/atrium/blobs"
//	ATRIUM_S3_BUCKET="atrium-documents"
//	ATRIUM_S3_ENDPOINT="http://minio:9000"  # optional, for MinIO
//
// Domain settings:
//
//	ATRIUM_AUTH_SECRET="..."          # >= 32 bytes, required
//	ATRIUM_AUTH_ISSUER="atrium"
//	ATRIUM_MEMORY_TTL="30m"
//	ATRIUM_TOOL_TIMEOUT="2m"
//	ATRIUM_PLAYBOOK_DIR="/etc/atrium/playbooks"
//	ATRIUM_AUDIT_RETENTION="2160h"    # 90 days
//	ATRIUM_RATE_LIMIT_REQUESTS="600"
//
// Observability settings:
//
//	ATRIUM_LOG_LEVEL="info"  # debug, info, warn, error
//	ATRIUM_METRICS_ENABLED="true"
//	ATRIUM_OTEL_ENABLED="false"
//	ATRIUM_OTEL_ENDPOINT="otel-collector:4317"
//
// Load configuration with:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
