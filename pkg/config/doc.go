// Package config loads the service configuration from ENTITYAUDIT_-prefixed
// environment variables, with defaults for everything but backend credentials.
//
// Server settings:
//
//	ENTITYAUDIT_HOST="0.0.0.0"
//	ENTITYAUDIT_PORT="21000"
//	ENTITYAUDIT_PRINCIPAL_HEADER="X-Authenticated-User"
//	ENTITYAUDIT_MAX_QUERY_PARAM_LENGTH="4096"
//
// Audit repository:
//
//	ENTITYAUDIT_AUDIT_BACKEND="file"  # disabled, memory, file, postgres, sqlite, redis
//	ENTITYAUDIT_AUDIT_FILE_PATH="data/audit"
//	ENTITYAUDIT_POSTGRES_URL="postgres://localhost/entityaudit?sslmode=disable"
//	ENTITYAUDIT_SQLITE_PATH="data/audit.db"
//	ENTITYAUDIT_REDIS_URL="redis://localhost:6379/0"
//	ENTITYAUDIT_AUDIT_MAX_SIZE="0"  # 0 is unbounded
//	ENTITYAUDIT_AUDIT_EXCLUDES_FILE="config/excludes.yaml"
//	ENTITYAUDIT_CACHE_ENABLED="true"
//
// Archive job:
//
//	ENTITYAUDIT_ARCHIVE_SCHEDULE="30 0 * * *"
//	ENTITYAUDIT_ARCHIVE_WINDOW="24h"
//	ENTITYAUDIT_S3_BUCKET="entity-audit-archive"
//	ENTITYAUDIT_S3_ENDPOINT="http://minio:9000"
//
// Observability:
//
//	ENTITYAUDIT_LOG_LEVEL="info"  # debug, info, warn, error
//	ENTITYAUDIT_METRICS_ENABLED="true"
//	ENTITYAUDIT_OTEL_ENABLED="true"
//	ENTITYAUDIT_OTEL_ENDPOINT="otel-collector:4317"
//
// The binaries load a .env file, if present, before reading the environment.
package config
