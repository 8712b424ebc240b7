package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/entityaudit/pkg/archive"
	"github.com/platinummonkey/entityaudit/pkg/audit"
	"github.com/platinummonkey/entityaudit/pkg/httputil"
	"github.com/platinummonkey/entityaudit/pkg/observability"
)

const envPrefix = "ENTITYAUDIT_"

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Audit repository configuration
	Audit AuditConfig

	// Archive job configuration
	Archive ArchiveConfig

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

	// PrincipalHeader is set by the authenticating proxy; empty trusts no header
	PrincipalHeader     string
	MaxQueryParamLength int
	MaxBodyBytes        int64
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// AuditConfig selects the repository backend
type AuditConfig struct {
	Repository audit.Config

	// ExcludesFile is a YAML exclude-attributes file, reloaded on change when WatchExcludes is set
	ExcludesFile  string
	WatchExcludes bool
}

// ArchiveConfig holds the archive job settings
type ArchiveConfig struct {
	Schedule string // cron expression
	Window   time.Duration
	Job      archive.Config
	S3       archive.S3Config
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
	OTelEnvironment    string
	OTelInstanceID     string
	OTelExportInterval time.Duration
}

// OTel returns the OpenTelemetry settings
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
		Environment:    o.OTelEnvironment,
		InstanceID:     o.OTelInstanceID,
		ExportInterval: o.OTelExportInterval,
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	auditCfg, err := loadAuditConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Audit:         auditCfg,
		Archive:       loadArchiveConfig(),
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
		Host:                getEnv("HOST", "0.0.0.0"),
		Port:                getEnv("PORT", "21000"),
		ReadTimeout:         getEnvDuration("READ_TIMEOUT", 15*time.Second),
		WriteTimeout:        getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:         getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:     getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		PrincipalHeader:     getEnv("PRINCIPAL_HEADER", ""),
		MaxQueryParamLength: getEnvInt("MAX_QUERY_PARAM_LENGTH", httputil.DefaultQueryParamMaxLength),
		MaxBodyBytes:        getEnvInt64("MAX_BODY_BYTES", 8<<20),
	}
}

// loadAuditConfig loads the repository configuration and exclude attributes from environment
func loadAuditConfig() (AuditConfig, error) {
	cfg := AuditConfig{
		Repository: audit.Config{
			Backend:          audit.Backend(strings.ToLower(getEnv("AUDIT_BACKEND", string(audit.BackendFile)))),
			MaxSize:          getEnvInt64("AUDIT_MAX_SIZE", 0),
			OperationTimeout: getEnvDuration("AUDIT_OPERATION_TIMEOUT", 10*time.Second),

			FilePath: getEnv("AUDIT_FILE_PATH", "data/audit"),
			FileSync: getEnvBool("AUDIT_FILE_SYNC", false),

			PostgresURL: getEnv("POSTGRES_URL", ""),
			SQLitePath:  getEnv("SQLITE_PATH", ""),

			RedisURL:       getEnv("REDIS_URL", ""),
			RedisPassword:  getEnv("REDIS_PASSWORD", ""),
			RedisDB:        getEnvInt("REDIS_DB", -1),
			RedisPoolSize:  getEnvInt("REDIS_POOL_SIZE", 0),
			RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", ""),

			CacheEnabled: getEnvBool("CACHE_ENABLED", false),
			Cache: audit.CacheConfig{
				MaxEntries: getEnvInt("CACHE_MAX_ENTRIES", audit.DefaultCacheConfig().MaxEntries),
				TTL:        getEnvDuration("CACHE_TTL", audit.DefaultCacheConfig().TTL),
			},
		},
		ExcludesFile:  getEnv("AUDIT_EXCLUDES_FILE", ""),
		WatchExcludes: getEnvBool("AUDIT_EXCLUDES_WATCH", true),
	}

	excludes := audit.NewExcludeAttributes(nil)
	if cfg.ExcludesFile != "" {
		loaded, err := audit.LoadExcludeAttributes(cfg.ExcludesFile)
		if err != nil {
			return cfg, fmt.Errorf("failed to load audit exclude attributes: %w", err)
		}
		excludes = loaded
	}
	cfg.Repository.Excludes = excludes

	return cfg, nil
}

// loadArchiveConfig loads archive configuration from environment
func loadArchiveConfig() ArchiveConfig {
	def := archive.DefaultConfig()
	return ArchiveConfig{
		Schedule: getEnv("ARCHIVE_SCHEDULE", "30 0 * * *"),
		Window:   getEnvDuration("ARCHIVE_WINDOW", 24*time.Hour),
		Job: archive.Config{
			Prefix:        getEnv("ARCHIVE_PREFIX", def.Prefix),
			Workers:       getEnvInt("ARCHIVE_WORKERS", def.Workers),
			PageSize:      getEnvInt("ARCHIVE_PAGE_SIZE", def.PageSize),
			UploadTimeout: getEnvDuration("ARCHIVE_UPLOAD_TIMEOUT", def.UploadTimeout),
		},
		S3: archive.S3Config{
			Endpoint:     getEnv("S3_ENDPOINT", ""),
			Region:       getEnv("S3_REGION", "us-east-1"),
			Bucket:       getEnv("S3_BUCKET", ""),
			AccessKey:    getEnv("S3_ACCESS_KEY", ""),
			SecretKey:    getEnv("S3_SECRET_KEY", ""),
			UsePathStyle: getEnvBool("S3_USE_PATH_STYLE", false),
			CreateBucket: getEnvBool("S3_CREATE_BUCKET", false),
		},
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("OTEL_SERVICE_NAME", "entityaudit"),
		OTelServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("OTEL_SAMPLE_RATIO", 1),
		OTelEnvironment:    getEnv("ENVIRONMENT", ""),
		OTelInstanceID:     getEnv("OTEL_INSTANCE_ID", ""),
		OTelExportInterval: getEnvDuration("OTEL_EXPORT_INTERVAL", 10*time.Second),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MaxQueryParamLength <= 0 {
		return fmt.Errorf("max query param length must be positive")
	}

	repo := c.Audit.Repository
	if _, err := audit.ParseBackend(string(repo.Backend)); err != nil {
		return err
	}
	switch repo.Backend {
	case audit.BackendFile:
		if repo.FilePath == "" {
			return fmt.Errorf("file path is required for the file audit backend")
		}
	case audit.BackendPostgres:
		if repo.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for the postgres audit backend")
		}
	case audit.BackendSQLite:
		if repo.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite audit backend")
		}
	case audit.BackendRedis:
		if repo.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis audit backend")
		}
	}
	if repo.OperationTimeout <= 0 {
		return fmt.Errorf("audit operation timeout must be positive")
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

// ValidateArchive checks the archive settings; only the archiver binary needs them
func (c *Config) ValidateArchive() error {
	if c.Archive.S3.Bucket == "" {
		return fmt.Errorf("S3 bucket is required for archiving")
	}
	if c.Archive.Window <= 0 {
		return fmt.Errorf("archive window must be positive")
	}
	if _, err := cron.ParseStandard(c.Archive.Schedule); err != nil {
		return fmt.Errorf("invalid archive schedule %q: %w", c.Archive.Schedule, err)
	}
	if c.Audit.Repository.Backend == audit.BackendDisabled {
		return fmt.Errorf("cannot archive from the disabled audit backend")
	}
	return nil
}

// parseLogLevel parses a log level string, falling back to info
func parseLogLevel(level string) observability.LogLevel {
	parsed, err := observability.ParseLogLevel(level)
	if err != nil {
		return observability.InfoLevel
	}
	return parsed
}

// getEnv returns a prefixed environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := getEnv(key, ""); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := getEnv(key, ""); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := getEnv(key, ""); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := getEnv(key, ""); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := getEnv(key, ""); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
