package audit

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Backend names a repository implementation
type Backend string

const (
	BackendDisabled Backend = "disabled"
	BackendMemory   Backend = "memory"
	BackendFile     Backend = "file"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
	BackendRedis    Backend = "redis"
)

// Config selects and configures the repository backend
type Config struct {
	Backend          Backend
	MaxSize          int64
	OperationTimeout time.Duration

	// File backend
	FilePath string
	FileSync bool

	// SQL backends
	PostgresURL string
	SQLitePath  string

	// Redis backend
	RedisURL       string
	RedisPassword  string
	RedisDB        int
	RedisPoolSize  int
	RedisKeyPrefix string

	// Page cache in front of the backend
	CacheEnabled bool
	Cache        CacheConfig

	Excludes *ExcludeAttributes
}

// Constructor builds a repository for one backend
type Constructor func(ctx context.Context, cfg Config) (Repository, error)

// constructors maps each backend to its constructor; resolved once by Open
var constructors = map[Backend]Constructor{
	BackendDisabled: func(ctx context.Context, cfg Config) (Repository, error) {
		return NewDisabledRepository(cfg.Excludes), nil
	},
	BackendMemory: func(ctx context.Context, cfg Config) (Repository, error) {
		return NewMemoryRepository(MemoryConfig{MaxSize: cfg.MaxSize, Excludes: cfg.Excludes}), nil
	},
	BackendFile: func(ctx context.Context, cfg Config) (Repository, error) {
		return NewFileRepository(FileConfig{
			BasePath: cfg.FilePath,
			MaxSize:  cfg.MaxSize,
			Sync:     cfg.FileSync,
			Excludes: cfg.Excludes,
		})
	},
	BackendPostgres: func(ctx context.Context, cfg Config) (Repository, error) {
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres URL is required for the postgres audit backend")
		}
		return OpenDBRepository(ctx, cfg.PostgresURL, DBConfig{
			Dialect:          Postgres,
			OperationTimeout: cfg.OperationTimeout,
			MaxSize:          cfg.MaxSize,
			Excludes:         cfg.Excludes,
		})
	},
	BackendSQLite: func(ctx context.Context, cfg Config) (Repository, error) {
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite path is required for the sqlite audit backend")
		}
		return OpenDBRepository(ctx, cfg.SQLitePath, DBConfig{
			Dialect:          SQLite,
			OperationTimeout: cfg.OperationTimeout,
			MaxSize:          cfg.MaxSize,
			Excludes:         cfg.Excludes,
		})
	},
	BackendRedis: func(ctx context.Context, cfg Config) (Repository, error) {
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis URL is required for the redis audit backend")
		}
		return NewRedisRepository(ctx, RedisConfig{
			URL:              cfg.RedisURL,
			Password:         cfg.RedisPassword,
			DB:               cfg.RedisDB,
			PoolSize:         cfg.RedisPoolSize,
			KeyPrefix:        cfg.RedisKeyPrefix,
			OperationTimeout: cfg.OperationTimeout,
			MaxSize:          cfg.MaxSize,
			Excludes:         cfg.Excludes,
		})
	},
}

// Backends lists the registered backend names
func Backends() []Backend {
	out := make([]Backend, 0, len(constructors))
	for b := range constructors {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseBackend validates a backend name
func ParseBackend(s string) (Backend, error) {
	b := Backend(s)
	if _, ok := constructors[b]; !ok {
		return "", fmt.Errorf("unknown audit backend %q (must be one of %v)", s, Backends())
	}
	return b, nil
}

// Open builds the repository selected by cfg.Backend.
// An unknown backend is an error; there is no fallback.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	ctor, ok := constructors[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown audit backend %q (must be one of %v)", cfg.Backend, Backends())
	}

	repo, err := ctor(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s audit repository: %w", cfg.Backend, err)
	}

	if cfg.CacheEnabled && cfg.Backend != BackendDisabled {
		repo = NewCachedRepository(repo, cfg.Cache)
	}
	return repo, nil
}
