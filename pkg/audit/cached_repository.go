package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

// CacheConfig configures a CachedRepository
type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultCacheConfig returns default cache configuration
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries: 1024,
		TTL:        time.Minute,
	}
}

// CachedRepository caches ListEvents pages in front of another repository.
// Identical concurrent lookups share one backend call. A write moves every entity it
// touches to a new generation so older pages are never served again.
//
// Generations come from one clock. Only the most recently written entities keep their
// own entry; the others share floor, which is raised to the clock whenever an entry is
// evicted, so an entity's generation never goes backwards.
type CachedRepository struct {
	Repository

	pages *lru.LRU[string, []*EntityAuditEvent]
	group singleflight.Group

	mu          sync.Mutex
	clock       uint64
	floor       uint64
	generations *simplelru.LRU[string, uint64]
}

// NewCachedRepository wraps next with a page cache
func NewCachedRepository(next Repository, cfg CacheConfig) *CachedRepository {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultCacheConfig().MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}

	c := &CachedRepository{
		Repository: next,
		pages:      lru.NewLRU[string, []*EntityAuditEvent](cfg.MaxEntries, nil, cfg.TTL),
	}
	// size is positive, so NewLRU cannot fail; evictions run under c.mu
	c.generations, _ = simplelru.NewLRU[string, uint64](cfg.MaxEntries, func(string, uint64) {
		c.floor = c.clock
	})
	return c
}

func (c *CachedRepository) generation(entityID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.generations.Get(entityID); ok {
		return g
	}
	return c.floor
}

func (c *CachedRepository) invalidate(events []*EntityAuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e == nil {
			continue
		}
		if _, ok := seen[e.EntityID]; ok {
			continue
		}
		seen[e.EntityID] = struct{}{}
		c.clock++
		c.generations.Add(e.EntityID, c.clock)
	}
}

// RecordEvents writes through and invalidates the touched entities
func (c *CachedRepository) RecordEvents(ctx context.Context, events ...*EntityAuditEvent) error {
	err := c.Repository.RecordEvents(ctx, events...)
	// a failed batch may still have reached the backend, so invalidate either way
	c.invalidate(events)
	return err
}

// ListEvents serves a page from cache or loads it once for all concurrent callers
func (c *CachedRepository) ListEvents(ctx context.Context, entityID, startKey string, n int) ([]*EntityAuditEvent, error) {
	return c.cached(entityID, "", startKey, n, func() ([]*EntityAuditEvent, error) {
		return c.Repository.ListEvents(ctx, entityID, startKey, n)
	})
}

// ListEventsVersion caches version-filtered pages alongside the unfiltered ones
func (c *CachedRepository) ListEventsVersion(ctx context.Context, entityID string, version SchemaVersion, startKey string, n int) ([]*EntityAuditEvent, error) {
	if err := validateVersion(version); err != nil {
		return nil, err
	}
	return c.cached(entityID, version, startKey, n, func() ([]*EntityAuditEvent, error) {
		return c.Repository.ListEventsVersion(ctx, entityID, version, startKey, n)
	})
}

func (c *CachedRepository) cached(entityID string, version SchemaVersion, startKey string, n int, load func() ([]*EntityAuditEvent, error)) ([]*EntityAuditEvent, error) {
	if _, _, err := validateList(entityID, startKey, n); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s\x00%d\x00%s\x00%s\x00%d", entityID, c.generation(entityID), version, startKey, n)
	if page, ok := c.pages.Get(key); ok {
		return cloneEvents(page), nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		page, err := load()
		if err != nil {
			return nil, err
		}
		c.pages.Add(key, cloneEvents(page))
		return page, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneEvents(v.([]*EntityAuditEvent)), nil
}

// Purge drops every cached page
func (c *CachedRepository) Purge() {
	c.pages.Purge()
}

// Len returns the number of cached pages
func (c *CachedRepository) Len() int {
	return c.pages.Len()
}
