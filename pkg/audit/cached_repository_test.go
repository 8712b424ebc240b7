package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRepository counts ListEvents calls reaching the backend
type countingRepository struct {
	Repository
	lists atomic.Int32
	delay time.Duration
}

func (c *countingRepository) ListEvents(ctx context.Context, entityID, startKey string, n int) ([]*EntityAuditEvent, error) {
	c.lists.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return c.Repository.ListEvents(ctx, entityID, startKey, n)
}

func newCounting(t *testing.T) *countingRepository {
	backend := NewMemoryRepository(MemoryConfig{})
	require.NoError(t, backend.RecordEvents(context.Background(),
		event("E1", 1, ActionEntityCreate), event("E1", 2, ActionEntityUpdate)))
	return &countingRepository{Repository: backend}
}

func TestCachedRepository_ServesRepeatedPagesFromCache(t *testing.T) {
	backend := newCounting(t)
	cached := NewCachedRepository(backend, DefaultCacheConfig())
	ctx := context.Background()

	first, err := cached.ListEvents(ctx, "E1", "", 10)
	require.NoError(t, err)
	second, err := cached.ListEvents(ctx, "E1", "", 10)
	require.NoError(t, err)

	assert.Equal(t, int32(1), backend.lists.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, cached.Len())

	// a different page is a different entry
	_, err = cached.ListEvents(ctx, "E1", first[0].EventKey, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.lists.Load())
}

func TestCachedRepository_ReturnsCopies(t *testing.T) {
	cached := NewCachedRepository(newCounting(t), DefaultCacheConfig())
	ctx := context.Background()

	page, err := cached.ListEvents(ctx, "E1", "", 10)
	require.NoError(t, err)
	page[0].Details = "tampered"

	again, err := cached.ListEvents(ctx, "E1", "", 10)
	require.NoError(t, err)
	assert.Equal(t, `{"t":1}`, again[0].Details)
}

func TestCachedRepository_WriteInvalidatesEntity(t *testing.T) {
	backend := newCounting(t)
	cached := NewCachedRepository(backend, DefaultCacheConfig())
	ctx := context.Background()

	page, err := cached.ListEvents(ctx, "E1", "", 10)
	require.NoError(t, err)
	require.Len(t, page, 2)

	_, err = cached.ListEvents(ctx, "E2", "", 10)
	require.NoError(t, err)

	require.NoError(t, cached.RecordEvents(ctx, event("E1", 3, ActionTagAdd)))

	page, err = cached.ListEvents(ctx, "E1", "", 10)
	require.NoError(t, err)
	assert.Len(t, page, 3)

	// E2 was untouched and is still cached
	_, err = cached.ListEvents(ctx, "E2", "", 10)
	require.NoError(t, err)
	assert.Equal(t, int32(3), backend.lists.Load())
}

func TestCachedRepository_SharesConcurrentLoads(t *testing.T) {
	backend := newCounting(t)
	backend.delay = 50 * time.Millisecond
	cached := NewCachedRepository(backend, DefaultCacheConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page, err := cached.ListEvents(context.Background(), "E1", "", 10)
			assert.NoError(t, err)
			assert.Len(t, page, 2)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), backend.lists.Load())
}

func TestCachedRepository_RejectsInvalidArgumentsWithoutBackendCall(t *testing.T) {
	backend := newCounting(t)
	cached := NewCachedRepository(backend, DefaultCacheConfig())

	_, err := cached.ListEvents(context.Background(), "", "", 10)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, int32(0), backend.lists.Load())
}

func TestCachedRepository_Purge(t *testing.T) {
	backend := newCounting(t)
	cached := NewCachedRepository(backend, CacheConfig{})
	ctx := context.Background()

	_, err := cached.ListEvents(ctx, "E1", "", 10)
	require.NoError(t, err)
	cached.Purge()
	assert.Equal(t, 0, cached.Len())

	_, err = cached.ListEvents(ctx, "E1", "", 10)
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.lists.Load())
}

func TestCachedRepository_ErrorsAreNotCached(t *testing.T) {
	cached := NewCachedRepository(NewDisabledRepository(nil), DefaultCacheConfig())

	_, err := cached.ListEvents(context.Background(), "E1", "", 10)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, 0, cached.Len())
}

func TestCachedRepository_GenerationsStayBounded(t *testing.T) {
	cached := NewCachedRepository(NewMemoryRepository(MemoryConfig{}), CacheConfig{MaxEntries: 2, TTL: time.Minute})
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, cached.RecordEvents(ctx, event(fmt.Sprintf("E%d", i), 1, ActionEntityCreate)))
	}
	assert.LessOrEqual(t, cached.generations.Len(), 2)
}

func TestCachedRepository_EvictedGenerationNeverServesStalePage(t *testing.T) {
	cached := NewCachedRepository(NewMemoryRepository(MemoryConfig{}), CacheConfig{MaxEntries: 2, TTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, cached.RecordEvents(ctx, event("E1", 1, ActionEntityCreate)))
	page, err := cached.ListEvents(ctx, "E1", "", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	require.NoError(t, cached.RecordEvents(ctx, event("E1", 2, ActionEntityUpdate)))
	// push E1 out of the generation table
	require.NoError(t, cached.RecordEvents(ctx, event("E2", 1, ActionEntityCreate)))
	require.NoError(t, cached.RecordEvents(ctx, event("E3", 1, ActionEntityCreate)))
	_, tracked := cached.generations.Peek("E1")
	require.False(t, tracked)

	page, err = cached.ListEvents(ctx, "E1", "", 10)
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestCachedRepository_VersionPagesAreSeparate(t *testing.T) {
	backend := NewMemoryRepository(MemoryConfig{})
	cached := NewCachedRepository(backend, DefaultCacheConfig())
	ctx := context.Background()

	v1 := event("E1", 1, ActionEntityCreate)
	v1.Version = SchemaV1
	require.NoError(t, cached.RecordEvents(ctx, v1, event("E1", 2, ActionEntityUpdate)))

	all, err := cached.ListEvents(ctx, "E1", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := cached.ListEventsVersion(ctx, "E1", SchemaV1, "", 10)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, SchemaV1, only[0].Version)
	assert.Equal(t, 2, cached.Len())

	more := event("E1", 3, ActionEntityUpdate)
	more.Version = SchemaV1
	require.NoError(t, cached.RecordEvents(ctx, more))

	only, err = cached.ListEventsVersion(ctx, "E1", SchemaV1, "", 10)
	require.NoError(t, err)
	assert.Len(t, only, 2)

	_, err = cached.ListEventsVersion(ctx, "E1", "v3", "", 10)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
