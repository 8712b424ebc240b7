package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps audit events in process memory.
// Each entity's events are held in a slice sorted by (timestamp, sequence).
type MemoryRepository struct {
	mu       sync.RWMutex
	byEntity map[string][]*EntityAuditEvent
	batches  map[string]struct{}
	seq      int64
	count    int64
	maxSize  int64
	excludes *ExcludeAttributes
}

// MemoryConfig configures a MemoryRepository
type MemoryConfig struct {
	// MaxSize is the event quota; <= 0 means unbounded
	MaxSize  int64
	Excludes *ExcludeAttributes
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository(cfg MemoryConfig) *MemoryRepository {
	return &MemoryRepository{
		byEntity: make(map[string][]*EntityAuditEvent),
		batches:  make(map[string]struct{}),
		maxSize:  cfg.MaxSize,
		excludes: cfg.Excludes,
	}
}

// RecordEvents stores a batch under a single write lock
func (r *MemoryRepository) RecordEvents(ctx context.Context, events ...*EntityAuditEvent) error {
	if err := prepareBatch(events); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return storageError(opRecordEvents, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := batchID(events)
	if id != "" {
		if _, dup := r.batches[id]; dup {
			return nil
		}
	}
	if r.maxSize > 0 && r.count+int64(len(events)) > r.maxSize {
		return &Error{Kind: KindStorage, Op: opRecordEvents, Msg: "repository quota exceeded"}
	}

	for _, e := range events {
		r.seq++
		e.Sequence = r.seq
		e.EventKey = EncodeEventKey(e.Timestamp, e.Sequence)
	}
	r.insertLocked(events)
	if id != "" {
		r.batches[id] = struct{}{}
	}
	return nil
}

// insertLocked adds events that already carry sequence numbers; r.mu must be held
func (r *MemoryRepository) insertLocked(events []*EntityAuditEvent) {
	for _, e := range events {
		stored := e.Clone()
		list := r.byEntity[stored.EntityID]
		i := sort.Search(len(list), func(i int) bool {
			return comparePosition(list[i].Timestamp, list[i].Sequence, stored.Timestamp, stored.Sequence) > 0
		})
		list = append(list, nil)
		copy(list[i+1:], list[i:])
		list[i] = stored
		r.byEntity[stored.EntityID] = list
		if stored.Sequence > r.seq {
			r.seq = stored.Sequence
		}
		r.count++
	}
}

// insert adds pre-sequenced events, used when the repository indexes another store
func (r *MemoryRepository) insert(events []*EntityAuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(events)
}

// ListEvents returns copies of the entity's events after startKey, oldest first
func (r *MemoryRepository) ListEvents(ctx context.Context, entityID, startKey string, n int) ([]*EntityAuditEvent, error) {
	return r.list(ctx, entityID, "", startKey, n)
}

// ListEventsVersion is ListEvents over the events of one schema version
func (r *MemoryRepository) ListEventsVersion(ctx context.Context, entityID string, version SchemaVersion, startKey string, n int) ([]*EntityAuditEvent, error) {
	if err := validateVersion(version); err != nil {
		return nil, err
	}
	return r.list(ctx, entityID, version, startKey, n)
}

// list pages through one entity; an empty version matches every event
func (r *MemoryRepository) list(ctx context.Context, entityID string, version SchemaVersion, startKey string, n int) ([]*EntityAuditEvent, error) {
	n, cursor, err := validateList(entityID, startKey, n)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storageError(opListEvents, err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byEntity[entityID]
	start := 0
	if cursor != nil {
		start = sort.Search(len(list), func(i int) bool {
			return cursor.precedes(list[i])
		})
	}

	out := make([]*EntityAuditEvent, 0, min(n, len(list)-start))
	for _, e := range list[start:] {
		if len(out) == n {
			break
		}
		if version != "" && e.Version != version {
			continue
		}
		out = append(out, e.Clone())
	}
	return out, nil
}

// GetEntitiesWithTagChanges scans every stored event
func (r *MemoryRepository) GetEntitiesWithTagChanges(ctx context.Context, from, to time.Time) ([]string, error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storageError(opTagChanges, err)
	}

	lo, hi := from.UnixNano(), to.UnixNano()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, list := range r.byEntity {
		for _, e := range list {
			ts := e.Timestamp.UnixNano()
			if ts >= lo && ts <= hi && e.Action.IsTagChange() {
				ids = append(ids, id)
				break
			}
		}
	}
	return uniqueSorted(ids), nil
}

// Len returns the number of stored events
func (r *MemoryRepository) Len() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func (r *MemoryRepository) RepositoryMaxSize() int64 {
	return reportedMaxSize(r.maxSize)
}

func (r *MemoryRepository) GetAuditExcludeAttributes(entityType string) []string {
	return r.excludes.For(entityType)
}

func (r *MemoryRepository) Close() error {
	return nil
}
