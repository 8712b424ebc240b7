package audit

import (
	"context"
	"sort"
	"time"
)

// Repository records entity audit events and answers ordered, paginated queries about them.
//
// Events for an entity are ordered by timestamp, then by the store-assigned sequence.
// ListEvents pages oldest-first: an empty startKey starts at the oldest event and each
// page continues strictly after the key it was given.
type Repository interface {
	// RecordEvents stores one batch; either every event becomes visible or none do
	RecordEvents(ctx context.Context, events ...*EntityAuditEvent) error

	// ListEvents returns at most n events for entityID strictly after startKey
	ListEvents(ctx context.Context, entityID, startKey string, n int) ([]*EntityAuditEvent, error)

	// ListEventsVersion is ListEvents restricted to events of one schema version.
	// startKey and n apply to the filtered sequence.
	ListEventsVersion(ctx context.Context, entityID string, version SchemaVersion, startKey string, n int) ([]*EntityAuditEvent, error)

	// GetEntitiesWithTagChanges returns the sorted, deduplicated IDs of entities with a
	// tag or classification change in the inclusive range [from, to]
	GetEntitiesWithTagChanges(ctx context.Context, from, to time.Time) ([]string, error)

	// RepositoryMaxSize reports the event quota: Unbounded (-1) when there is none,
	// 0 when the repository cannot store anything
	RepositoryMaxSize() int64

	// GetAuditExcludeAttributes returns the attributes left out of audit payloads for an
	// entity type; never nil
	GetAuditExcludeAttributes(entityType string) []string

	// Close releases backend resources
	Close() error
}

const (
	opRecordEvents      = "RecordEvents"
	opListEvents        = "ListEvents"
	opListEventsVersion = "ListEventsVersion"
	opTagChanges        = "GetEntitiesWithTagChanges"
	defaultOpTimeout    = 10 * time.Second
	defaultListCount    = 100
	defaultRedisPrefix  = "entityaudit:"
)

// prepareBatch validates a batch and fills defaults in place.
// The whole batch is rejected if any event lacks an entity ID.
func prepareBatch(events []*EntityAuditEvent) error {
	for i, e := range events {
		if e == nil {
			return invalidArgument(opRecordEvents, "event %d is nil", i)
		}
		if e.EntityID == "" {
			return invalidArgument(opRecordEvents, "event %d has an empty entity id", i)
		}
	}

	now := time.Now()
	for _, e := range events {
		// store-assigned; a deduplicated batch leaves them empty
		e.EventKey, e.Sequence = "", 0
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		e.Timestamp = normalizeTime(e.Timestamp)
		if e.Version == "" {
			e.Version = SchemaV2
		}
	}
	return nil
}

// batchID returns the first dedup key found in the batch
func batchID(events []*EntityAuditEvent) string {
	for _, e := range events {
		if e.BatchID != "" {
			return e.BatchID
		}
	}
	return ""
}

// Deduplicated reports whether a successful RecordEvents call acknowledged events as a
// repeat of a batch stored earlier, leaving them without event keys
func Deduplicated(events []*EntityAuditEvent) bool {
	if len(events) == 0 || batchID(events) == "" {
		return false
	}
	for _, e := range events {
		if e.EventKey != "" {
			return false
		}
	}
	return true
}

// validateList checks ListEvents arguments and returns the clamped count and decoded cursor
func validateList(entityID, startKey string, n int) (int, *Cursor, error) {
	if entityID == "" {
		return 0, nil, invalidArgument(opListEvents, "entity id is required")
	}
	if n <= 0 {
		return 0, nil, invalidArgument(opListEvents, "count must be positive, got %d", n)
	}
	if n > MaxListCount {
		n = MaxListCount
	}
	if startKey == "" {
		return n, nil, nil
	}
	c, err := DecodeEventKey(startKey)
	if err != nil {
		return 0, nil, err
	}
	return n, &c, nil
}

func validateVersion(v SchemaVersion) error {
	if v != SchemaV1 && v != SchemaV2 {
		return invalidArgument(opListEvents, "unknown schema version %q", v)
	}
	return nil
}

func validateRange(from, to time.Time) error {
	if from.After(to) {
		return invalidArgument(opTagChanges, "from %s is after to %s", from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))
	}
	return nil
}

// normalizeTime drops the monotonic reading and location so stores compare on wall nanos
func normalizeTime(t time.Time) time.Time {
	return time.Unix(0, t.UnixNano()).UTC()
}

// uniqueSorted sorts ids and removes duplicates; the result is never nil
func uniqueSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	if len(ids) == 0 {
		return out
	}
	sort.Strings(ids)
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		out = append(out, id)
	}
	return out
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = defaultOpTimeout
	}
	return context.WithTimeout(ctx, d)
}

// reportedMaxSize maps a configured quota to the RepositoryMaxSize sentinel
func reportedMaxSize(maxSize int64) int64 {
	if maxSize <= 0 {
		return Unbounded
	}
	return maxSize
}

// ReadAll pages through every event of an entity, oldest first, up to limit events
// (limit <= 0 reads everything)
func ReadAll(ctx context.Context, repo Repository, entityID string, pageSize, limit int) ([]*EntityAuditEvent, error) {
	if pageSize <= 0 {
		pageSize = defaultListCount
	}
	if pageSize > MaxListCount {
		pageSize = MaxListCount
	}

	all := make([]*EntityAuditEvent, 0)
	startKey := ""
	for {
		n := pageSize
		if limit > 0 && limit-len(all) < n {
			n = limit - len(all)
		}
		page, err := repo.ListEvents(ctx, entityID, startKey, n)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < n || (limit > 0 && len(all) >= limit) {
			return all, nil
		}
		startKey = page[len(page)-1].EventKey
	}
}
