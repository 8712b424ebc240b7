package audit

import (
	"context"
	"time"
)

// DisabledRepository is selected when audit persistence is turned off.
// Every storage operation fails with a NotConfigured error instead of silently
// discarding writes or pretending there is nothing to read.
type DisabledRepository struct {
	excludes *ExcludeAttributes
}

// NewDisabledRepository creates a repository that rejects all storage calls.
// Exclude attributes are still served since they are configuration, not storage.
func NewDisabledRepository(excludes *ExcludeAttributes) *DisabledRepository {
	return &DisabledRepository{excludes: excludes}
}

func (r *DisabledRepository) RecordEvents(ctx context.Context, events ...*EntityAuditEvent) error {
	return notConfigured(opRecordEvents)
}

func (r *DisabledRepository) ListEvents(ctx context.Context, entityID, startKey string, n int) ([]*EntityAuditEvent, error) {
	return nil, notConfigured(opListEvents)
}

func (r *DisabledRepository) ListEventsVersion(ctx context.Context, entityID string, version SchemaVersion, startKey string, n int) ([]*EntityAuditEvent, error) {
	return nil, notConfigured(opListEvents)
}

func (r *DisabledRepository) GetEntitiesWithTagChanges(ctx context.Context, from, to time.Time) ([]string, error) {
	return nil, notConfigured(opTagChanges)
}

// RepositoryMaxSize is 0: a disabled repository has no capacity
func (r *DisabledRepository) RepositoryMaxSize() int64 {
	return 0
}

func (r *DisabledRepository) GetAuditExcludeAttributes(entityType string) []string {
	return r.excludes.For(entityType)
}

func (r *DisabledRepository) Close() error {
	return nil
}
