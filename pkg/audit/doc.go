// Package audit stores and queries the audit trail of governed entities.
//
// # Overview
//
// Every change to an entity (create, update, delete, import, tag or classification
// change, label and term changes) is recorded as an EntityAuditEvent. Events are
// append-only; the repository assigns each one a sequence number and an opaque
// event key that callers use to page through an entity's history.
//
// # Backends
//
//	disabled  every storage call fails with ErrNotConfigured
//	memory    process memory, optional quota
//	file      append-only JSON lines log, replayed on open
//	postgres  lib/pq, one transaction per batch
//	sqlite    go-sqlite3, same schema as postgres
//	redis     lexicographic sorted sets per entity
//
// Open selects a backend from Config. NewCachedRepository and
// NewInstrumentedRepository wrap any backend with an LRU page cache and with
// Prometheus metrics plus OpenTelemetry spans.
//
// # Usage Example
//
//	repo, err := audit.Open(ctx, audit.Config{Backend: audit.BackendMemory})
//	if err != nil {
//		return err
//	}
//	defer repo.Close()
//
//	event, _ := audit.NewEventV2("guid-1", "hive_table", audit.ActionEntityUpdate, "admin", attrs)
//	if err := repo.RecordEvents(ctx, event); err != nil {
//		return err
//	}
//
//	page, err := repo.ListEvents(ctx, "guid-1", "", 25)
//	next, err := repo.ListEvents(ctx, "guid-1", page[len(page)-1].EventKey, 25)
//
// # Errors
//
// Operations return *Error values classified by ErrorKind. Use errors.Is with
// ErrInvalidArgument, ErrStorage or ErrNotConfigured to branch on them.
package audit
