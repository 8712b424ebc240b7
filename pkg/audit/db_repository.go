package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect captures the SQL differences between the supported databases
type Dialect struct {
	Name   string
	Driver string
	schema string
	// placeholder renders the i-th (1-based) bind parameter
	placeholder func(i int) string
}

var (
	// Postgres stores events in PostgreSQL through lib/pq
	Postgres = Dialect{
		Name:        "postgres",
		Driver:      "postgres",
		placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
		schema: `
	CREATE TABLE IF NOT EXISTS entity_audit_events (
		seq BIGSERIAL PRIMARY KEY,
		entity_id VARCHAR(255) NOT NULL,
		entity_type VARCHAR(255) NOT NULL DEFAULT '',
		ts_nanos BIGINT NOT NULL,
		user_name VARCHAR(255) NOT NULL DEFAULT '',
		action VARCHAR(64) NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		version VARCHAR(8) NOT NULL,
		tag_change BOOLEAN NOT NULL DEFAULT FALSE,
		batch_id VARCHAR(64) NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS entity_audit_batches (
		batch_id VARCHAR(64) PRIMARY KEY,
		recorded_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_entity_audit_events_entity ON entity_audit_events(entity_id, ts_nanos, seq);
	CREATE INDEX IF NOT EXISTS idx_entity_audit_events_tag ON entity_audit_events(ts_nanos) WHERE tag_change;
	`,
	}

	// SQLite stores events in an embedded SQLite database through go-sqlite3
	SQLite = Dialect{
		Name:        "sqlite",
		Driver:      "sqlite3",
		placeholder: func(int) string { return "?" },
		schema: `
	CREATE TABLE IF NOT EXISTS entity_audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		entity_type TEXT NOT NULL DEFAULT '',
		ts_nanos INTEGER NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL,
		tag_change BOOLEAN NOT NULL DEFAULT 0,
		batch_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS entity_audit_batches (
		batch_id TEXT PRIMARY KEY,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_entity_audit_events_entity ON entity_audit_events(entity_id, ts_nanos, seq);
	CREATE INDEX IF NOT EXISTS idx_entity_audit_events_tag ON entity_audit_events(ts_nanos) WHERE tag_change;
	`,
	}
)

// bind numbers placeholders for a statement in order of appearance
type bind struct {
	d    Dialect
	n    int
	args []interface{}
}

func (b *bind) add(v interface{}) string {
	b.n++
	b.args = append(b.args, v)
	return b.d.placeholder(b.n)
}

// DBRepository stores audit events in a SQL database, one transaction per batch.
// Sequence numbers come from the table's auto-increment key; timestamps are stored as
// unix nanoseconds so event keys round-trip exactly.
type DBRepository struct {
	db       *sql.DB
	ownsDB   bool
	dialect  Dialect
	timeout  time.Duration
	maxSize  int64
	excludes *ExcludeAttributes
}

// DBConfig configures a DBRepository
type DBConfig struct {
	Dialect          Dialect
	OperationTimeout time.Duration
	MaxSize          int64 // Reported quota hint; <= 0 means unbounded
	Excludes         *ExcludeAttributes
}

// NewDBRepository creates a repository on an open database and ensures its schema
func NewDBRepository(db *sql.DB, cfg DBConfig) (*DBRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if cfg.Dialect.Driver == "" {
		cfg.Dialect = Postgres
	}

	r := &DBRepository{
		db:       db,
		dialect:  cfg.Dialect,
		timeout:  cfg.OperationTimeout,
		maxSize:  cfg.MaxSize,
		excludes: cfg.Excludes,
	}

	if err := r.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure entity_audit_events table: %w", err)
	}
	return r, nil
}

// OpenDBRepository opens the database at dsn, verifies the connection and creates the repository
func OpenDBRepository(ctx context.Context, dsn string, cfg DBConfig) (*DBRepository, error) {
	if cfg.Dialect.Driver == "" {
		cfg.Dialect = Postgres
	}

	db, err := sql.Open(cfg.Dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Dialect.Name, err)
	}
	if cfg.Dialect.Driver == SQLite.Driver {
		// one writer at a time avoids "database is locked" on concurrent batches
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Dialect.Name, err)
	}

	r, err := NewDBRepository(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.ownsDB = true
	return r, nil
}

// ensureTable creates the audit tables if they don't exist
func (r *DBRepository) ensureTable() error {
	_, err := r.db.Exec(r.dialect.schema)
	return err
}

// DB exposes the underlying connection for health checks
func (r *DBRepository) DB() *sql.DB {
	return r.db
}

// RecordEvents inserts the batch inside one transaction
func (r *DBRepository) RecordEvents(ctx context.Context, events ...*EntityAuditEvent) error {
	if err := prepareBatch(events); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return r.wrap(opRecordEvents, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if id := batchID(events); id != "" {
		b := &bind{d: r.dialect}
		query := fmt.Sprintf(`INSERT INTO entity_audit_batches (batch_id) VALUES (%s) ON CONFLICT (batch_id) DO NOTHING`, b.add(id))
		res, err := tx.ExecContext(ctx, query, b.args...)
		if err != nil {
			return r.wrap(opRecordEvents, fmt.Errorf("failed to record batch id: %w", err))
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			// batch already recorded
			return nil
		}
	}

	seqs := make([]int64, len(events))
	for i, e := range events {
		b := &bind{d: r.dialect}
		query := fmt.Sprintf(`
		INSERT INTO entity_audit_events (
			entity_id, entity_type, ts_nanos, user_name,
			action, details, version, tag_change, batch_id
		) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s) RETURNING seq`,
			b.add(e.EntityID), b.add(e.EntityType), b.add(e.Timestamp.UnixNano()), b.add(e.User),
			b.add(string(e.Action)), b.add(e.Details), b.add(string(e.Version)), b.add(e.Action.IsTagChange()), b.add(e.BatchID),
		)
		if err := tx.QueryRowContext(ctx, query, b.args...).Scan(&seqs[i]); err != nil {
			return r.wrap(opRecordEvents, fmt.Errorf("failed to insert audit event: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return r.wrap(opRecordEvents, fmt.Errorf("failed to commit audit batch: %w", err))
	}

	for i, e := range events {
		e.Sequence = seqs[i]
		e.EventKey = EncodeEventKey(e.Timestamp, e.Sequence)
	}
	return nil
}

// ListEvents pages through an entity's events with a keyset query on (ts_nanos, seq)
func (r *DBRepository) ListEvents(ctx context.Context, entityID, startKey string, n int) ([]*EntityAuditEvent, error) {
	return r.list(ctx, entityID, "", startKey, n)
}

// ListEventsVersion adds a version predicate to the ListEvents keyset query
func (r *DBRepository) ListEventsVersion(ctx context.Context, entityID string, version SchemaVersion, startKey string, n int) ([]*EntityAuditEvent, error) {
	if err := validateVersion(version); err != nil {
		return nil, err
	}
	return r.list(ctx, entityID, version, startKey, n)
}

func (r *DBRepository) list(ctx context.Context, entityID string, version SchemaVersion, startKey string, n int) ([]*EntityAuditEvent, error) {
	n, cursor, err := validateList(entityID, startKey, n)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	b := &bind{d: r.dialect}
	var sb strings.Builder
	sb.WriteString(`
		SELECT seq, entity_id, entity_type, ts_nanos, user_name, action, details, version, batch_id
		FROM entity_audit_events
		WHERE entity_id = `)
	sb.WriteString(b.add(entityID))
	if version != "" {
		fmt.Fprintf(&sb, " AND version = %s", b.add(string(version)))
	}
	if cursor != nil {
		ts := cursor.Timestamp.UnixNano()
		fmt.Fprintf(&sb, " AND (ts_nanos > %s OR (ts_nanos = %s AND seq > %s))",
			b.add(ts), b.add(ts), b.add(cursor.Sequence))
	}
	fmt.Fprintf(&sb, " ORDER BY ts_nanos ASC, seq ASC LIMIT %s", b.add(n))

	rows, err := r.db.QueryContext(ctx, sb.String(), b.args...)
	if err != nil {
		return nil, r.wrap(opListEvents, fmt.Errorf("failed to list audit events: %w", err))
	}
	defer rows.Close()

	events := make([]*EntityAuditEvent, 0)
	for rows.Next() {
		var (
			e      EntityAuditEvent
			nanos  int64
			action string
			ver    string
		)
		if err := rows.Scan(&e.Sequence, &e.EntityID, &e.EntityType, &nanos, &e.User, &action, &e.Details, &ver, &e.BatchID); err != nil {
			return nil, r.wrap(opListEvents, fmt.Errorf("failed to scan audit event: %w", err))
		}
		e.Timestamp = time.Unix(0, nanos).UTC()
		e.Action = Action(action)
		e.Version = SchemaVersion(ver)
		e.EventKey = EncodeEventKey(e.Timestamp, e.Sequence)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, r.wrap(opListEvents, fmt.Errorf("error iterating audit events: %w", err))
	}
	return events, nil
}

// GetEntitiesWithTagChanges selects distinct entities from the tag_change index
func (r *DBRepository) GetEntitiesWithTagChanges(ctx context.Context, from, to time.Time) ([]string, error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	b := &bind{d: r.dialect}
	query := fmt.Sprintf(`
		SELECT DISTINCT entity_id FROM entity_audit_events
		WHERE tag_change = %s AND ts_nanos >= %s AND ts_nanos <= %s
		ORDER BY entity_id`,
		b.add(true), b.add(from.UnixNano()), b.add(to.UnixNano()))

	rows, err := r.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, r.wrap(opTagChanges, fmt.Errorf("failed to query tag changes: %w", err))
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, r.wrap(opTagChanges, fmt.Errorf("failed to scan entity id: %w", err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, r.wrap(opTagChanges, fmt.Errorf("error iterating tag changes: %w", err))
	}
	return uniqueSorted(ids), nil
}

func (r *DBRepository) RepositoryMaxSize() int64 {
	return reportedMaxSize(r.maxSize)
}

func (r *DBRepository) GetAuditExcludeAttributes(entityType string) []string {
	return r.excludes.For(entityType)
}

// Close closes the database connection if the repository opened it
func (r *DBRepository) Close() error {
	if !r.ownsDB {
		// shared connection, owned by the caller
		return nil
	}
	return r.db.Close()
}

// wrap converts a driver failure to a storage error, naming serialization conflicts
func (r *DBRepository) wrap(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "40" {
		return &Error{Kind: KindStorage, Op: op, Msg: "write conflict", Err: err}
	}
	return storageError(op, err)
}
