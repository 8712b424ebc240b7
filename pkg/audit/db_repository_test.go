package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*DBRepository, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS entity_audit_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo, err := NewDBRepository(db, DBConfig{Dialect: Postgres})
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return repo, mock, db
}

var eventColumns = []string{"seq", "entity_id", "entity_type", "ts_nanos", "user_name", "action", "details", "version", "batch_id"}

func TestNewDBRepository(t *testing.T) {
	_, err := NewDBRepository(nil, DBConfig{})
	assert.Error(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnError(errors.New("permission denied"))
	_, err = NewDBRepository(db, DBConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to ensure entity_audit_events table")
}

func TestDBRepository_RecordEvents(t *testing.T) {
	repo, mock, _ := setupMockDB(t)
	ctx := context.Background()

	a := event("E1", 1, ActionEntityCreate)
	b := event("E1", 2, ActionTagAdd)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO entity_audit_events`).
		WithArgs("E1", "hive_table", at(1).UnixNano(), "admin", "ENTITY_CREATE", a.Details, "v2", false, "").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(11)))
	mock.ExpectQuery(`INSERT INTO entity_audit_events`).
		WithArgs("E1", "hive_table", at(2).UnixNano(), "admin", "TAG_ADD", b.Details, "v2", true, "").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(12)))
	mock.ExpectCommit()

	require.NoError(t, repo.RecordEvents(ctx, a, b))
	assert.Equal(t, int64(11), a.Sequence)
	assert.Equal(t, int64(12), b.Sequence)
	assert.Equal(t, EncodeEventKey(at(2), 12), b.EventKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBRepository_RecordEvents_DuplicateBatch(t *testing.T) {
	repo, mock, _ := setupMockDB(t)

	e := event("E1", 1, ActionEntityCreate)
	e.BatchID = "batch-7"

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO entity_audit_batches`).
		WithArgs("batch-7").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	require.NoError(t, repo.RecordEvents(context.Background(), e))
	assert.Empty(t, e.EventKey, "a duplicate batch is not re-recorded")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBRepository_RecordEvents_FailureRollsBack(t *testing.T) {
	repo, mock, _ := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO entity_audit_events`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(1)))
	mock.ExpectQuery(`INSERT INTO entity_audit_events`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	a, b := event("E1", 1, ActionEntityCreate), event("E1", 2, ActionEntityUpdate)
	err := repo.RecordEvents(context.Background(), a, b)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, a.EventKey, "keys are only assigned after commit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBRepository_RecordEvents_SerializationConflict(t *testing.T) {
	repo, mock, _ := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO entity_audit_events`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(1)))
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})

	err := repo.RecordEvents(context.Background(), event("E1", 1, ActionEntityCreate))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Contains(t, err.Error(), "write conflict")
}

func TestDBRepository_RecordEvents_BeginFails(t *testing.T) {
	repo, mock, _ := setupMockDB(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := repo.RecordEvents(context.Background(), event("E1", 1, ActionEntityCreate))
	assert.ErrorIs(t, err, ErrStorage)
}

func TestDBRepository_ListEvents(t *testing.T) {
	repo, mock, _ := setupMockDB(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT seq, entity_id, entity_type, ts_nanos, user_name, action, details, version, batch_id\s+FROM entity_audit_events\s+WHERE entity_id = \$1 ORDER BY ts_nanos ASC, seq ASC LIMIT \$2`).
		WithArgs("E1", 2).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(int64(3), "E1", "hive_table", at(1).UnixNano(), "admin", "ENTITY_CREATE", "{}", "v2", "").
			AddRow(int64(5), "E1", "hive_table", at(2).UnixNano(), "admin", "TAG_ADD", "{}", "v1", "b-1"))

	got, err := repo.ListEvents(ctx, "E1", "", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, EncodeEventKey(at(1), 3), got[0].EventKey)
	assert.Equal(t, ActionTagAdd, got[1].Action)
	assert.Equal(t, SchemaV1, got[1].Version)
	assert.Equal(t, "b-1", got[1].BatchID)

	key := got[1].EventKey
	mock.ExpectQuery(`AND \(ts_nanos > \$2 OR \(ts_nanos = \$3 AND seq > \$4\)\) ORDER BY ts_nanos ASC, seq ASC LIMIT \$5`).
		WithArgs("E1", at(2).UnixNano(), at(2).UnixNano(), int64(5), 2).
		WillReturnRows(sqlmock.NewRows(eventColumns))

	next, err := repo.ListEvents(ctx, "E1", key, 2)
	require.NoError(t, err)
	assert.NotNil(t, next)
	assert.Empty(t, next)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBRepository_ListEventsVersion(t *testing.T) {
	repo, mock, _ := setupMockDB(t)
	ctx := context.Background()

	key := EncodeEventKey(at(1), 3)
	mock.ExpectQuery(`WHERE entity_id = \$1 AND version = \$2 AND \(ts_nanos > \$3 OR \(ts_nanos = \$4 AND seq > \$5\)\) ORDER BY ts_nanos ASC, seq ASC LIMIT \$6`).
		WithArgs("E1", "v1", at(1).UnixNano(), at(1).UnixNano(), int64(3), 5).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(int64(7), "E1", "hive_table", at(4).UnixNano(), "admin", "TAG_ADD", "{}", "v1", ""))

	got, err := repo.ListEventsVersion(ctx, "E1", SchemaV1, key, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, SchemaV1, got[0].Version)
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err = repo.ListEventsVersion(ctx, "E1", "", key, 5)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDBRepository_ListEvents_QueryError(t *testing.T) {
	repo, mock, _ := setupMockDB(t)
	mock.ExpectQuery(`SELECT seq`).WillReturnError(errors.New("connection reset"))

	_, err := repo.ListEvents(context.Background(), "E1", "", 5)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestDBRepository_GetEntitiesWithTagChanges(t *testing.T) {
	repo, mock, _ := setupMockDB(t)

	mock.ExpectQuery(`SELECT DISTINCT entity_id FROM entity_audit_events\s+WHERE tag_change = \$1 AND ts_nanos >= \$2 AND ts_nanos <= \$3`).
		WithArgs(true, at(1).UnixNano(), at(9).UnixNano()).
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}).AddRow("a").AddRow("b"))

	ids, err := repo.GetEntitiesWithTagChanges(context.Background(), at(1), at(9))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBRepository_CloseLeavesSharedDBOpen(t *testing.T) {
	repo, mock, db := setupMockDB(t)

	require.NoError(t, repo.Close())
	assert.Same(t, db, repo.DB())

	mock.ExpectPing()
	assert.NoError(t, db.Ping())
}

func TestDBRepository_MaxSizeHint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))

	repo, err := NewDBRepository(db, DBConfig{MaxSize: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), repo.RepositoryMaxSize())
	assert.Equal(t, "postgres", repo.dialect.Name)
}

func TestSQLiteRepository_Persists(t *testing.T) {
	path := t.TempDir() + "/audit.db"
	ctx := context.Background()

	repo, err := OpenDBRepository(ctx, path, DBConfig{Dialect: SQLite})
	require.NoError(t, err)
	require.NoError(t, repo.RecordEvents(ctx, event("E1", 1, ActionEntityCreate)))
	require.NoError(t, repo.Close())

	reopened, err := OpenDBRepository(ctx, path, DBConfig{Dialect: SQLite})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.ListEvents(ctx, "E1", "", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Sequence)
}
