package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareBatch_FillsDefaults(t *testing.T) {
	local := time.Date(2024, 1, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
	withZone := &EntityAuditEvent{EntityID: "a", Timestamp: local}
	noTime := &EntityAuditEvent{EntityID: "b"}

	before := time.Now()
	require.NoError(t, prepareBatch([]*EntityAuditEvent{withZone, noTime}))

	assert.Equal(t, time.UTC, withZone.Timestamp.Location())
	assert.True(t, withZone.Timestamp.Equal(local))
	assert.Equal(t, SchemaV2, withZone.Version)
	assert.False(t, noTime.Timestamp.Before(before.Truncate(time.Microsecond)))
}

func TestPrepareBatch_RejectsWholeBatch(t *testing.T) {
	good := &EntityAuditEvent{EntityID: "a"}
	err := prepareBatch([]*EntityAuditEvent{good, {EntityID: ""}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.True(t, good.Timestamp.IsZero(), "no defaults applied to a rejected batch")
}

func TestValidateList_ClampsCount(t *testing.T) {
	n, cursor, err := validateList("E1", "", MaxListCount+10)
	require.NoError(t, err)
	assert.Equal(t, MaxListCount, n)
	assert.Nil(t, cursor)

	n, cursor, err = validateList("E1", EncodeEventKey(at(1), 2), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NotNil(t, cursor)
	assert.Equal(t, int64(2), cursor.Sequence)
}

func TestUniqueSorted(t *testing.T) {
	assert.Equal(t, []string{}, uniqueSorted(nil))
	assert.Equal(t, []string{"a", "b", "c"}, uniqueSorted([]string{"c", "a", "b", "a", "c"}))
}

func TestReportedMaxSize(t *testing.T) {
	assert.Equal(t, Unbounded, reportedMaxSize(0))
	assert.Equal(t, Unbounded, reportedMaxSize(-5))
	assert.Equal(t, int64(100), reportedMaxSize(100))
}

func TestReadAll(t *testing.T) {
	repo := NewMemoryRepository(MemoryConfig{})
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.NoError(t, repo.RecordEvents(ctx, event("E1", i, ActionEntityUpdate)))
	}

	all, err := ReadAll(ctx, repo, "E1", 5, 0)
	require.NoError(t, err)
	assert.Len(t, all, 12)

	limited, err := ReadAll(ctx, repo, "E1", 5, 7)
	require.NoError(t, err)
	assert.Len(t, limited, 7)
	assert.Equal(t, all[6].EventKey, limited[6].EventKey)

	exact, err := ReadAll(ctx, repo, "E1", 4, 12)
	require.NoError(t, err)
	assert.Len(t, exact, 12)

	none, err := ReadAll(ctx, repo, "missing", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = ReadAll(ctx, NewDisabledRepository(nil), "E1", 5, 0)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
