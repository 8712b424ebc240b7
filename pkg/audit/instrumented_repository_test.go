package audit

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/platinummonkey/entityaudit/pkg/observability"
)

func setupInstrumented(t *testing.T, next Repository) (*InstrumentedRepository, *observability.Metrics, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	repo := NewInstrumentedRepository(next, BackendMemory, metrics).WithTracer(provider.Tracer("test"))
	return repo, metrics, recorder
}

func TestInstrumentedRepository_RecordsSuccess(t *testing.T) {
	repo, metrics, recorder := setupInstrumented(t, NewMemoryRepository(MemoryConfig{}))
	ctx := context.Background()

	v1 := event("E1", 2, ActionEntityUpdate)
	v1.Version = SchemaV1
	require.NoError(t, repo.RecordEvents(ctx, event("E1", 1, ActionEntityCreate), v1))

	page, err := repo.ListEvents(ctx, "E1", "", 10)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues(opRecordEvents, "memory", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues(opListEvents, "memory", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditEventsRecordedTotal.WithLabelValues("memory", "v1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditEventsRecordedTotal.WithLabelValues("memory", "v2")))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "audit.RecordEvents", spans[0].Name())
	assert.Equal(t, "audit.ListEvents", spans[1].Name())
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}

func TestInstrumentedRepository_RecordsFailureKind(t *testing.T) {
	repo, metrics, recorder := setupInstrumented(t, NewMemoryRepository(MemoryConfig{}))

	_, err := repo.ListEvents(context.Background(), "", "", 10)
	require.ErrorIs(t, err, ErrInvalidArgument)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues(opListEvents, "memory", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageErrorsTotal.WithLabelValues(opListEvents, "memory", string(KindInvalidArgument))))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1, "the error is recorded on the span")
}

func TestInstrumentedRepository_TagChanges(t *testing.T) {
	repo, metrics, recorder := setupInstrumented(t, NewMemoryRepository(MemoryConfig{}))
	ctx := context.Background()

	require.NoError(t, repo.RecordEvents(ctx, event("E1", 1, ActionTagAdd)))
	ids, err := repo.GetEntitiesWithTagChanges(ctx, at(0), at(5))
	require.NoError(t, err)
	assert.Equal(t, []string{"E1"}, ids)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues(opTagChanges, "memory", "success")))
	assert.Len(t, recorder.Ended(), 2)
}

func TestInstrumentedRepository_NilMetricsTracesOnly(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	repo := NewInstrumentedRepository(NewDisabledRepository(nil), BackendDisabled, nil).WithTracer(provider.Tracer("test"))

	err := repo.RecordEvents(context.Background(), event("E1", 1, ActionEntityCreate))
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Len(t, recorder.Ended(), 1)

	assert.Equal(t, int64(0), repo.RepositoryMaxSize())
}

func TestInstrumentedRepository_ListEventsVersion(t *testing.T) {
	repo, metrics, recorder := setupInstrumented(t, NewMemoryRepository(MemoryConfig{}))
	ctx := context.Background()

	page, err := repo.ListEventsVersion(ctx, "E1", SchemaV1, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues(opListEventsVersion, "memory", "success")))
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "audit.ListEventsVersion", spans[0].Name())
}

func TestInstrumentedRepository_DuplicateBatchIsNotCounted(t *testing.T) {
	repo, metrics, _ := setupInstrumented(t, NewMemoryRepository(MemoryConfig{}))
	ctx := context.Background()

	mk := func() *EntityAuditEvent {
		e := event("E1", 1, ActionEntityCreate)
		e.BatchID = "b-1"
		return e
	}
	require.NoError(t, repo.RecordEvents(ctx, mk()))
	require.NoError(t, repo.RecordEvents(ctx, mk()))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditEventsRecordedTotal.WithLabelValues("memory", "v2")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.StorageOperationsTotal.WithLabelValues(opRecordEvents, "memory", "success")))
}
