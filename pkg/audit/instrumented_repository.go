package audit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/entityaudit/pkg/observability"
)

var tracer = otel.Tracer("github.com/platinummonkey/entityaudit/pkg/audit")

// InstrumentedRepository records Prometheus metrics and an OpenTelemetry span for
// every call to the wrapped repository
type InstrumentedRepository struct {
	Repository

	backend string
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewInstrumentedRepository wraps next; metrics may be nil to trace only
func NewInstrumentedRepository(next Repository, backend Backend, metrics *observability.Metrics) *InstrumentedRepository {
	return &InstrumentedRepository{
		Repository: next,
		backend:    string(backend),
		metrics:    metrics,
		tracer:     tracer,
	}
}

func (r *InstrumentedRepository) observe(span trace.Span, op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("audit.error_kind", string(KindOf(err))))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	if r.metrics == nil {
		return
	}
	r.metrics.StorageOperationsTotal.WithLabelValues(op, r.backend, status).Inc()
	r.metrics.StorageOperationDuration.WithLabelValues(op, r.backend).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := string(KindOf(err))
		if kind == "" {
			kind = "unknown"
		}
		r.metrics.StorageErrorsTotal.WithLabelValues(op, r.backend, kind).Inc()
	}
}

func (r *InstrumentedRepository) RecordEvents(ctx context.Context, events ...*EntityAuditEvent) (err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "audit.RecordEvents",
		trace.WithAttributes(
			attribute.String("audit.backend", r.backend),
			attribute.Int("audit.batch_size", len(events)),
		),
	)
	defer func() { r.observe(span, opRecordEvents, start, err) }()

	err = r.Repository.RecordEvents(ctx, events...)
	if err == nil && r.metrics != nil && !Deduplicated(events) {
		for _, e := range events {
			r.metrics.AuditEventsRecordedTotal.WithLabelValues(r.backend, string(e.Version)).Inc()
		}
	}
	return err
}

func (r *InstrumentedRepository) ListEvents(ctx context.Context, entityID, startKey string, n int) (events []*EntityAuditEvent, err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "audit.ListEvents",
		trace.WithAttributes(
			attribute.String("audit.backend", r.backend),
			attribute.String("audit.entity_id", entityID),
			attribute.Int("audit.count", n),
		),
	)
	defer func() {
		span.SetAttributes(attribute.Int("audit.returned", len(events)))
		r.observe(span, opListEvents, start, err)
	}()

	return r.Repository.ListEvents(ctx, entityID, startKey, n)
}

func (r *InstrumentedRepository) ListEventsVersion(ctx context.Context, entityID string, version SchemaVersion, startKey string, n int) (events []*EntityAuditEvent, err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "audit.ListEventsVersion",
		trace.WithAttributes(
			attribute.String("audit.backend", r.backend),
			attribute.String("audit.entity_id", entityID),
			attribute.String("audit.version", string(version)),
			attribute.Int("audit.count", n),
		),
	)
	defer func() {
		span.SetAttributes(attribute.Int("audit.returned", len(events)))
		r.observe(span, opListEventsVersion, start, err)
	}()

	return r.Repository.ListEventsVersion(ctx, entityID, version, startKey, n)
}

func (r *InstrumentedRepository) GetEntitiesWithTagChanges(ctx context.Context, from, to time.Time) (ids []string, err error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "audit.GetEntitiesWithTagChanges",
		trace.WithAttributes(
			attribute.String("audit.backend", r.backend),
			attribute.String("audit.from", from.UTC().Format(time.RFC3339Nano)),
			attribute.String("audit.to", to.UTC().Format(time.RFC3339Nano)),
		),
	)
	defer func() {
		span.SetAttributes(attribute.Int("audit.entities", len(ids)))
		r.observe(span, opTagChanges, start, err)
	}()

	return r.Repository.GetEntitiesWithTagChanges(ctx, from, to)
}

// WithTracer replaces the tracer, used in tests
func (r *InstrumentedRepository) WithTracer(t trace.Tracer) *InstrumentedRepository {
	r.tracer = t
	return r
}
