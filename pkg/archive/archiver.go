package archive

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/entityaudit/pkg/async"
	"github.com/platinummonkey/entityaudit/pkg/audit"
	"github.com/platinummonkey/entityaudit/pkg/observability"
)

// ObjectStore receives archive objects
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Config controls an archive run
type Config struct {
	Prefix        string
	Workers       int
	PageSize      int
	UploadTimeout time.Duration
}

// DefaultConfig returns default archive settings
func DefaultConfig() Config {
	return Config{
		Prefix:        "entity-audit",
		Workers:       4,
		PageSize:      1000,
		UploadTimeout: 2 * time.Minute,
	}
}

// Result summarizes one archive run
type Result struct {
	From     time.Time
	To       time.Time
	Entities int
	Objects  int
	Events   int64
	Failed   int
}

// Archiver copies the audit trail of every entity with a tag change in a window
// to object storage, one NDJSON object per entity.
type Archiver struct {
	repo    audit.Repository
	store   ObjectStore
	cfg     Config
	metrics *observability.Metrics
	logger  logrus.FieldLogger
	now     func() time.Time
}

// New creates an archiver; metrics may be nil
func New(repo audit.Repository, store ObjectStore, cfg Config, metrics *observability.Metrics, logger logrus.FieldLogger) *Archiver {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = def.UploadTimeout
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}

	return &Archiver{
		repo:    repo,
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// ObjectKey returns <prefix>/<yyyy>/<mm>/<dd>/<entityID>.ndjson for the day of t
func ObjectKey(prefix string, t time.Time, entityID string) string {
	t = t.UTC()
	return path.Join(prefix,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
		url.PathEscape(entityID)+".ndjson",
	)
}

// RunWindow archives the window ending now
func (a *Archiver) RunWindow(ctx context.Context, window time.Duration) (*Result, error) {
	to := a.now().UTC()
	return a.Run(ctx, to.Add(-window), to)
}

// Run archives every entity with a tag change in [from, to]. Uploads continue past
// individual failures; the returned error joins all of them.
func (a *Archiver) Run(ctx context.Context, from, to time.Time) (*Result, error) {
	log := a.logger.WithFields(logrus.Fields{
		"from": from.UTC().Format(time.RFC3339),
		"to":   to.UTC().Format(time.RFC3339),
	})

	ids, err := a.repo.GetEntitiesWithTagChanges(ctx, from, to)
	if err != nil {
		a.finish("error")
		return nil, fmt.Errorf("failed to list tag changes: %w", err)
	}

	res := &Result{From: from, To: to, Entities: len(ids)}
	if len(ids) == 0 {
		log.Info("No tag changes to archive")
		a.finish("success")
		return res, nil
	}
	log.Infof("Archiving %d entities", len(ids))

	var objects, events atomic.Int64
	errs := async.Batch(ctx, ids, a.cfg.Workers, "audit archive", a.cfg.UploadTimeout, nil,
		func(ctx context.Context, id string) error {
			n, err := a.archiveEntity(ctx, to, id)
			if err != nil {
				a.countObject("error")
				log.WithError(err).WithField("entity_id", id).Warn("Failed to archive entity")
				return fmt.Errorf("entity %s: %w", id, err)
			}
			a.countObject("success")
			objects.Add(1)
			events.Add(int64(n))
			return nil
		})

	res.Objects = int(objects.Load())
	res.Events = events.Load()
	res.Failed = len(errs)
	if a.metrics != nil {
		a.metrics.ArchivedEventsTotal.Add(float64(res.Events))
	}

	if len(errs) > 0 {
		a.finish("error")
		return res, fmt.Errorf("archived %d of %d entities: %w", res.Objects, res.Entities, errors.Join(errs...))
	}

	log.WithFields(logrus.Fields{"objects": res.Objects, "events": res.Events}).Info("Archive run complete")
	a.finish("success")
	return res, nil
}

func (a *Archiver) archiveEntity(ctx context.Context, day time.Time, entityID string) (int, error) {
	events, err := audit.ReadAll(ctx, a.repo, entityID, a.cfg.PageSize, 0)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	data, err := audit.Export(events, audit.ExportFormatNDJSON)
	if err != nil {
		return 0, err
	}
	key := ObjectKey(a.cfg.Prefix, day, entityID)
	if err := a.store.PutObject(ctx, key, data, audit.ExportFormatNDJSON.ContentType()); err != nil {
		return 0, err
	}
	return len(events), nil
}

func (a *Archiver) countObject(status string) {
	if a.metrics != nil {
		a.metrics.ArchiveObjectsTotal.WithLabelValues(status).Inc()
	}
}

func (a *Archiver) finish(status string) {
	if a.metrics == nil {
		return
	}
	a.metrics.ArchiveRunsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		a.metrics.ArchiveLastSuccessTime.Set(float64(a.now().Unix()))
	}
}
