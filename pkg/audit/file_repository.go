package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	fileRepositoryName = "entity-audit.log"
	opOpenLog          = "NewFileRepository"
)

// FileRepository appends each batch as one JSON line to a log file and serves reads
// from an in-memory index rebuilt from the file on open.
// A batch whose line was only partly written is dropped when the log is reopened;
// any other unreadable line fails the open and leaves the file untouched.
type FileRepository struct {
	path    string
	file    logFile
	mu      sync.Mutex
	index   *MemoryRepository
	batches map[string]struct{}
	seq     int64
	maxSize int64
	fsync   bool

	// broken is set when a failed write could not be rolled back; the log tail is
	// unknown from then on and every write is refused
	broken error
}

// logFile is the part of *os.File the repository uses
type logFile interface {
	io.ReadWriteSeeker
	Truncate(size int64) error
	Sync() error
	Close() error
}

// FileConfig configures a FileRepository
type FileConfig struct {
	BasePath string // Directory holding the log file
	MaxSize  int64  // Event quota; <= 0 means unbounded
	Sync     bool   // fsync after every batch
	Excludes *ExcludeAttributes
}

// fileBatch is the on-disk record of one RecordEvents call
type fileBatch struct {
	BatchID string              `json:"batch_id,omitempty"`
	Events  []*EntityAuditEvent `json:"events"`
}

// NewFileRepository opens or creates the log under cfg.BasePath and replays it
func NewFileRepository(cfg FileConfig) (*FileRepository, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("file repository base path is required")
	}
	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	r := &FileRepository{
		path:    filepath.Join(cfg.BasePath, fileRepositoryName),
		index:   NewMemoryRepository(MemoryConfig{Excludes: cfg.Excludes}),
		batches: make(map[string]struct{}),
		maxSize: cfg.MaxSize,
		fsync:   cfg.Sync,
	}

	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	r.file = file

	if err := r.replay(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// replay loads every batch in the log. Only an unterminated final fragment, the trace
// of a write that never completed, is cut off; a corrupt complete line is an error.
func (r *FileRepository) replay() error {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return storageError(opOpenLog, fmt.Errorf("failed to seek audit log: %w", err))
	}

	reader := bufio.NewReader(r.file)
	var (
		good   int64
		lineNo int
	)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				return r.truncateTail(good)
			}
			break
		}
		if err != nil {
			return storageError(opOpenLog, fmt.Errorf("failed to read audit log: %w", err))
		}
		lineNo++

		b, err := decodeFileBatch(line)
		if err != nil {
			return storageError(opOpenLog, fmt.Errorf("corrupt audit log %s at line %d (offset %d): %w", r.path, lineNo, good, err))
		}
		r.apply(b)
		good += int64(len(line))
	}

	if _, err := r.file.Seek(good, io.SeekStart); err != nil {
		return storageError(opOpenLog, fmt.Errorf("failed to seek audit log: %w", err))
	}
	return nil
}

func (r *FileRepository) truncateTail(size int64) error {
	if err := r.file.Truncate(size); err != nil {
		return storageError(opOpenLog, fmt.Errorf("failed to truncate audit log: %w", err))
	}
	if _, err := r.file.Seek(size, io.SeekStart); err != nil {
		return storageError(opOpenLog, fmt.Errorf("failed to seek audit log: %w", err))
	}
	return nil
}

func decodeFileBatch(line []byte) (*fileBatch, error) {
	var b fileBatch
	if err := json.Unmarshal(line, &b); err != nil {
		return nil, err
	}
	if len(b.Events) == 0 {
		return nil, fmt.Errorf("batch has no events")
	}
	for i, e := range b.Events {
		if e == nil || e.EntityID == "" || e.Sequence <= 0 {
			return nil, fmt.Errorf("event %d is incomplete", i)
		}
	}
	return &b, nil
}

func (r *FileRepository) apply(b *fileBatch) {
	for _, e := range b.Events {
		if e.Sequence > r.seq {
			r.seq = e.Sequence
		}
	}
	if b.BatchID != "" {
		r.batches[b.BatchID] = struct{}{}
	}
	r.index.insert(b.Events)
}

// RecordEvents writes the batch as a single line; on a failed write the file is cut
// back to its previous length so no partial batch remains
func (r *FileRepository) RecordEvents(ctx context.Context, events ...*EntityAuditEvent) error {
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

	if r.file == nil {
		return &Error{Kind: KindStorage, Op: opRecordEvents, Msg: "repository is closed"}
	}
	if r.broken != nil {
		return &Error{Kind: KindStorage, Op: opRecordEvents, Msg: "audit log needs recovery", Err: r.broken}
	}

	id := batchID(events)
	if id != "" {
		if _, dup := r.batches[id]; dup {
			return nil
		}
	}
	if r.maxSize > 0 && r.index.Len()+int64(len(events)) > r.maxSize {
		return &Error{Kind: KindStorage, Op: opRecordEvents, Msg: "repository quota exceeded"}
	}

	stored := make([]*EntityAuditEvent, len(events))
	for i, e := range events {
		c := e.Clone()
		c.Sequence = r.seq + int64(i) + 1
		c.EventKey = EncodeEventKey(c.Timestamp, c.Sequence)
		stored[i] = c
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(fileBatch{BatchID: id, Events: stored}); err != nil {
		return storageError(opRecordEvents, fmt.Errorf("failed to encode batch: %w", err))
	}

	offset, err := r.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return storageError(opRecordEvents, err)
	}
	if err := r.write(buf.Bytes()); err != nil {
		if rbErr := r.rollback(offset); rbErr != nil {
			r.broken = rbErr
			return storageError(opRecordEvents, errors.Join(err, rbErr))
		}
		return storageError(opRecordEvents, err)
	}

	r.seq += int64(len(stored))
	if id != "" {
		r.batches[id] = struct{}{}
	}
	r.index.insert(stored)

	for i, e := range events {
		e.Sequence = stored[i].Sequence
		e.EventKey = stored[i].EventKey
	}
	return nil
}

// rollback cuts the log back to offset after a failed write
func (r *FileRepository) rollback(offset int64) error {
	if err := r.file.Truncate(offset); err != nil {
		return fmt.Errorf("failed to roll back audit log to offset %d: %w", offset, err)
	}
	if _, err := r.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek audit log to offset %d: %w", offset, err)
	}
	return nil
}

func (r *FileRepository) write(data []byte) error {
	if _, err := r.file.Write(data); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	if r.fsync {
		if err := r.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync audit log: %w", err)
		}
	}
	return nil
}

func (r *FileRepository) ListEvents(ctx context.Context, entityID, startKey string, n int) ([]*EntityAuditEvent, error) {
	return r.index.ListEvents(ctx, entityID, startKey, n)
}

func (r *FileRepository) ListEventsVersion(ctx context.Context, entityID string, version SchemaVersion, startKey string, n int) ([]*EntityAuditEvent, error) {
	return r.index.ListEventsVersion(ctx, entityID, version, startKey, n)
}

func (r *FileRepository) GetEntitiesWithTagChanges(ctx context.Context, from, to time.Time) ([]string, error) {
	return r.index.GetEntitiesWithTagChanges(ctx, from, to)
}

func (r *FileRepository) RepositoryMaxSize() int64 {
	return reportedMaxSize(r.maxSize)
}

func (r *FileRepository) GetAuditExcludeAttributes(entityType string) []string {
	return r.index.GetAuditExcludeAttributes(entityType)
}

// Close closes the log file
func (r *FileRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
