package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisRepository stores audit events in Redis sorted sets.
//
// Layout (all keys under the configured prefix):
//
//	seq                     counter handing out sequence numbers
//	events:{entityID}       zset, score 0, member "<pos>|<event json>"
//	events-{ver}:{entityID} the same members, one zset per schema version
//	tags                    zset, score 0, member "<ts>:<entityID>" for tag-change events
//	batch:{batchID}         marker for recorded batch IDs
//
// <pos> is a fixed-width "<ts>:<seq>" so lexicographic order equals (timestamp, sequence)
// order and ZRANGEBYLEX can serve keyset pagination. A batch marker is written in the
// same MULTI/EXEC as the batch's events, under WATCH, so a marker is visible exactly
// when the events are.
type RedisRepository struct {
	client   *redis.Client
	prefix   string
	timeout  time.Duration
	maxSize  int64
	excludes *ExcludeAttributes
	ownsConn bool
}

// RedisConfig configures a RedisRepository
type RedisConfig struct {
	URL              string
	Password         string
	DB               int // < 0 keeps the database from the URL
	PoolSize         int
	KeyPrefix        string
	OperationTimeout time.Duration
	MaxSize          int64 // Reported quota hint; <= 0 means unbounded
	Excludes         *ExcludeAttributes
}

// NewRedisRepository connects to Redis and verifies the connection
func NewRedisRepository(ctx context.Context, cfg RedisConfig) (*RedisRepository, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB >= 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	r := NewRedisRepositoryWithClient(client, cfg)
	r.ownsConn = true
	return r, nil
}

// NewRedisRepositoryWithClient wraps an existing client
func NewRedisRepositoryWithClient(client *redis.Client, cfg RedisConfig) *RedisRepository {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisRepository{
		client:   client,
		prefix:   prefix,
		timeout:  cfg.OperationTimeout,
		maxSize:  cfg.MaxSize,
		excludes: cfg.Excludes,
	}
}

// Client exposes the redis client for health checks
func (r *RedisRepository) Client() *redis.Client {
	return r.client
}

func (r *RedisRepository) key(parts ...string) string {
	return r.prefix + strings.Join(parts, ":")
}

// lexNanos renders a timestamp as 20 digits ordered like the signed value
func lexNanos(ts time.Time) string {
	return fmt.Sprintf("%020d", uint64(ts.UnixNano())^(1<<63))
}

func lexPosition(ts time.Time, seq int64) string {
	return lexNanos(ts) + ":" + fmt.Sprintf("%020d", uint64(seq))
}

// maxBatchAttempts bounds the optimistic retries of a batch whose marker key changed
const maxBatchAttempts = 5

// errBatchRecorded stops a batch transaction whose ID is already stored
var errBatchRecorded = errors.New("batch already recorded")

// RecordEvents reserves sequence numbers, then writes the batch in one MULTI/EXEC.
// With a batch ID the marker is watched, checked and set inside that transaction and
// the write is retried when a concurrent writer touched the marker first.
func (r *RedisRepository) RecordEvents(ctx context.Context, events ...*EntityAuditEvent) error {
	if err := prepareBatch(events); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	last, err := r.client.IncrBy(ctx, r.key("seq"), int64(len(events))).Result()
	if err != nil {
		return storageError(opRecordEvents, fmt.Errorf("failed to reserve sequence: %w", err))
	}
	first := last - int64(len(events)) + 1

	stored := make([]*EntityAuditEvent, len(events))
	members := make([]string, len(events))
	for i, e := range events {
		c := e.Clone()
		c.Sequence = first + int64(i)
		c.EventKey = EncodeEventKey(c.Timestamp, c.Sequence)
		data, err := json.Marshal(c)
		if err != nil {
			return storageError(opRecordEvents, fmt.Errorf("failed to encode audit event: %w", err))
		}
		stored[i] = c
		members[i] = lexPosition(c.Timestamp, c.Sequence) + "|" + string(data)
	}

	id := batchID(events)
	var watched []string
	if id != "" {
		watched = append(watched, r.key("batch", id))
	}

	write := func(tx *redis.Tx) error {
		if id != "" {
			n, err := tx.Exists(ctx, watched[0]).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return errBatchRecorded
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if id != "" {
				pipe.Set(ctx, watched[0], time.Now().UTC().Format(time.RFC3339), 0)
			}
			for i, c := range stored {
				member := &redis.Z{Score: 0, Member: members[i]}
				pipe.ZAdd(ctx, r.key("events", c.EntityID), member)
				pipe.ZAdd(ctx, r.versionKey(c.Version, c.EntityID), member)
				if c.Action.IsTagChange() {
					pipe.ZAdd(ctx, r.key("tags"), &redis.Z{Score: 0, Member: lexNanos(c.Timestamp) + ":" + c.EntityID})
				}
			}
			return nil
		})
		return err
	}

	for attempt := 1; ; attempt++ {
		err = r.client.Watch(ctx, write, watched...)
		if errors.Is(err, errBatchRecorded) {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) && attempt < maxBatchAttempts {
			continue
		}
		if err != nil {
			return storageError(opRecordEvents, fmt.Errorf("failed to write audit batch: %w", err))
		}
		break
	}

	for i, e := range events {
		e.Sequence = stored[i].Sequence
		e.EventKey = stored[i].EventKey
	}
	return nil
}

func (r *RedisRepository) versionKey(v SchemaVersion, entityID string) string {
	return r.key("events-"+string(v), entityID)
}

// ListEvents reads the entity's sorted set from just past the cursor
func (r *RedisRepository) ListEvents(ctx context.Context, entityID, startKey string, n int) ([]*EntityAuditEvent, error) {
	return r.list(ctx, r.key("events", entityID), entityID, startKey, n)
}

// ListEventsVersion reads the entity's per-version sorted set
func (r *RedisRepository) ListEventsVersion(ctx context.Context, entityID string, version SchemaVersion, startKey string, n int) ([]*EntityAuditEvent, error) {
	if err := validateVersion(version); err != nil {
		return nil, err
	}
	return r.list(ctx, r.versionKey(version, entityID), entityID, startKey, n)
}

func (r *RedisRepository) list(ctx context.Context, key, entityID, startKey string, n int) ([]*EntityAuditEvent, error) {
	n, cursor, err := validateList(entityID, startKey, n)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	lower := "-"
	if cursor != nil {
		// every member after the cursor sorts at or above the next sequence at the same instant
		lower = "[" + lexPosition(cursor.Timestamp, cursor.Sequence+1)
	}

	members, err := r.client.ZRangeByLex(ctx, key, &redis.ZRangeBy{
		Min:   lower,
		Max:   "+",
		Count: int64(n),
	}).Result()
	if err != nil {
		return nil, storageError(opListEvents, fmt.Errorf("failed to list audit events: %w", err))
	}

	events := make([]*EntityAuditEvent, 0, len(members))
	for _, m := range members {
		_, data, ok := strings.Cut(m, "|")
		if !ok {
			return nil, storageError(opListEvents, fmt.Errorf("malformed audit member %q", m))
		}
		e, err := FromJSON([]byte(data))
		if err != nil {
			return nil, storageError(opListEvents, fmt.Errorf("failed to decode audit event: %w", err))
		}
		events = append(events, e)
	}
	return events, nil
}

// GetEntitiesWithTagChanges scans the tag index between the two instants
func (r *RedisRepository) GetEntitiesWithTagChanges(ctx context.Context, from, to time.Time) ([]string, error) {
	if err := validateRange(from, to); err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	// ';' sorts right after ':' so the upper bound covers every entity at instant `to`
	members, err := r.client.ZRangeByLex(ctx, r.key("tags"), &redis.ZRangeBy{
		Min: "[" + lexNanos(from) + ":",
		Max: "(" + lexNanos(to) + ";",
	}).Result()
	if err != nil {
		return nil, storageError(opTagChanges, fmt.Errorf("failed to query tag changes: %w", err))
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		_, id, ok := strings.Cut(m, ":")
		if ok {
			ids = append(ids, id)
		}
	}
	return uniqueSorted(ids), nil
}

func (r *RedisRepository) RepositoryMaxSize() int64 {
	return reportedMaxSize(r.maxSize)
}

func (r *RedisRepository) GetAuditExcludeAttributes(entityType string) []string {
	return r.excludes.For(entityType)
}

// Close closes the client if the repository created it
func (r *RedisRepository) Close() error {
	if !r.ownsConn {
		return nil
	}
	return r.client.Close()
}
