package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polisai/polis-shield/pkg/domain"
)

const (
	defaultKeyPrefix     = "shield:job:"
	defaultRedisRetries  = 5
	defaultTerminalTTL   = 24 * time.Hour
	defaultActiveJobsKey = "shield:jobs"
)

// RedisOptions configures RedisJobStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces job keys. Defaults to "shield:job:".
	KeyPrefix string
	// TerminalTTL is how long completed and failed jobs are kept.
	TerminalTTL time.Duration
}

// RedisJobStore keeps jobs as JSON documents in Redis. Updates use optimistic
// locking (WATCH/MULTI) so concurrent writers never lose each other's changes.
type RedisJobStore struct {
	rdb       *redis.Client
	prefix    string
	indexKey  string
	ttl       time.Duration
	maxRetry  int
	ownClient bool
}

// NewRedisJobStore connects to Redis and verifies the connection.
func NewRedisJobStore(ctx context.Context, opts RedisOptions) (*RedisJobStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	store := NewRedisJobStoreFromClient(rdb, opts)
	store.ownClient = true
	return store, nil
}

// NewRedisJobStoreFromClient wraps an existing client. Close leaves it open.
func NewRedisJobStoreFromClient(rdb *redis.Client, opts RedisOptions) *RedisJobStore {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	ttl := opts.TerminalTTL
	if ttl <= 0 {
		ttl = defaultTerminalTTL
	}
	indexKey := defaultActiveJobsKey
	if opts.KeyPrefix != "" {
		indexKey = prefix + "index"
	}
	return &RedisJobStore{
		rdb:      rdb,
		prefix:   prefix,
		indexKey: indexKey,
		ttl:      ttl,
		maxRetry: defaultRedisRetries,
	}
}

func (s *RedisJobStore) key(id string) string {
	return s.prefix + id
}

// Create stores job unless the id already exists.
func (s *RedisJobStore) Create(ctx context.Context, job domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, s.key(job.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrConflict)
	}
	if err := s.rdb.SAdd(ctx, s.indexKey, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	return nil
}

// Get loads a job.
func (s *RedisJobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, notFound(id)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	return decodeJob(data)
}

// Update runs fn inside a WATCH transaction, retrying when another writer
// touched the key first.
func (s *RedisJobStore) Update(ctx context.Context, id string, fn UpdateFunc) (domain.Job, error) {
	key := s.key(id)
	var updated domain.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(id)
		}
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		current, err := decodeJob(data)
		if err != nil {
			return err
		}
		next, err := applyUpdate(current, fn)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		ttl := time.Duration(0)
		if next.Status.IsTerminal() {
			ttl = s.ttl
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, ttl)
			if next.Status.IsTerminal() {
				pipe.SRem(ctx, s.indexKey, id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}

	for attempt := 0; attempt < s.maxRetry; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.Job{}, err
		}
		return updated, nil
	}
	return domain.Job{}, fmt.Errorf("job %s: update contended after %d attempts", id, s.maxRetry)
}

// Count returns the number of jobs that have not yet reached a terminal state.
// Terminal jobs expire through their TTL and are not counted.
func (s *RedisJobStore) Count(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, s.indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(n), nil
}

// Prune is a no-op; Redis expires terminal jobs by TTL.
func (s *RedisJobStore) Prune(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// Ping checks the connection.
func (s *RedisJobStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client when the store created it.
func (s *RedisJobStore) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.rdb.Close()
}

func decodeJob(data []byte) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, nil
}
