package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "callstream:job:"

// RedisStore keeps records in Redis with a per-key expiry so that every
// instance behind a load balancer can answer status queries.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. The client is owned by the caller.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Put serializes rec and stores it with the configured ttl.
func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode job record: %w", err)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+rec.JobID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store job record %s: %w", rec.JobID, err)
	}
	return nil
}

// Get loads a record or returns ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job record %s: %w", jobID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode job record %s: %w", jobID, err)
	}
	return &rec, nil
}

// Close is a no-op; the shared client is closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}
