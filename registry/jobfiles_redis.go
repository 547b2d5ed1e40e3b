package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisJobFiles is the multi-process variant of the job-file registry. Redis
// enforces the TTL natively, so expiry needs no lazy check on read.
type RedisJobFiles struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisJobFiles creates a registry on the given client. Keys are stored
// under "<prefix><jobID>".
func NewRedisJobFiles(rdb *redis.Client, prefix string) *RedisJobFiles {
	if prefix == "" {
		prefix = "docflow:jobfile:"
	}
	return &RedisJobFiles{rdb: rdb, prefix: prefix}
}

func (r *RedisJobFiles) key(jobID string) string { return r.prefix + jobID }

// Set stores the entry with the registry TTL.
func (r *RedisJobFiles) Set(ctx context.Context, jobID string, entry *JobFileEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("registry: marshal entry: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key(jobID), b, TTL).Err(); err != nil {
		return fmt.Errorf("registry: redis set: %w", err)
	}
	return nil
}

// Get returns the entry, or (nil, nil) when absent or expired.
func (r *RedisJobFiles) Get(ctx context.Context, jobID string) (*JobFileEntry, error) {
	b, err := r.rdb.Get(ctx, r.key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: redis get: %w", err)
	}
	var entry JobFileEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, fmt.Errorf("registry: unmarshal entry: %w", err)
	}
	return &entry, nil
}

// Delete removes the entry; missing keys are a no-op.
func (r *RedisJobFiles) Delete(ctx context.Context, jobID string) error {
	if err := r.rdb.Del(ctx, r.key(jobID)).Err(); err != nil {
		return fmt.Errorf("registry: redis del: %w", err)
	}
	return nil
}
