package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "oxbow:state:"

// Redis caches state entries in a shared key-value store, so multiple
// processes rehydrating the same instance can reuse one reconstruction.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing client. ttl 0 means entries never expire.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, workflowID string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+workflowID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("reading cache entry %q: %w", workflowID, err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is just a miss; the log is authoritative.
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (r *Redis) Set(ctx context.Context, workflowID string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry %q: %w", workflowID, err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+workflowID, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("writing cache entry %q: %w", workflowID, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, workflowID string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+workflowID).Err(); err != nil {
		return fmt.Errorf("deleting cache entry %q: %w", workflowID, err)
	}
	return nil
}
