// Package outputcache implements the State Manager's external output cache
// (statemanager.OutputCache) on top of Redis, so completed-step outputs
// survive a process restart independently of the durable backend.
package outputcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/orchkit/pkg/orchestration"
)

// Config configures the Redis connection and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL is how long a step's cached output survives in Redis. Zero means
	// no expiry, relying entirely on eviction policy.
	TTL time.Duration
}

// Redis implements statemanager.OutputCache. Put writes step outputs into a
// per-execution hash keyed by step id, so GetAllOutputs is a single HGETALL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a Redis output cache. It does not ping the server; a
// misconfigured address surfaces on first use, not at construction, since
// the cache is a best-effort collaborator the State Manager already
// tolerates being unavailable.
func New(cfg Config) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl: cfg.TTL,
	}
}

// Close releases the underlying Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func key(executionID string) string {
	return fmt.Sprintf("orchkit:outputs:%s", executionID)
}

// Put stores a step's cached output, refreshing the execution's TTL. It is
// the write side of the cache; the State Manager only reads.
func (r *Redis) Put(ctx context.Context, executionID, stepID string, output orchestration.CachedOutput) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal cached output for step %s: %w", stepID, err)
	}

	k := key(executionID)
	if err := r.client.HSet(ctx, k, stepID, data).Err(); err != nil {
		return fmt.Errorf("hset cached output for step %s: %w", stepID, err)
	}
	if r.ttl > 0 {
		if err := r.client.Expire(ctx, k, r.ttl).Err(); err != nil {
			return fmt.Errorf("refresh ttl for execution %s: %w", executionID, err)
		}
	}
	return nil
}

// GetAllOutputs satisfies statemanager.OutputCache: it returns every cached
// step output for executionID, or an empty map if none exist.
func (r *Redis) GetAllOutputs(ctx context.Context, executionID string) (map[string]orchestration.CachedOutput, error) {
	raw, err := r.client.HGetAll(ctx, key(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall outputs for execution %s: %w", executionID, err)
	}

	outputs := make(map[string]orchestration.CachedOutput, len(raw))
	for stepID, data := range raw {
		var out orchestration.CachedOutput
		if err := json.Unmarshal([]byte(data), &out); err != nil {
			return nil, fmt.Errorf("unmarshal cached output for step %s: %w", stepID, err)
		}
		outputs[stepID] = out
	}
	return outputs, nil
}

// Delete removes every cached output for executionID. With TTL disabled,
// an execution's entries stay in Redis until Delete is called.
func (r *Redis) Delete(ctx context.Context, executionID string) error {
	if err := r.client.Del(ctx, key(executionID)).Err(); err != nil {
		return fmt.Errorf("delete outputs for execution %s: %w", executionID, err)
	}
	return nil
}
