package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/netlist-sim/distsim/sim"
)

// DefaultTTL is how long Redis keeps a snapshot when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// RedisStore keeps snapshots in Redis as sonic-encoded JSON values.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the Redis server at url (redis://...) and checks
// it answers. A non-positive ttl selects DefaultTTL.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (r *RedisStore) Save(ctx context.Context, s Snapshot) error {
	data, err := encodeSnapshot(s)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key(s.JobID, s.WorkerID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, job sim.JobID, worker sim.WorkerID) (Snapshot, error) {
	data, err := r.client.Get(ctx, key(job, worker)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, fmt.Errorf("job %s worker %s: %w", job, worker, ErrNotFound)
		}
		return Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// encodeSnapshot and decodeSnapshot define the stored value format.
func encodeSnapshot(s Snapshot) ([]byte, error) {
	data, err := sonic.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := sonic.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}
