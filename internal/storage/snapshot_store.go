package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is a serialized cache value and the time it was computed
type Snapshot struct {
	Data     []byte
	StoredAt time.Time
}

// RedisSnapshotStore keeps cache snapshots in Redis hashes so a restarted process can warm up.
// Keys expire after ttl; zero keeps them forever.
type RedisSnapshotStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSnapshotStore creates a snapshot store under prefix
func NewRedisSnapshotStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSnapshotStore {
	if prefix == "" {
		prefix = "registry:snapshot:"
	}
	return &RedisSnapshotStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisSnapshotStore) Save(ctx context.Context, key string, snap Snapshot) error {
	k := s.prefix + key
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, k, "data", snap.Data, "stored_at", snap.StoredAt.UTC().Format(time.RFC3339Nano))
	if s.ttl > 0 {
		pipe.Expire(ctx, k, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", key, err)
	}
	return nil
}

func (s *RedisSnapshotStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", key, err)
	}
	return nil
}

// LoadAll returns every stored snapshot keyed without the prefix
func (s *RedisSnapshotStore) LoadAll(ctx context.Context) (map[string]Snapshot, error) {
	out := make(map[string]Snapshot)

	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		fields, err := s.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot %s: %w", k, err)
		}
		storedAt, err := time.Parse(time.RFC3339Nano, fields["stored_at"])
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(k, s.prefix)] = Snapshot{Data: []byte(fields["data"]), StoredAt: storedAt}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan snapshots: %w", err)
	}
	return out, nil
}
