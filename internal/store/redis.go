package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	_ DataStore = (*PostgresStore)(nil)
	_ DataStore = (*SQLiteStore)(nil)
)

const participantsTTL = 30 * time.Second

// RedisStore holds the shared Redis client used for rate limiting and for
// caching channel participant lists, which every agent service reads once
// per delivered message.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client returns the underlying client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// participantsKey returns the key for a channel's cached participant list.
func participantsKey(channelID uuid.UUID) string {
	return fmt.Sprintf("channel:%s:participants", channelID)
}

// GetParticipants returns the cached participant list. ok is false on a
// cache miss.
func (s *RedisStore) GetParticipants(ctx context.Context, channelID uuid.UUID) (ids []uuid.UUID, ok bool, err error) {
	data, err := s.client.Get(ctx, participantsKey(channelID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, false, nil
	}
	return ids, true, nil
}

// SetParticipants caches a participant list.
func (s *RedisStore) SetParticipants(ctx context.Context, channelID uuid.UUID, ids []uuid.UUID) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, participantsKey(channelID), data, participantsTTL).Err()
}

// InvalidateParticipants drops a cached participant list.
func (s *RedisStore) InvalidateParticipants(ctx context.Context, channelID uuid.UUID) error {
	return s.client.Del(ctx, participantsKey(channelID)).Err()
}
