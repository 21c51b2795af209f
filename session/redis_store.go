package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/types"
)

const (
	sessionKeyPrefix = "session:"
	threadKeyPrefix  = "thread:"
)

// RedisStore is the distributed-mode store. Records are self-expiring
// keys, so a worker crash never strands affinity state: the TTL is the
// cleanup.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies reachability.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests and the
// router, which share one connection.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// PutSession implements Store.
func (s *RedisStore) PutSession(ctx context.Context, sess *types.Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	return s.client.Set(ctx, sessionKeyPrefix+sess.ID, data, ttl).Err()
}

// GetSession implements Store.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	var sess types.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// DeleteSession implements Store.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionKeyPrefix+sessionID).Err()
}

// PutThread implements Store.
func (s *RedisStore) PutThread(ctx context.Context, threadID, sessionID string, ttl time.Duration) error {
	return s.client.Set(ctx, threadKeyPrefix+threadID, sessionID, ttl).Err()
}

// GetThread implements Store.
func (s *RedisStore) GetThread(ctx context.Context, threadID string) (string, error) {
	sessionID, err := s.client.Get(ctx, threadKeyPrefix+threadID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get thread %s: %w", threadID, err)
	}
	return sessionID, nil
}

// DeleteThread implements Store.
func (s *RedisStore) DeleteThread(ctx context.Context, threadID string) error {
	return s.client.Del(ctx, threadKeyPrefix+threadID).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error { return s.client.Close() }

var _ Store = (*RedisStore)(nil)
