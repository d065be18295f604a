package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ThreadStore keeps the remote thread id of each chat session.
type ThreadStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewThreadStore(rdb *redis.Client, ttl time.Duration) *ThreadStore {
	return &ThreadStore{redis: rdb, ttl: ttl}
}

func (s *ThreadStore) key(session string) string {
	return keyPrefix + "thread:" + session
}

func (s *ThreadStore) Get(ctx context.Context, session string) (string, bool, error) {
	v, err := s.redis.Get(ctx, s.key(session)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get thread: %w", err)
	}
	return v, v != "", nil
}

func (s *ThreadStore) Put(ctx context.Context, session, threadID string) error {
	if err := s.redis.Set(ctx, s.key(session), threadID, s.ttl).Err(); err != nil {
		return fmt.Errorf("put thread: %w", err)
	}
	return nil
}

func (s *ThreadStore) Clear(ctx context.Context, session string) error {
	if err := s.redis.Del(ctx, s.key(session)).Err(); err != nil {
		return fmt.Errorf("clear thread: %w", err)
	}
	return nil
}
