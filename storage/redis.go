package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/room4-2/livelink/messages"
)

const defaultTTL = 24 * time.Hour

// RedisStore keeps each session's turns in a Redis list, one JSON turn
// per element, under "<prefix>:<sessionID>".
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type RedisOption func(*RedisStore)

// WithTTL sets how long a context survives its last append. Zero keeps
// it forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, ttl: defaultTTL, prefix: "context"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, turns ...messages.Content) error {
	if sessionID == "" {
		return ErrInvalidID
	}
	if len(turns) == 0 {
		return nil
	}

	values := make([]any, 0, len(turns))
	for _, turn := range turns {
		data, err := sonic.Marshal(turn)
		if err != nil {
			return fmt.Errorf("marshal context turn: %w", err)
		}
		values = append(values, data)
	}

	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append context: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) ([]messages.Content, error) {
	if sessionID == "" {
		return nil, ErrInvalidID
	}
	raw, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load context: %w", err)
	}

	turns := make([]messages.Content, 0, len(raw))
	for i, item := range raw {
		var turn messages.Content
		if err := sonic.UnmarshalString(item, &turn); err != nil {
			return nil, fmt.Errorf("context turn %d: %w", i, err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis delete context: %w", err)
	}
	return nil
}
