package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each namespace in a redis hash keyed by hashed subject, so
// several gateway instances can share one cache.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedisStore connects to url (redis://...) and checks the connection.
func OpenRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	if url == "" {
		return nil, errors.New("cache: redis store needs a url")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis unavailable: %w", err)
	}
	return NewRedisStore(client), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: fmt.Sprintf("humanify:v%d:cache:", SchemaVersion),
	}
}

func (s *RedisStore) key(namespace string) string {
	return s.prefix + namespace
}

func (s *RedisStore) Entries(ctx context.Context, namespace string) ([]Entry, error) {
	raw, err := s.client.HGetAll(ctx, s.key(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: redis hgetall: %w", err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, v := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *RedisStore) Append(ctx context.Context, namespace string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	if err := s.client.HSet(ctx, s.key(namespace), e.HashedSubject, data).Err(); err != nil {
		return fmt.Errorf("cache: redis hset: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, namespace string, hashedSubjects ...string) error {
	if len(hashedSubjects) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key(namespace), hashedSubjects...).Err(); err != nil {
		return fmt.Errorf("cache: redis hdel: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
