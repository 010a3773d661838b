package session

import (
	"context"
	"encoding/json"
	"github.com/go-redis/redis/v8"
	"moff.io/moff-connect/pkg/errors"
	"time"
)

const defaultKeyPrefix = "moff_connect:session:"

// RedisStore keeps one JSON record per session key.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisStore stores records under prefix+key. A zero ttl keeps them forever.
func NewRedisStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Load(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapAndReport(err, "get session from redis")
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errors.WrapAndReport(err, "unmarshal session record")
	}
	if r.ProviderID == "" {
		return nil, nil
	}
	return &r, nil
}

func (s *RedisStore) Save(ctx context.Context, key string, r Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal session record")
	}
	err = s.client.Set(ctx, s.redisKey(key), raw, s.ttl).Err()
	return errors.WrapAndReport(err, "set session to redis")
}

func (s *RedisStore) Clear(ctx context.Context, key string) error {
	err := s.client.Del(ctx, s.redisKey(key)).Err()
	return errors.WrapAndReport(err, "delete session from redis")
}
