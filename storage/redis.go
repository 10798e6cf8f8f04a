package storage

import (
	"context"

	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type redisKV struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedis constructs a redis-backed store with its own connection.
func NewRedis(cfg Config) (KV, error) {
	if cfg.Redis == nil {
		return nil, ErrMissingRedisConfig
	}
	if cfg.Redis.Addr == "" {
		return nil, pkgerrors.Wrap(ErrMissingRedisConfig, "address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, pkgerrors.Wrap(err, "redis ping failed")
	}

	return &redisKV{
		client: client,
		prefix: namespaceOrDefault(cfg.Namespace) + ":",
		owned:  true,
	}, nil
}

// NewRedisWithClient wraps an existing client, which stays open after Close.
// Used when the same connection also carries change notifications.
func NewRedisWithClient(client *redis.Client, namespace string) KV {
	return &redisKV{
		client: client,
		prefix: namespaceOrDefault(namespace) + ":",
	}
}

func (s *redisKV) key(k string) string {
	return s.prefix + k
}

func (s *redisKV) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, pkgerrors.Wrap(err, "redis get")
	}
	return value, true, nil
}

func (s *redisKV) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return pkgerrors.Wrap(err, "redis set")
	}
	return nil
}

func (s *redisKV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return pkgerrors.Wrap(err, "redis del")
	}
	return nil
}

func (s *redisKV) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
