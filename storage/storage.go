// Package storage provides the durable key-value boundary shared by every
// widget instance on a page. Values are opaque strings; typed interpretation
// happens in the layers above. The memory driver backs single-process use and
// tests, the redis driver backs multi-process sharing.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Driver identifiers supported by the storage layer.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// DefaultNamespace prefixes every key so unrelated applications can share the
// same backing store.
const DefaultNamespace = "fitsession"

var ErrMissingRedisConfig = errors.New("redis configuration missing")

// KV is a flat string store. Get reports absence through its second return;
// errors are reserved for transport failures.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config describes the high level store selection parameters.
type Config struct {
	Driver    string
	Namespace string
	Redis     *RedisConfig
}

// RedisConfig captures connection options.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// New creates a key-value store based on the provided configuration.
func New(cfg Config) (KV, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverRedis:
		return NewRedis(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

func namespaceOrDefault(ns string) string {
	if ns == "" {
		return DefaultNamespace
	}
	return ns
}
