// Package redisstore provides a portal.Storage backed by Redis, for portal
// front ends that keep the session outside the process.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	portal "github.com/chimerakang/portal-go"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces session keys.
const DefaultPrefix = "portal:session"

// Storage implements portal.Storage on a Redis client. Entries carry no TTL;
// the session lifecycle is owned by the session store.
type Storage struct {
	redis  *redis.Client
	prefix string
}

// compile-time check
var _ portal.Storage = (*Storage)(nil)

// Option configures the Storage.
type Option func(*Storage)

// WithPrefix sets the key prefix. Default: DefaultPrefix.
func WithPrefix(p string) Option {
	return func(s *Storage) { s.prefix = p }
}

// New creates a Redis-backed storage.
func New(client *redis.Client, opts ...Option) *Storage {
	s := &Storage{redis: client, prefix: DefaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Storage) key(k string) string {
	return fmt.Sprintf("%s:%s", s.prefix, k)
}

func (s *Storage) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.redis.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("portal/redisstore: get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Storage) Set(ctx context.Context, key, value string) error {
	if err := s.redis.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("portal/redisstore: set %s: %w", key, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("portal/redisstore: delete %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *Storage) Close() error {
	return s.redis.Close()
}
