package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a JSON key-value cache on top of Redis. Collections are stored
// whole under one key and mutated read-modify-write, so writes to the same key
// are serialized through a per-key mutex.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore builds a store. A zero ttl keeps values until removed.
func NewStore(client *redis.Client, prefix string, ttl time.Duration) *Store {
	return &Store{client: client, prefix: prefix, ttl: ttl, locks: make(map[string]*sync.Mutex)}
}

// Get decodes the value stored at key into dest. The boolean is false when
// the key is missing.
func (s *Store) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("platform/cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("platform/cache: decode %s: %w", key, err)
	}
	return true, nil
}

// Set replaces the value at key.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()
	return s.write(ctx, key, value)
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("platform/cache: remove %s: %w", key, err)
	}
	return nil
}

// Update runs a read-modify-write cycle on key while holding its write lock.
// fn receives the current value (zero when missing); returning an error
// aborts the write.
func Update[T any](ctx context.Context, s *Store, key string, fn func(*T) error) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	var current T
	if _, err := s.Get(ctx, key, &current); err != nil {
		return err
	}
	if err := fn(&current); err != nil {
		return err
	}
	return s.write(ctx, key, current)
}

func (s *Store) write(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("platform/cache: encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.key(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("platform/cache: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}
