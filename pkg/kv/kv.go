// Package kv wraps the shared Redis cache used for search results, stream
// links, debrid tokens and cross-process locks.
package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StoreOptions are the options for the Store.
type StoreOptions struct {
	// Host and port, for example "localhost:6379"
	Addr     string
	Password string
	DB       int
}

// NewStoreOpts creates StoreOptions.
func NewStoreOpts(addr, password string, db int) StoreOptions {
	return StoreOptions{
		Addr:     addr,
		Password: password,
		DB:       db,
	}
}

// DefaultStoreOpts are StoreOptions for a local unauthenticated Redis.
var DefaultStoreOpts = StoreOptions{
	Addr: "localhost:6379",
}

// Store is a thin typed layer over a Redis connection.
type Store struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewStore connects to Redis and pings it once to fail fast on bad config.
func NewStore(opts StoreOptions, logger *zap.Logger) (*Store, error) {
	// Precondition check
	if opts.Addr == "" {
		return nil, errors.New("opts.Addr must not be empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Couldn't ping Redis: %v", err)
	}

	return &Store{
		rdb:    rdb,
		logger: logger,
	}, nil
}

// Get returns the raw value for a key. The second return value is false
// when the key doesn't exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("Couldn't get value from Redis: %v", err)
	}
	return val, true, nil
}

// GetJSON unmarshals the value for a key into target.
func (s *Store) GetJSON(ctx context.Context, key string, target interface{}) (bool, error) {
	val, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal([]byte(val), target); err != nil {
		return true, fmt.Errorf("Couldn't unmarshal cached value: %v", err)
	}
	return true, nil
}

// Set writes a value with a TTL. A zero TTL means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("Couldn't set value in Redis: %v", err)
	}
	return nil
}

// SetJSON marshals a value and writes it with a TTL.
func (s *Store) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("Couldn't marshal value: %v", err)
	}
	return s.Set(ctx, key, string(raw), ttl)
}

// Delete removes keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("Couldn't delete keys from Redis: %v", err)
	}
	return nil
}

// Exists reports whether a key exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("Couldn't check key in Redis: %v", err)
	}
	return n > 0, nil
}

// TTL returns the remaining TTL of a key. Keys without expiry report a
// negative duration, like Redis itself does.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("Couldn't get TTL from Redis: %v", err)
	}
	return ttl, nil
}

// Expire sets a new TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("Couldn't set TTL in Redis: %v", err)
	}
	return nil
}

// Lock takes a best-effort distributed lock via SETNX. It returns false
// when another process holds the lock.
func (s *Store) Lock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, "lock:"+name, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("Couldn't take lock: %v", err)
	}
	return ok, nil
}

// Unlock releases a lock taken with Lock.
func (s *Store) Unlock(ctx context.Context, name string) error {
	return s.Delete(ctx, "lock:"+name)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// GenerateKey builds a cache key from a prefix and a digest over the parts.
// The digest keeps keys short and uniform regardless of title lengths.
func GenerateKey(prefix string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return prefix + ":" + hex.EncodeToString(sum[:])[:16]
}
