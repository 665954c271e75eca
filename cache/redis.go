// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
)

// defaultPrefix is a prefix to better identify keys created by moscer.
const defaultPrefix = "moscer:"

// scanCount is the number of keys requested per SCAN iteration.
const scanCount = 256

// Redis is a Cache stored in a Redis service, which lets several broker
// instances share decisions. Values are stored as JSON and expire with the
// native Redis key ttl.
type Redis[V any] struct {
	db     redis.UniversalClient
	prefix string
}

// NewRedis returns a cache storing keys under prefix in db. The same db may
// back several caches with different prefixes.
func NewRedis[V any](db redis.UniversalClient, prefix string) *Redis[V] {
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &Redis[V]{
		db:     db,
		prefix: prefix,
	}
}

// key returns a prefixed redis key.
func (c *Redis[V]) key(s string) string {
	return c.prefix + s
}

// Get returns the value of a key if it exists and has not expired.
func (c *Redis[V]) Get(ctx context.Context, key string) (v V, ok bool, err error) {
	b, err := c.db.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	} else if err != nil {
		return v, false, fmt.Errorf("failed to get %s: %w", key, err)
	}

	if err := json.Unmarshal(b, &v); err != nil {
		return v, false, fmt.Errorf("failed to decode %s: %w", key, err)
	}

	return v, true, nil
}

// Put stores a value under a key until ttl elapses.
func (c *Redis[V]) Put(ctx context.Context, key string, v V, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	return c.db.Set(ctx, c.key(key), b, ttl).Err()
}

// Delete removes a key.
func (c *Redis[V]) Delete(ctx context.Context, key string) error {
	return c.db.Del(ctx, c.key(key)).Err()
}

// Len returns the number of keys under the cache prefix.
func (c *Redis[V]) Len(ctx context.Context) (int, error) {
	keys, err := c.scan(ctx)
	return len(keys), err
}

// Clear removes all keys under the cache prefix.
func (c *Redis[V]) Clear(ctx context.Context) error {
	keys, err := c.scan(ctx)
	if err != nil {
		return err
	}

	for len(keys) > 0 {
		n := min(len(keys), scanCount)
		if err := c.db.Del(ctx, keys[:n]...).Err(); err != nil {
			return fmt.Errorf("failed to clear keys: %w", err)
		}
		keys = keys[n:]
	}

	return nil
}

// scan returns all keys under the cache prefix.
func (c *Redis[V]) scan(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.db.Scan(ctx, 0, c.prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return keys, nil
}
