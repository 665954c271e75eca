// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

// Package cache provides the decision cache, a key-value store whose entries
// expire after a time-to-live.
package cache

import (
	"context"
	"time"
)

// DefaultTTL is the lifetime of a cached decision.
const DefaultTTL = 5 * time.Minute

// Cache is a store of values which expire after a ttl. Entries are replaced
// wholesale by Put and the last writer wins. Implementations must be safe for
// concurrent use.
type Cache[V any] interface {
	Maintainer

	// Get returns the value of a key. ok is false if the key is missing or expired.
	Get(ctx context.Context, key string) (v V, ok bool, err error)

	// Put stores a value under a key until ttl elapses.
	Put(ctx context.Context, key string, v V, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error
}

// Maintainer exposes the value-agnostic operations of a cache.
type Maintainer interface {
	// Len returns the number of stored entries, which may include expired
	// entries not yet swept.
	Len(ctx context.Context) (int, error)

	// Clear removes all entries.
	Clear(ctx context.Context) error
}
