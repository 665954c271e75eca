// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
)

// defaultSweepInterval is the default interval between sweeps of expired entries.
const defaultSweepInterval = time.Minute

// entry is an immutable cached value.
type entry[V any] struct {
	value   V
	expires time.Time
}

// MemoryOptions contains configuration settings for an in-memory cache.
type MemoryOptions struct {
	SweepInterval time.Duration    // interval between sweeps of expired entries, negative disables
	Clock         func() time.Time // the current time, time.Now if nil
}

// Memory is a process-local Cache backed by a lock-free hash map. Expired
// entries are never returned, and are removed by a periodic sweep.
type Memory[V any] struct {
	m    *haxmap.Map[string, *entry[V]]
	now  func() time.Time
	done chan struct{}
	end  sync.Once
}

// NewMemory returns a new in-memory cache. Close should be called to stop
// the sweeper once the cache is no longer needed.
func NewMemory[V any](opts *MemoryOptions) *Memory[V] {
	if opts == nil {
		opts = new(MemoryOptions)
	}

	c := &Memory[V]{
		m:    haxmap.New[string, *entry[V]](),
		now:  opts.Clock,
		done: make(chan struct{}),
	}

	if c.now == nil {
		c.now = time.Now
	}

	interval := opts.SweepInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}

	if interval > 0 {
		go c.sweeper(interval)
	}

	return c
}

// Get returns the value of a key if it exists and has not expired.
func (c *Memory[V]) Get(_ context.Context, key string) (v V, ok bool, err error) {
	e, ok := c.m.Get(key)
	if !ok || !c.now().Before(e.expires) {
		return v, false, nil
	}

	return e.value, true, nil
}

// Put stores a value under a key until ttl elapses.
func (c *Memory[V]) Put(_ context.Context, key string, v V, ttl time.Duration) error {
	c.m.Set(key, &entry[V]{
		value:   v,
		expires: c.now().Add(ttl),
	})
	return nil
}

// Delete removes a key.
func (c *Memory[V]) Delete(_ context.Context, key string) error {
	c.m.Del(key)
	return nil
}

// Len returns the number of stored entries.
func (c *Memory[V]) Len(_ context.Context) (int, error) {
	return int(c.m.Len()), nil
}

// Clear removes all entries.
func (c *Memory[V]) Clear(_ context.Context) error {
	if keys := c.keys(func(*entry[V]) bool { return true }); len(keys) > 0 {
		c.m.Del(keys...)
	}
	return nil
}

// Sweep removes expired entries and returns the number removed.
func (c *Memory[V]) Sweep() int {
	now := c.now()
	expired := c.keys(func(e *entry[V]) bool {
		return !now.Before(e.expires)
	})

	n := 0
	for _, k := range expired {
		// the entry may have been replaced since it was collected.
		if e, ok := c.m.Get(k); ok && !now.Before(e.expires) {
			c.m.Del(k)
			n++
		}
	}

	return n
}

// Close stops the sweeper.
func (c *Memory[V]) Close() {
	c.end.Do(func() {
		close(c.done)
	})
}

// keys returns the keys of all entries matching fn.
func (c *Memory[V]) keys(fn func(*entry[V]) bool) []string {
	var keys []string
	c.m.ForEach(func(k string, e *entry[V]) bool {
		if fn(e) {
			keys = append(keys, k)
		}
		return true
	})
	return keys
}

// sweeper periodically removes expired entries until the cache is closed.
func (c *Memory[V]) sweeper(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.Sweep()
		}
	}
}
