// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

// RedisSource is a Source reading a Redis pub/sub channel.
type RedisSource struct {
	db  redis.UniversalClient
	log *slog.Logger
}

// NewRedisSource returns a new Redis source. The source owns db and closes it
// on Close.
func NewRedisSource(db redis.UniversalClient, log *slog.Logger) *RedisSource {
	if log == nil {
		log = slog.Default()
	}

	return &RedisSource{
		db:  db,
		log: log,
	}
}

// Listen subscribes to channel and calls fn with each message until ctx is done.
func (s *RedisSource) Listen(ctx context.Context, channel string, fn func([]byte)) error {
	sub := s.db.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	s.log.Info("listener is ready", "channel", channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			fn([]byte(m.Payload))
		}
	}
}

// Close closes the Redis connection.
func (s *RedisSource) Close() error {
	return s.db.Close()
}
