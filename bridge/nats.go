// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

const natsBuffer = 64

// NATSSource is a Source reading a NATS subject.
type NATSSource struct {
	nc  *nats.Conn
	log *slog.Logger
}

// NewNATSSource returns a new NATS source. The source owns nc and drains it
// on Close.
func NewNATSSource(nc *nats.Conn, log *slog.Logger) *NATSSource {
	if log == nil {
		log = slog.Default()
	}

	return &NATSSource{
		nc:  nc,
		log: log,
	}
}

// Listen subscribes to the channel subject and calls fn with each message
// until ctx is done.
func (s *NATSSource) Listen(ctx context.Context, channel string, fn func([]byte)) error {
	ch := make(chan *nats.Msg, natsBuffer)
	sub, err := s.nc.ChanSubscribe(channel, ch)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && s.nc.IsConnected() {
			s.log.Warn("failed to unsubscribe", "channel", channel, "error", err)
		}
	}()

	if err := s.nc.Flush(); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	s.log.Info("listener is ready", "channel", channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-ch:
			fn(m.Data)
		}
	}
}

// Close drains and closes the NATS connection.
func (s *NATSSource) Close() error {
	if s.nc.IsClosed() {
		return nil
	}
	return s.nc.Drain()
}
