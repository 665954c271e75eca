// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

// Package bridge republishes messages received on an external pub/sub channel
// into the broker.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/moscer/moscer"
	"github.com/moscer/moscer/system"
)

// DefaultChannel is the default name of the bridged channel.
const DefaultChannel = "mq:listener"

var (
	// ErrInvalidMessage indicates a channel message was not a JSON object with a string topic.
	ErrInvalidMessage = errors.New("invalid bridge message")

	// ErrEmptyTopic indicates a channel message had no topic.
	ErrEmptyTopic = errors.New("bridge message has no topic")
)

// Message is a message to be published into the broker.
type Message struct {
	Topic   string
	Payload []byte
}

// Decode parses a channel message of the form {"topic": "...", "payload": ...}.
// A string payload is published as its text and any other JSON value as its
// encoding. A missing or null payload is empty.
func Decode(b []byte) (Message, error) {
	var v struct {
		Topic   json.RawMessage `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}

	if err := json.Unmarshal(b, &v); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var msg Message
	if len(v.Topic) > 0 {
		if err := json.Unmarshal(v.Topic, &msg.Topic); err != nil {
			return Message{}, fmt.Errorf("%w: topic: %v", ErrInvalidMessage, err)
		}
	}

	if msg.Topic == "" {
		return Message{}, ErrEmptyTopic
	}

	payload := bytes.TrimSpace(v.Payload)
	switch {
	case len(payload) == 0, bytes.Equal(payload, []byte("null")):
	case payload[0] == '"':
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return Message{}, fmt.Errorf("%w: payload: %v", ErrInvalidMessage, err)
		}
		msg.Payload = []byte(s)
	default:
		msg.Payload = bytes.Clone(payload)
	}

	return msg, nil
}

// Source delivers the messages of a pub/sub channel.
type Source interface {
	// Listen calls fn with each message of channel until ctx is done.
	Listen(ctx context.Context, channel string, fn func([]byte)) error

	// Close releases the source's connection.
	Close() error
}

// Options contains configuration settings for the bridge listener.
type Options struct {
	Source    Source
	Channel   string // the bridged channel, DefaultChannel if empty
	Publisher moscer.Publisher
	Log       *slog.Logger
	Stats     *system.Stats
}

// Listener publishes the messages of one channel into the broker.
type Listener struct {
	opts Options
}

// New returns a new bridge listener.
func New(opts Options) *Listener {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}

	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	if opts.Stats == nil {
		opts.Stats = system.NewStats()
	}

	return &Listener{
		opts: opts,
	}
}

// Channel returns the name of the bridged channel.
func (l *Listener) Channel() string {
	return l.opts.Channel
}

// Serve bridges the channel until ctx is done.
func (l *Listener) Serve(ctx context.Context) error {
	l.opts.Log.Info("bridge listening", "channel", l.opts.Channel)
	return l.opts.Source.Listen(ctx, l.opts.Channel, func(b []byte) {
		l.Handle(b)
	})
}

// Handle decodes a channel message and publishes it. Messages which cannot be
// decoded or published are discarded. It returns true if the message was
// published.
func (l *Listener) Handle(b []byte) bool {
	msg, err := Decode(b)
	if err != nil {
		l.opts.Stats.Bridged(system.Rejected)
		l.opts.Log.Warn("discarded bridge message", "channel", l.opts.Channel, "error", err)
		return false
	}

	if err := l.opts.Publisher.Publish(msg.Topic, msg.Payload, false, 0); err != nil {
		l.opts.Stats.Bridged(system.Failed)
		l.opts.Log.Error("failed to publish bridge message", "topic", msg.Topic, "error", err)
		return false
	}

	l.opts.Stats.Bridged(system.Accepted)
	l.opts.Log.Info("bridged message", "topic", msg.Topic, "size", len(msg.Payload))
	return true
}

// Close closes the source.
func (l *Listener) Close() error {
	return l.opts.Source.Close()
}
