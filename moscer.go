// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

// Package moscer is an access control and event gateway for an MQTT broker.
// It decides whether clients may connect, publish and subscribe, reports
// client events to hook endpoints, and bridges an external channel into the
// broker.
package moscer

import (
	"context"
	"log/slog"
)

// Handler receives the broker events the gateway acts on. Decisions are
// returned synchronously; the remaining events are fire-and-forget and must
// return promptly.
type Handler interface {
	Authenticate(ctx context.Context, username, password string) bool
	AuthorizePublish(ctx context.Context, identity, topic string, payload []byte) bool
	AuthorizeSubscribe(ctx context.Context, identity, topic string) bool
	ClientConnected(identity string)
	ClientDisconnecting(identity string)
	ClientDisconnected(identity string)
	Published(identity, topic string, payload []byte)
}

// Publisher publishes messages into the broker. It is satisfied by
// *mqtt.Server with an inline client.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool, qos byte) error
}

// Authenticator decides whether a client may connect.
type Authenticator interface {
	Authenticate(ctx context.Context, identity, credential string) bool
}

// Authorizer decides whether a client may publish or subscribe to a topic.
type Authorizer interface {
	AuthorizePublish(ctx context.Context, identity, topic string, payload []byte) bool
	AuthorizeSubscribe(ctx context.Context, identity, topic string) bool
}

// Notifier reports client lifecycle events.
type Notifier interface {
	Connected(identity string)
	Disconnecting(identity string)
	Disconnected(identity string)
}

// Forwarder reports published messages.
type Forwarder interface {
	Published(identity, topic string, payload []byte)
}

// Options contains the components of a Gate. A nil decision component
// permits everything, and a nil event component ignores its events.
type Options struct {
	Authenticator Authenticator
	Authorizer    Authorizer
	Notifier      Notifier
	Forwarder     Forwarder
	Log           *slog.Logger
}

// Gate is a Handler composed of the gateway components.
type Gate struct {
	opts Options
}

// New returns a new Gate.
func New(opts Options) *Gate {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	return &Gate{
		opts: opts,
	}
}

// Authenticate returns true if the client may connect.
func (g *Gate) Authenticate(ctx context.Context, username, password string) bool {
	if g.opts.Authenticator == nil {
		return true
	}

	return g.opts.Authenticator.Authenticate(ctx, username, password)
}

// AuthorizePublish returns true if the client may publish to topic.
func (g *Gate) AuthorizePublish(ctx context.Context, identity, topic string, payload []byte) bool {
	if g.opts.Authorizer == nil {
		return true
	}

	ok := g.opts.Authorizer.AuthorizePublish(ctx, identity, topic, payload)
	if !ok {
		g.opts.Log.Info("publish rejected", "identity", identity, "topic", topic)
	}

	return ok
}

// AuthorizeSubscribe returns true if the client may subscribe to topic.
func (g *Gate) AuthorizeSubscribe(ctx context.Context, identity, topic string) bool {
	if g.opts.Authorizer == nil {
		return true
	}

	ok := g.opts.Authorizer.AuthorizeSubscribe(ctx, identity, topic)
	if !ok {
		g.opts.Log.Info("subscribe rejected", "identity", identity, "topic", topic)
	}

	return ok
}

// ClientConnected reports an established session.
func (g *Gate) ClientConnected(identity string) {
	if g.opts.Notifier != nil {
		g.opts.Notifier.Connected(identity)
	}
}

// ClientDisconnecting reports a client about to disconnect.
func (g *Gate) ClientDisconnecting(identity string) {
	if g.opts.Notifier != nil {
		g.opts.Notifier.Disconnecting(identity)
	}
}

// ClientDisconnected reports a disconnected client.
func (g *Gate) ClientDisconnected(identity string) {
	if g.opts.Notifier != nil {
		g.opts.Notifier.Disconnected(identity)
	}
}

// Published reports a message published by a client.
func (g *Gate) Published(identity, topic string, payload []byte) {
	if g.opts.Forwarder != nil {
		g.opts.Forwarder.Published(identity, topic, payload)
	}
}
