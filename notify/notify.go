// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

// Package notify sends best-effort client lifecycle and message events to
// the hook endpoints. Events are queued on a worker pool and their results
// are only logged.
package notify

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/moscer/moscer/system"
	"github.com/moscer/moscer/topics"
	"github.com/moscer/moscer/webhook"
)

// Client states sent to the client-state endpoint.
const (
	StateOnline  = "online"
	StateOffline = "offline"
)

// Sender delivers events to the hook endpoints. It is satisfied by
// *webhook.Client.
type Sender interface {
	Configured(ep webhook.Endpoint) bool
	ClientState(ctx context.Context, cid, state string, ts int64) error
	ClientData(ctx context.Context, cid, key string, data []byte, ts int64) error
	Message(ctx context.Context, cid, topic string, payload []byte, ts int64) error
}

// Queue runs tasks in the background. It is satisfied by *pool.FanPool.
type Queue interface {
	TryEnqueue(key string, task func()) bool
}

// Options contains configuration settings for the notifier and forwarder.
type Options struct {
	Sender Sender // nil disables all events
	Pool   Queue  // tasks run inline if nil
	Log    *slog.Logger
	Stats  *system.Stats
	Clock  func() time.Time
}

// dispatcher queues event deliveries.
type dispatcher struct {
	opts Options
}

func newDispatcher(opts Options) dispatcher {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	if opts.Stats == nil {
		opts.Stats = system.NewStats()
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return dispatcher{opts: opts}
}

// configured returns true if events for ep can be delivered.
func (d dispatcher) configured(ep webhook.Endpoint) bool {
	return d.opts.Sender != nil && d.opts.Sender.Configured(ep)
}

// now returns the current time in milliseconds.
func (d dispatcher) now() int64 {
	return d.opts.Clock().UnixMilli()
}

// submit queues a delivery to ep. Deliveries for the same identity run in
// order. A delivery which cannot be queued is dropped.
func (d dispatcher) submit(ep webhook.Endpoint, identity string, fn func(ctx context.Context) error) {
	task := func() {
		if err := fn(context.Background()); err != nil {
			d.opts.Log.Warn("notification failed", "endpoint", ep, "identity", identity, "error", err)
			return
		}
		d.opts.Log.Debug("notification sent", "endpoint", ep, "identity", identity)
	}

	if d.opts.Pool == nil {
		task()
		return
	}

	if !d.opts.Pool.TryEnqueue(identity, task) {
		d.opts.Stats.NotificationDropped()
		d.opts.Log.Warn("notification dropped", "endpoint", ep, "identity", identity)
	}
}

// Notifier sends client lifecycle events.
type Notifier struct {
	dispatcher
}

// NewNotifier returns a new lifecycle notifier.
func NewNotifier(opts Options) *Notifier {
	return &Notifier{newDispatcher(opts)}
}

// Connected reports that a client is online.
func (n *Notifier) Connected(identity string) {
	n.opts.Log.Info("client connected", "identity", identity)
	n.state(identity, StateOnline)
}

// Disconnecting logs that a client is about to go offline.
func (n *Notifier) Disconnecting(identity string) {
	n.opts.Log.Info("client disconnecting", "identity", identity)
}

// Disconnected reports that a client is offline.
func (n *Notifier) Disconnected(identity string) {
	n.opts.Log.Info("client disconnected", "identity", identity)
	n.state(identity, StateOffline)
}

func (n *Notifier) state(identity, state string) {
	if identity == "" || !n.configured(webhook.ClientState) {
		return
	}

	ts := n.now()
	n.submit(webhook.ClientState, identity, func(ctx context.Context) error {
		return n.opts.Sender.ClientState(ctx, identity, state, ts)
	})
}

// Forwarder sends published messages.
type Forwarder struct {
	dispatcher
}

// NewForwarder returns a new message forwarder.
func NewForwarder(opts Options) *Forwarder {
	return &Forwarder{newDispatcher(opts)}
}

// Published forwards a message published by identity. A message on the
// identity's own data topic is also sent as a keyed data update.
func (f *Forwarder) Published(identity, topic string, payload []byte) {
	if identity == "" {
		return
	}

	f.opts.Log.Debug("message published", "identity", identity, "topic", topic, "size", len(payload))

	data := f.configured(webhook.ClientData)
	msg := f.configured(webhook.Message)
	if !data && !msg {
		return
	}

	ts := f.now()
	payload = bytes.Clone(payload)

	if key, ok := topics.DataKey(topic, identity); ok && data {
		f.submit(webhook.ClientData, identity, func(ctx context.Context) error {
			return f.opts.Sender.ClientData(ctx, identity, key, payload, ts)
		})
	}

	if msg {
		f.submit(webhook.Message, identity, func(ctx context.Context) error {
			return f.opts.Sender.Message(ctx, identity, topic, payload, ts)
		})
	}
}
