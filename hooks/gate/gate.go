// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

// Package gate is a broker hook which puts a moscer.Handler in front of
// client connections, publishes and subscriptions.
package gate

import (
	"bytes"
	"context"
	"errors"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/moscer/moscer"
)

// ErrNoHandler indicates the hook was initialised without a handler.
var ErrNoHandler = errors.New("gate hook requires a handler")

// Options contains configuration settings for the gate hook.
type Options struct {
	Handler moscer.Handler
}

// session is the gate state of a connected client.
type session struct {
	identity string
	pending  map[string]int // subscription filters awaiting an acl check
}

// Hook binds client identities on authentication and passes broker events
// to the handler.
type Hook struct {
	mqtt.HookBase
	handler  moscer.Handler
	mu       sync.RWMutex
	sessions map[*mqtt.Client]*session
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "moscer-gate"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnSubscribe,
		mqtt.OnSubscribed,
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnPublished,
	}, []byte{b})
}

// Init configures the hook with the handler to be used.
func (h *Hook) Init(config any) error {
	opts, ok := config.(*Options)
	if !ok {
		return mqtt.ErrInvalidConfigType
	}

	if opts == nil || opts.Handler == nil {
		return ErrNoHandler
	}

	h.handler = opts.Handler
	h.sessions = make(map[*mqtt.Client]*session)

	return nil
}

// Identity returns the identity bound to a client.
func (h *Hook) Identity(cl *mqtt.Client) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[cl]
	if !ok {
		return "", false
	}
	return s.identity, true
}

// bind records an established client under its identity and returns the
// identity bound. An existing binding is never reassigned.
func (h *Hook) bind(cl *mqtt.Client, identity string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[cl]; ok {
		return s.identity
	}

	h.sessions[cl] = &session{
		identity: identity,
		pending:  make(map[string]int),
	}
	return identity
}

// release forgets a client and returns its identity.
func (h *Hook) release(cl *mqtt.Client) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[cl]
	if !ok {
		return "", false
	}

	delete(h.sessions, cl)
	return s.identity, true
}

// take consumes a pending subscription filter of a client and returns true if
// there was one.
func (h *Hook) take(cl *mqtt.Client, filter string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[cl]
	if !ok || s.pending[filter] == 0 {
		return false
	}

	if s.pending[filter]--; s.pending[filter] == 0 {
		delete(s.pending, filter)
	}

	return true
}

// OnConnectAuthenticate returns true if the handler accepts the client's
// credentials.
func (h *Hook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	username := string(pk.Connect.Username)
	if !h.handler.Authenticate(context.Background(), username, string(pk.Connect.Password)) {
		h.Log.Info("client failed authentication check",
			"username", username,
			"remote", cl.Net.Remote)
		return false
	}

	return true
}

// OnSubscribe marks the filters of a subscribe packet, so the acl checks which
// follow are treated as subscription checks rather than delivery checks.
func (h *Hook) OnSubscribe(cl *mqtt.Client, pk packets.Packet) packets.Packet {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[cl]; ok {
		s.pending = make(map[string]int, len(pk.Filters))
		for _, sub := range pk.Filters {
			s.pending[sub.Filter]++
		}
	}

	return pk
}

// OnSubscribed drops filters of the subscribe packet which were never checked,
// such as invalid filters.
func (h *Hook) OnSubscribed(cl *mqtt.Client, _ packets.Packet, _ []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[cl]; ok && len(s.pending) > 0 {
		s.pending = make(map[string]int)
	}
}

// OnACLCheck returns true if the client may publish (write) or subscribe to a
// topic. Deliveries to existing subscriptions were authorized on subscribe
// and are always allowed.
func (h *Hook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	identity, _ := h.Identity(cl)

	var ok bool
	switch {
	case write:
		ok = h.handler.AuthorizePublish(context.Background(), identity, topic, nil)
	case h.take(cl, topic):
		ok = h.handler.AuthorizeSubscribe(context.Background(), identity, topic)
	default:
		return true
	}

	if !ok {
		h.Log.Debug("client failed acl check",
			"client", cl.ID,
			"identity", identity,
			"topic", topic,
			"write", write)
	}

	return ok
}

// OnSessionEstablished binds the authenticated username as the client's
// identity and reports the connected client. Every established session ends
// with OnDisconnect, which releases the identity.
func (h *Hook) OnSessionEstablished(cl *mqtt.Client, _ packets.Packet) {
	identity := h.bind(cl, string(cl.Properties.Username))
	h.handler.ClientConnected(identity)
}

// OnDisconnect reports a disconnecting client and releases its identity.
func (h *Hook) OnDisconnect(cl *mqtt.Client, err error, _ bool) {
	identity, ok := h.Identity(cl)
	if !ok {
		return
	}

	h.handler.ClientDisconnecting(identity)
	h.release(cl)

	if err != nil {
		h.Log.Debug("client disconnected with error", "identity", identity, "error", err)
	}

	h.handler.ClientDisconnected(identity)
}

// OnPublished reports a message published by a client. Messages from the
// inline client are not reported.
func (h *Hook) OnPublished(cl *mqtt.Client, pk packets.Packet) {
	if cl.Net.Inline {
		return
	}

	identity, ok := h.Identity(cl)
	if !ok {
		return
	}

	h.handler.Published(identity, pk.TopicName, pk.Payload)
}
