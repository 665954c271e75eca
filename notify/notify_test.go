// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moscer/moscer/pool"
	"github.com/moscer/moscer/system"
	"github.com/moscer/moscer/webhook"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

var fixedTime = time.UnixMilli(1700000000000)

type event struct {
	endpoint webhook.Endpoint
	cid      string
	arg      string
	data     string
	ts       int64
}

// sender records events and optionally fails them.
type sender struct {
	mu        sync.Mutex
	endpoints map[webhook.Endpoint]bool
	events    []event
	err       error
}

func newSender(eps ...webhook.Endpoint) *sender {
	s := &sender{endpoints: make(map[webhook.Endpoint]bool)}
	for _, ep := range eps {
		s.endpoints[ep] = true
	}
	return s
}

func (s *sender) record(e event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *sender) Events() []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event(nil), s.events...)
}

func (s *sender) Configured(ep webhook.Endpoint) bool { return s.endpoints[ep] }

func (s *sender) ClientState(_ context.Context, cid, state string, ts int64) error {
	return s.record(event{endpoint: webhook.ClientState, cid: cid, arg: state, ts: ts})
}

func (s *sender) ClientData(_ context.Context, cid, key string, data []byte, ts int64) error {
	return s.record(event{endpoint: webhook.ClientData, cid: cid, arg: key, data: string(data), ts: ts})
}

func (s *sender) Message(_ context.Context, cid, topic string, payload []byte, ts int64) error {
	return s.record(event{endpoint: webhook.Message, cid: cid, arg: topic, data: string(payload), ts: ts})
}

// fullQueue never accepts a task.
type fullQueue struct{}

func (fullQueue) TryEnqueue(string, func()) bool { return false }

func newOpts(s Sender) Options {
	return Options{
		Sender: s,
		Log:    logger,
		Stats:  system.NewStats(),
		Clock:  func() time.Time { return fixedTime },
	}
}

func TestNotifierStates(t *testing.T) {
	s := newSender(webhook.ClientState)
	n := NewNotifier(newOpts(s))

	n.Connected("alice")
	n.Disconnecting("alice")
	n.Disconnected("alice")

	require.Equal(t, []event{
		{endpoint: webhook.ClientState, cid: "alice", arg: StateOnline, ts: fixedTime.UnixMilli()},
		{endpoint: webhook.ClientState, cid: "alice", arg: StateOffline, ts: fixedTime.UnixMilli()},
	}, s.Events())
}

func TestNotifierNotConfigured(t *testing.T) {
	s := newSender(webhook.Message)
	n := NewNotifier(newOpts(s))
	n.Connected("alice")
	n.Disconnected("alice")
	require.Empty(t, s.Events())

	n = NewNotifier(Options{Log: logger})
	n.Connected("alice")
}

func TestNotifierEmptyIdentity(t *testing.T) {
	s := newSender(webhook.ClientState)
	n := NewNotifier(newOpts(s))
	n.Connected("")
	n.Disconnected("")
	require.Empty(t, s.Events())
}

func TestNotifierFailureSwallowed(t *testing.T) {
	s := newSender(webhook.ClientState)
	s.err = errors.New("test")
	n := NewNotifier(newOpts(s))
	n.Connected("alice")
	require.Len(t, s.Events(), 1)
}

func TestNotifierDropped(t *testing.T) {
	s := newSender(webhook.ClientState)
	opts := newOpts(s)
	opts.Pool = fullQueue{}
	n := NewNotifier(opts)

	n.Connected("alice")
	n.Disconnected("alice")
	require.Empty(t, s.Events())

	mfs, err := opts.Stats.Registry.Gather()
	require.NoError(t, err)
	var dropped float64
	for _, mf := range mfs {
		if mf.GetName() == "moscer_notifications_dropped_total" {
			dropped = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	require.Equal(t, float64(2), dropped)
}

func TestNotifierPool(t *testing.T) {
	s := newSender(webhook.ClientState)
	p := pool.New(2, 8)
	opts := newOpts(s)
	opts.Pool = p
	n := NewNotifier(opts)

	n.Connected("alice")
	n.Disconnected("alice")
	p.Close()
	p.Wait()

	events := s.Events()
	require.Len(t, events, 2)
	require.Equal(t, StateOnline, events[0].arg)
	require.Equal(t, StateOffline, events[1].arg)
}

func TestForwarderMessage(t *testing.T) {
	s := newSender(webhook.Message, webhook.ClientData)
	f := NewForwarder(newOpts(s))

	f.Published("alice", "a/b", []byte("hello"))
	require.Equal(t, []event{
		{endpoint: webhook.Message, cid: "alice", arg: "a/b", data: "hello", ts: fixedTime.UnixMilli()},
	}, s.Events())
}

func TestForwarderDataAndMessage(t *testing.T) {
	s := newSender(webhook.Message, webhook.ClientData)
	f := NewForwarder(newOpts(s))

	f.Published("alice", "DAT/alice/room/temp ", []byte(`21`))
	require.Equal(t, []event{
		{endpoint: webhook.ClientData, cid: "alice", arg: "room/temp", data: "21", ts: fixedTime.UnixMilli()},
		{endpoint: webhook.Message, cid: "alice", arg: "DAT/alice/room/temp ", data: "21", ts: fixedTime.UnixMilli()},
	}, s.Events())
}

func TestForwarderDataOnly(t *testing.T) {
	s := newSender(webhook.ClientData)
	f := NewForwarder(newOpts(s))

	f.Published("alice", "DAT/alice/x", []byte("1"))
	f.Published("alice", "DAT/bob/x", []byte("2"))
	f.Published("alice", "LOT/alice/x", []byte("3"))
	f.Published("alice", "DAT/alice", []byte("4"))

	require.Equal(t, []event{
		{endpoint: webhook.ClientData, cid: "alice", arg: "x", data: "1", ts: fixedTime.UnixMilli()},
		{endpoint: webhook.ClientData, cid: "alice", arg: "", data: "4", ts: fixedTime.UnixMilli()},
	}, s.Events())
}

func TestForwarderEmptyIdentity(t *testing.T) {
	s := newSender(webhook.Message, webhook.ClientData)
	f := NewForwarder(newOpts(s))
	f.Published("", "DAT//x", []byte("1"))
	require.Empty(t, s.Events())
}

func TestForwarderNotConfigured(t *testing.T) {
	s := newSender()
	f := NewForwarder(newOpts(s))
	f.Published("alice", "DAT/alice/x", []byte("1"))
	require.Empty(t, s.Events())
}

func TestForwarderCopiesPayload(t *testing.T) {
	s := newSender(webhook.Message)
	p := pool.New(1, 8)
	opts := newOpts(s)
	opts.Pool = p
	f := NewForwarder(opts)

	block := make(chan struct{})
	require.True(t, p.TryEnqueue("alice", func() { <-block }))

	payload := []byte("hello")
	f.Published("alice", "a/b", payload)
	copy(payload, "world")
	close(block)

	p.Close()
	p.Wait()
	require.Equal(t, "hello", s.Events()[0].data)
}

func TestForwarderWebhook(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	hc := webhook.New(webhook.Options{
		Endpoints: webhook.Endpoints{
			ClientState: srv.URL + "/state",
			ClientData:  srv.URL + "/data",
			Message:     srv.URL + "/message",
		},
		Log: logger,
	})

	p := pool.New(4, 16)
	opts := newOpts(hc)
	opts.Pool = p
	n, f := NewNotifier(opts), NewForwarder(opts)

	n.Connected("alice")
	f.Published("alice", "DAT/alice/k", []byte("v"))
	n.Disconnected("alice")
	p.Close()
	p.Wait()

	require.Equal(t, []string{"/state", "/data", "/message", "/state"}, paths)
}
