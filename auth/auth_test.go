// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

package auth

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moscer/moscer/cache"
	"github.com/moscer/moscer/system"
	"github.com/moscer/moscer/webhook"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

// authority is a scripted Authority which counts its calls.
type authority struct {
	mu         sync.Mutex
	endpoints  map[webhook.Endpoint]bool
	token      func(cid string, ts int64) (string, error)
	grant      func(ep webhook.Endpoint, cid, topic string) (webhook.Grant, error)
	tokens     atomic.Int64
	grants     atomic.Int64
	timestamps []int64
	block      chan struct{}
}

func (a *authority) Configured(ep webhook.Endpoint) bool {
	return a.endpoints[ep]
}

func (a *authority) Token(_ context.Context, cid string, ts int64) (string, error) {
	a.tokens.Add(1)
	a.mu.Lock()
	a.timestamps = append(a.timestamps, ts)
	a.mu.Unlock()
	if a.block != nil {
		<-a.block
	}
	return a.token(cid, ts)
}

func (a *authority) Grant(_ context.Context, ep webhook.Endpoint, cid, topic string, _ int64) (webhook.Grant, error) {
	a.grants.Add(1)
	if a.block != nil {
		<-a.block
	}
	return a.grant(ep, cid, topic)
}

// issuer returns a token function which signs with the client's password.
func issuer(passwords map[string]string) func(string, int64) (string, error) {
	return func(cid string, ts int64) (string, error) {
		return Digest(cid, ts, passwords[cid]), nil
	}
}

// clock is a manually advanced clock.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *clock {
	return &clock{t: time.UnixMilli(1700000000000)}
}

func newOptions(t *testing.T, a Authority, clk *clock) Options {
	t.Helper()
	sigs := cache.NewMemory[Signature](&cache.MemoryOptions{SweepInterval: -1, Clock: clk.Now})
	pps := cache.NewMemory[Passport](&cache.MemoryOptions{SweepInterval: -1, Clock: clk.Now})
	t.Cleanup(sigs.Close)
	t.Cleanup(pps.Close)

	return Options{
		Authority:  a,
		Signatures: sigs,
		Passports:  pps,
		Log:        logger,
		Stats:      system.NewStats(),
		Clock:      clk.Now,
	}
}

func TestDigest(t *testing.T) {
	require.Equal(t, "b292465624daddeddffd45af544d9e95", Digest("a", 1, "b"))
	require.Equal(t, "19a3009a7964d7f9d55ad0825a75e02b", Digest("alice", 1700000000000, "secret"))
}

func TestDigestSensitivity(t *testing.T) {
	d := Digest("alice", 1000, "secret")
	require.NotEqual(t, d, Digest("alicf", 1000, "secret"))
	require.NotEqual(t, d, Digest("alice", 1001, "secret"))
	require.NotEqual(t, d, Digest("alice", 1000, "secres"))
}

func TestKeys(t *testing.T) {
	require.Equal(t, "authentication:alice", SignatureKey("alice"))
	require.Equal(t, "authorization:pub:alice:a/b", PassportKey(Publish, "alice", "a/b"))
	require.Equal(t, "authorization:sub:alice:a/#", PassportKey(Subscribe, "alice", "a/#"))
}

func TestSignatureVerify(t *testing.T) {
	sig := Signature{Timestamp: 42, Token: Digest("alice", 42, "secret")}
	require.True(t, sig.Verify("alice", "secret"))
	require.False(t, sig.Verify("alice", "wrong"))
	require.False(t, sig.Verify("bob", "secret"))
	require.False(t, Signature{Timestamp: 42}.Verify("alice", "secret"))
	require.False(t, Signature{Timestamp: 43, Token: sig.Token}.Verify("alice", "secret"))
}

func TestPassportAllows(t *testing.T) {
	yes, no := true, false
	tt := []struct {
		desc string
		pp   Passport
		pub  bool
		sub  bool
	}{
		{desc: "empty", pp: Passport{}},
		{desc: "basic true", pp: Passport{Mode: ModeBasic, Value: &yes}, pub: true, sub: true},
		{desc: "basic false", pp: Passport{Mode: ModeBasic, Value: &no}},
		{desc: "basic nil", pp: Passport{Mode: ModeBasic}},
		{desc: "other mode true", pp: Passport{Mode: "advanced", Value: &yes}, sub: true},
		{desc: "no mode true", pp: Passport{Value: &yes}, sub: true},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			require.Equal(t, tx.pub, tx.pp.AllowsPublish())
			require.Equal(t, tx.sub, tx.pp.AllowsSubscribe())
			require.Equal(t, tx.pub, tx.pp.Allows(Publish))
			require.Equal(t, tx.sub, tx.pp.Allows(Subscribe))
		})
	}
}
