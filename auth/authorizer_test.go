// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moscer/moscer/cache"
	"github.com/moscer/moscer/webhook"
)

func grantOf(mode string, value bool) webhook.Grant {
	return webhook.Grant{Mode: mode, Value: &value}
}

func newACLAuthority(g webhook.Grant) *authority {
	return &authority{
		endpoints: map[webhook.Endpoint]bool{
			webhook.AuthPublish:   true,
			webhook.AuthSubscribe: true,
		},
		grant: func(webhook.Endpoint, string, string) (webhook.Grant, error) {
			return g, nil
		},
	}
}

func TestAuthorizeOpenMode(t *testing.T) {
	a := NewAuthorizer(newOptions(t, nil, newClock()))
	require.True(t, a.AuthorizePublish(context.Background(), "alice", "a/b", nil))
	require.True(t, a.AuthorizeSubscribe(context.Background(), "alice", "a/b"))

	au := newACLAuthority(grantOf(ModeBasic, false))
	au.endpoints = map[webhook.Endpoint]bool{webhook.AuthPublish: true}
	a = NewAuthorizer(newOptions(t, au, newClock()))
	require.False(t, a.AuthorizePublish(context.Background(), "alice", "a/b", nil))
	require.True(t, a.AuthorizeSubscribe(context.Background(), "alice", "a/b"))
	require.Equal(t, int64(1), au.grants.Load())
}

func TestAuthorizeInvalid(t *testing.T) {
	au := newACLAuthority(grantOf(ModeBasic, true))
	a := NewAuthorizer(newOptions(t, au, newClock()))
	require.False(t, a.AuthorizePublish(context.Background(), "", "a/b", nil))
	require.False(t, a.AuthorizeSubscribe(context.Background(), "alice", ""))
	require.Equal(t, int64(0), au.grants.Load())
}

func TestAuthorizeSentinel(t *testing.T) {
	au := newACLAuthority(grantOf(ModeBasic, false))
	opts := newOptions(t, au, newClock())
	opts.Debug = true
	a := NewAuthorizer(opts)
	require.True(t, a.AuthorizePublish(context.Background(), "000000dev", "a/b", nil))
	require.True(t, a.AuthorizeSubscribe(context.Background(), "000000dev", "a/b"))
	require.Equal(t, int64(0), au.grants.Load())

	a = NewAuthorizer(newOptions(t, au, newClock()))
	require.False(t, a.AuthorizePublish(context.Background(), "000000dev", "a/b", nil))
	require.False(t, a.AuthorizeSubscribe(context.Background(), "000000dev", "a/b"))
	require.Equal(t, int64(2), au.grants.Load())
}

func TestAuthorizeOwnership(t *testing.T) {
	au := newACLAuthority(grantOf(ModeBasic, false))
	au.grant = func(webhook.Endpoint, string, string) (webhook.Grant, error) {
		return webhook.Grant{}, webhook.ErrUnexpectedStatus
	}
	a := NewAuthorizer(newOptions(t, au, newClock()))

	require.True(t, a.AuthorizePublish(context.Background(), "alice", "DAT/alice/x", nil))
	require.True(t, a.AuthorizeSubscribe(context.Background(), "alice", "DAT/alice/x"))
	require.True(t, a.AuthorizePublish(context.Background(), "alice", "LOT/alice/y", nil))
	require.True(t, a.AuthorizeSubscribe(context.Background(), "alice", "LOT/alice"))
	require.Equal(t, int64(0), au.grants.Load())

	require.False(t, a.AuthorizePublish(context.Background(), "alice", "DAT/bob/x", nil))
	require.False(t, a.AuthorizeSubscribe(context.Background(), "alice", "XYZ/alice/x"))
	require.False(t, a.AuthorizeSubscribe(context.Background(), "alice", "DAT"))
	require.Equal(t, int64(3), au.grants.Load())
}

func TestAuthorizePublishModes(t *testing.T) {
	tt := []struct {
		desc  string
		grant webhook.Grant
		want  bool
	}{
		{desc: "basic true", grant: grantOf(ModeBasic, true), want: true},
		{desc: "basic false", grant: grantOf(ModeBasic, false)},
		{desc: "default mode true", grant: grantOf("", true), want: true},
		{desc: "other mode true", grant: grantOf("advanced", true)},
		{desc: "no value", grant: webhook.Grant{Mode: ModeBasic}},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			a := NewAuthorizer(newOptions(t, newACLAuthority(tx.grant), newClock()))
			require.Equal(t, tx.want, a.AuthorizePublish(context.Background(), "alice", "a/b", []byte("x")))
			// and again from cache
			require.Equal(t, tx.want, a.AuthorizePublish(context.Background(), "alice", "a/b", []byte("x")))
		})
	}
}

func TestAuthorizeSubscribeIgnoresMode(t *testing.T) {
	a := NewAuthorizer(newOptions(t, newACLAuthority(grantOf("advanced", true)), newClock()))
	require.True(t, a.AuthorizeSubscribe(context.Background(), "alice", "a/b"))
	require.True(t, a.AuthorizeSubscribe(context.Background(), "alice", "a/b"))
}

func TestAuthorizeCachesDefaultMode(t *testing.T) {
	au := newACLAuthority(webhook.Grant{})
	opts := newOptions(t, au, newClock())
	a := NewAuthorizer(opts)

	require.False(t, a.AuthorizeSubscribe(context.Background(), "alice", "a/b"))
	pp, ok, err := opts.Passports.Get(context.Background(), PassportKey(Subscribe, "alice", "a/b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ModeBasic, pp.Mode)
	require.Nil(t, pp.Value)
}

func TestAuthorizeIdempotent(t *testing.T) {
	au := newACLAuthority(grantOf(ModeBasic, true))
	clk := newClock()
	opts := newOptions(t, au, clk)
	a := NewAuthorizer(opts)

	for i := 0; i < 5; i++ {
		require.True(t, a.AuthorizePublish(context.Background(), "alice", "a/b", nil))
		clk.Advance(time.Second)
	}
	require.Equal(t, int64(1), au.grants.Load())
}

func TestAuthorizeDirectionsCachedSeparately(t *testing.T) {
	au := newACLAuthority(grantOf(ModeBasic, true))
	a := NewAuthorizer(newOptions(t, au, newClock()))

	require.True(t, a.AuthorizePublish(context.Background(), "alice", "a/b", nil))
	require.True(t, a.AuthorizeSubscribe(context.Background(), "alice", "a/b"))
	require.True(t, a.AuthorizeSubscribe(context.Background(), "bob", "a/b"))
	require.True(t, a.AuthorizeSubscribe(context.Background(), "bob", "a/c"))
	require.Equal(t, int64(4), au.grants.Load())
}

func TestAuthorizeExpiry(t *testing.T) {
	au := newACLAuthority(grantOf(ModeBasic, true))
	clk := newClock()
	a := NewAuthorizer(newOptions(t, au, clk))

	require.True(t, a.AuthorizeSubscribe(context.Background(), "alice", "a/b"))
	clk.Advance(cache.DefaultTTL)
	require.True(t, a.AuthorizeSubscribe(context.Background(), "alice", "a/b"))
	require.Equal(t, int64(2), au.grants.Load())
}

func TestAuthorizeFailureNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	au := newACLAuthority(grantOf(ModeBasic, true))
	au.grant = func(webhook.Endpoint, string, string) (webhook.Grant, error) {
		if fail.Load() {
			return webhook.Grant{}, webhook.ErrUnexpectedStatus
		}
		return grantOf(ModeBasic, true), nil
	}
	opts := newOptions(t, au, newClock())
	a := NewAuthorizer(opts)

	require.False(t, a.AuthorizePublish(context.Background(), "alice", "a/b", nil))
	n, err := opts.Passports.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)

	fail.Store(false)
	require.True(t, a.AuthorizePublish(context.Background(), "alice", "a/b", nil))
	require.Equal(t, int64(2), au.grants.Load())
}

func TestAuthorizeCacheUnavailable(t *testing.T) {
	au := newACLAuthority(grantOf(ModeBasic, true))
	opts := newOptions(t, au, newClock())
	opts.Passports = brokenCache[Passport]{}
	a := NewAuthorizer(opts)

	require.True(t, a.AuthorizeSubscribe(context.Background(), "alice", "a/b"))
	require.True(t, a.AuthorizeSubscribe(context.Background(), "alice", "a/b"))
	require.Equal(t, int64(2), au.grants.Load())
}

func TestAuthorizeWebhook(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/pub" {
			_, _ = w.Write([]byte(`{"mode":"basic","value":true}`))
			return
		}
		if r.PostForm.Get("topic") == "private/x" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"value":"true"}`))
	}))
	t.Cleanup(srv.Close)

	hc := webhook.New(webhook.Options{
		Endpoints: webhook.Endpoints{AuthPublish: srv.URL + "/pub", AuthSubscribe: srv.URL + "/sub"},
		Log:       logger,
	})
	a := NewAuthorizer(newOptions(t, hc, newClock()))

	require.True(t, a.AuthorizePublish(context.Background(), "alice", "a/b", nil))
	require.True(t, a.AuthorizeSubscribe(context.Background(), "alice", "a/b"))
	require.False(t, a.AuthorizeSubscribe(context.Background(), "alice", "private/x"))
	require.True(t, a.AuthorizeSubscribe(context.Background(), "alice", "a/b"))
	require.Equal(t, int64(3), calls.Load())
}
