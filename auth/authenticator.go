// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

package auth

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/moscer/moscer/system"
	"github.com/moscer/moscer/webhook"
)

// Authenticator verifies client credentials against digest tokens issued by
// the authority.
type Authenticator struct {
	opts  Options
	group singleflight.Group
}

// NewAuthenticator returns a new authenticator.
func NewAuthenticator(opts Options) *Authenticator {
	opts.ensureDefaults()
	return &Authenticator{
		opts: opts,
	}
}

// Authenticate returns true if the identity may connect with the credential.
func (a *Authenticator) Authenticate(ctx context.Context, identity, credential string) bool {
	ok, source := a.authenticate(ctx, identity, credential)
	a.opts.Stats.Authentication(source, ok)
	a.opts.Log.Debug("authentication", "identity", identity, "source", source, "ok", ok)
	return ok
}

func (a *Authenticator) authenticate(ctx context.Context, identity, credential string) (bool, string) {
	if !a.opts.configured(webhook.Auth) {
		return true, sourceOpen
	}

	if identity == "" || credential == "" {
		return false, sourceInvalid
	}

	if a.opts.sentinel(identity) {
		return true, sourceSentinel
	}

	key := SignatureKey(identity)
	sig, ok, err := a.opts.Signatures.Get(ctx, key)
	switch {
	case err != nil:
		a.opts.Stats.CacheLookup("signature", system.Failed)
		a.opts.Log.Warn("signature cache unavailable", "key", key, "error", err)
	case ok:
		a.opts.Stats.CacheLookup("signature", system.Hit)
		return sig.Verify(identity, credential), sourceCache
	default:
		a.opts.Stats.CacheLookup("signature", system.Miss)
	}

	v, _, _ := a.group.Do(key, func() (any, error) {
		return a.request(ctx, identity, key), nil
	})

	return v.(Signature).Verify(identity, credential), sourceAuthority
}

// request asks the authority for a token issued now. A token is cached only
// when the authority issued one. The request outlives a cancelled caller.
func (a *Authenticator) request(ctx context.Context, identity, key string) Signature {
	ctx = context.WithoutCancel(ctx)
	sig := Signature{Timestamp: a.opts.now()}

	token, err := a.opts.Authority.Token(ctx, identity, sig.Timestamp)
	if err != nil {
		a.opts.Log.Warn("authentication request failed", "identity", identity, "error", err)
		return sig
	}

	if token == "" {
		a.opts.Log.Warn("authentication response has no token", "identity", identity)
		return sig
	}

	sig.Token = token
	if err := a.opts.Signatures.Put(ctx, key, sig, a.opts.TTL); err != nil {
		a.opts.Log.Warn("failed to cache signature", "key", key, "error", err)
	}

	return sig
}
