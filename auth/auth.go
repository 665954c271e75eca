// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

// Package auth decides whether clients may connect, publish and subscribe,
// consulting the hook authority and caching its answers.
package auth

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/moscer/moscer/cache"
	"github.com/moscer/moscer/system"
	"github.com/moscer/moscer/webhook"
)

const (
	// Sentinel is the identity prefix trusted unconditionally in debug mode.
	Sentinel = "000000"

	// ModeBasic is the passport mode required for publishing.
	ModeBasic = "basic"
)

// Decision sources, used as metric labels.
const (
	sourceOpen      = "open"
	sourceInvalid   = "invalid"
	sourceSentinel  = "sentinel"
	sourceOwner     = "owner"
	sourceCache     = "cache"
	sourceAuthority = "authority"
)

// Direction is the direction of an authorization check.
type Direction string

const (
	Publish   Direction = "pub"
	Subscribe Direction = "sub"
)

// endpoint returns the hook endpoint which decides on the direction.
func (d Direction) endpoint() webhook.Endpoint {
	if d == Publish {
		return webhook.AuthPublish
	}
	return webhook.AuthSubscribe
}

// Signature is a token issued by the authority for a client at a timestamp.
type Signature struct {
	Timestamp int64  `json:"timestamp"`
	Token     string `json:"token,omitempty"`
}

// Verify returns true if the token is the digest of identity and credential
// at the signature's own timestamp.
func (s Signature) Verify(identity, credential string) bool {
	if s.Token == "" {
		return false
	}

	want := Digest(identity, s.Timestamp, credential)
	return subtle.ConstantTimeCompare([]byte(want), []byte(s.Token)) == 1
}

// Passport is an authorization outcome for a client, topic and direction.
type Passport struct {
	Timestamp int64  `json:"timestamp"`
	Mode      string `json:"mode,omitempty"`
	Value     *bool  `json:"value,omitempty"`
}

// AllowsPublish returns true if the passport permits publishing.
func (p Passport) AllowsPublish() bool {
	return p.Mode == ModeBasic && p.AllowsSubscribe()
}

// AllowsSubscribe returns true if the passport permits subscribing.
func (p Passport) AllowsSubscribe() bool {
	return p.Value != nil && *p.Value
}

// Allows returns true if the passport permits the direction.
func (p Passport) Allows(d Direction) bool {
	if d == Publish {
		return p.AllowsPublish()
	}
	return p.AllowsSubscribe()
}

// Digest returns the hex md5 of identity:ts:credential.
func Digest(identity string, ts int64, credential string) string {
	sum := md5.Sum([]byte(identity + ":" + strconv.FormatInt(ts, 10) + ":" + credential))
	return hex.EncodeToString(sum[:])
}

// SignatureKey returns the cache key of an identity's signature.
func SignatureKey(identity string) string {
	return "authentication:" + identity
}

// PassportKey returns the cache key of a passport.
func PassportKey(d Direction, identity, topic string) string {
	return "authorization:" + string(d) + ":" + identity + ":" + topic
}

// Authority issues tokens and grants. It is satisfied by *webhook.Client.
type Authority interface {
	Configured(ep webhook.Endpoint) bool
	Token(ctx context.Context, cid string, ts int64) (string, error)
	Grant(ctx context.Context, ep webhook.Endpoint, cid, topic string, ts int64) (webhook.Grant, error)
}

// Options contains configuration settings for the authenticator and authorizer.
type Options struct {
	Authority  Authority              // nil permits everything
	Signatures cache.Cache[Signature] // required by the authenticator
	Passports  cache.Cache[Passport]  // required by the authorizer
	TTL        time.Duration          // lifetime of cached decisions, cache.DefaultTTL if 0
	Debug      bool                   // trust identities with the Sentinel prefix
	Log        *slog.Logger
	Stats      *system.Stats
	Clock      func() time.Time // the current time, time.Now if nil
}

// ensureDefaults fills unset options.
func (o *Options) ensureDefaults() {
	if o.TTL <= 0 {
		o.TTL = cache.DefaultTTL
	}

	if o.Log == nil {
		o.Log = slog.Default()
	}

	if o.Stats == nil {
		o.Stats = system.NewStats()
	}

	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// configured returns true if the authority decides on ep.
func (o *Options) configured(ep webhook.Endpoint) bool {
	return o.Authority != nil && o.Authority.Configured(ep)
}

// sentinel returns true if identity is trusted by the debug bypass.
func (o *Options) sentinel(identity string) bool {
	return o.Debug && strings.HasPrefix(identity, Sentinel)
}

// now returns the current time in milliseconds.
func (o *Options) now() int64 {
	return o.Clock().UnixMilli()
}
