// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

package auth

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/moscer/moscer/system"
	"github.com/moscer/moscer/topics"
	"github.com/moscer/moscer/webhook"
)

// Authorizer decides whether clients may publish or subscribe to topics.
type Authorizer struct {
	opts  Options
	group singleflight.Group
}

// NewAuthorizer returns a new authorizer.
func NewAuthorizer(opts Options) *Authorizer {
	opts.ensureDefaults()
	return &Authorizer{
		opts: opts,
	}
}

// AuthorizePublish returns true if identity may publish to topic. The
// payload does not affect the decision.
func (a *Authorizer) AuthorizePublish(ctx context.Context, identity, topic string, _ []byte) bool {
	return a.Authorize(ctx, Publish, identity, topic)
}

// AuthorizeSubscribe returns true if identity may subscribe to topic.
func (a *Authorizer) AuthorizeSubscribe(ctx context.Context, identity, topic string) bool {
	return a.Authorize(ctx, Subscribe, identity, topic)
}

// Authorize returns true if identity may use topic in direction d.
func (a *Authorizer) Authorize(ctx context.Context, d Direction, identity, topic string) bool {
	ok, source := a.authorize(ctx, d, identity, topic)
	a.opts.Stats.Authorization(string(d), source, ok)
	a.opts.Log.Debug("authorization", "direction", d, "identity", identity, "topic", topic, "source", source, "ok", ok)
	return ok
}

func (a *Authorizer) authorize(ctx context.Context, d Direction, identity, topic string) (bool, string) {
	ep := d.endpoint()
	if !a.opts.configured(ep) {
		return true, sourceOpen
	}

	if identity == "" || topic == "" {
		return false, sourceInvalid
	}

	if a.opts.sentinel(identity) {
		return true, sourceSentinel
	}

	if topics.Owned(topic, identity) {
		return true, sourceOwner
	}

	key := PassportKey(d, identity, topic)
	pp, ok, err := a.opts.Passports.Get(ctx, key)
	switch {
	case err != nil:
		a.opts.Stats.CacheLookup("passport", system.Failed)
		a.opts.Log.Warn("passport cache unavailable", "key", key, "error", err)
	case ok:
		a.opts.Stats.CacheLookup("passport", system.Hit)
		return pp.Allows(d), sourceCache
	default:
		a.opts.Stats.CacheLookup("passport", system.Miss)
	}

	v, _, _ := a.group.Do(key, func() (any, error) {
		return a.request(ctx, ep, identity, topic, key), nil
	})

	return v.(Passport).Allows(d), sourceAuthority
}

// request asks the authority for a grant. A failed request yields an empty
// passport, which is not cached.
func (a *Authorizer) request(ctx context.Context, ep webhook.Endpoint, identity, topic, key string) Passport {
	ctx = context.WithoutCancel(ctx)
	pp := Passport{Timestamp: a.opts.now()}

	g, err := a.opts.Authority.Grant(ctx, ep, identity, topic, pp.Timestamp)
	if err != nil {
		a.opts.Log.Warn("authorization request failed", "endpoint", ep, "identity", identity, "topic", topic, "error", err)
		return pp
	}

	pp.Mode = g.Mode
	if pp.Mode == "" {
		pp.Mode = ModeBasic
	}
	pp.Value = g.Value

	if err := a.opts.Passports.Put(ctx, key, pp, a.opts.TTL); err != nil {
		a.opts.Log.Warn("failed to cache passport", "key", key, "error", err)
	}

	return pp
}
