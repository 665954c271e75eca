// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/debug"
	"github.com/mochi-mqtt/server/v2/hooks/storage/badger"
	"github.com/mochi-mqtt/server/v2/hooks/storage/bolt"
	"github.com/mochi-mqtt/server/v2/hooks/storage/pebble"
	rstorage "github.com/mochi-mqtt/server/v2/hooks/storage/redis"
	mlisteners "github.com/mochi-mqtt/server/v2/listeners"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/moscer/moscer"
	"github.com/moscer/moscer/auth"
	"github.com/moscer/moscer/bridge"
	"github.com/moscer/moscer/cache"
	"github.com/moscer/moscer/hooks/gate"
	"github.com/moscer/moscer/listeners"
	"github.com/moscer/moscer/notify"
	"github.com/moscer/moscer/pool"
	"github.com/moscer/moscer/system"
	"github.com/moscer/moscer/webhook"
)

// Listener ids.
const (
	ListenerTCP       = "tcp"
	ListenerWebsocket = "ws"
	ListenerAdmin     = "admin"
)

// Key prefixes of the decision caches, appended to the configured prefix so
// each cache counts and clears only its own keys.
const (
	SignaturePrefix = "sig:"
	PassportPrefix  = "pp:"
)

// Runtime is a configured broker with the gateway attached.
type Runtime struct {
	Server     *mqtt.Server
	Stats      *system.Stats
	Gate       *moscer.Gate
	Bridge     *bridge.Listener // nil when the bridge is disabled
	Pool       *pool.FanPool
	Signatures cache.Cache[auth.Signature]
	Passports  cache.Cache[auth.Passport]

	log     *slog.Logger
	closers []func() error
	once    sync.Once
}

// Configure builds a Runtime from a configuration.
func Configure(c *Config, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = c.Logger(os.Stdout)
	}

	r := &Runtime{
		Stats: system.NewStats(),
		log:   log,
	}

	r.Server = mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       log,
	})
	r.Stats.RegisterBrokerInfo(r.Server.Info)

	if err := r.configureStorage(c); err != nil {
		return nil, r.fail(err)
	}

	if c.Level() <= slog.LevelDebug {
		if err := r.Server.AddHook(new(debug.Hook), &debug.Options{}); err != nil {
			return nil, r.fail(err)
		}
	}

	if err := r.configureCaches(c); err != nil {
		return nil, r.fail(err)
	}

	r.configureGate(c)
	if err := r.Server.AddHook(new(gate.Hook), &gate.Options{Handler: r.Gate}); err != nil {
		return nil, r.fail(err)
	}

	if err := r.configureListeners(c); err != nil {
		return nil, r.fail(err)
	}

	if err := r.configureBridge(c); err != nil {
		return nil, r.fail(err)
	}

	return r, nil
}

// fail releases anything opened so far and returns err.
func (r *Runtime) fail(err error) error {
	_ = r.Close()
	return err
}

// newRedis returns a new Redis client for the configured connection.
func newRedis(c *Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr(),
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

// configureStorage attaches the broker persistence hook.
func (r *Runtime) configureStorage(c *Config) error {
	var (
		hook   mqtt.Hook
		config any
	)

	switch c.Storage.Backend {
	case BackendRedis:
		hook = new(rstorage.Hook)
		config = &rstorage.Options{
			Options: &redis.Options{
				Addr:     c.Redis.Addr(),
				Password: c.Redis.Password,
				DB:       c.Redis.DB,
			},
		}
	case BackendBadger:
		hook, config = new(badger.Hook), &badger.Options{Path: c.Storage.Path}
	case BackendBolt:
		hook, config = new(bolt.Hook), &bolt.Options{Path: c.Storage.Path}
	case BackendPebble:
		hook, config = new(pebble.Hook), &pebble.Options{Path: c.Storage.Path}
	default:
		return nil
	}

	if err := r.Server.AddHook(hook, config); err != nil {
		return fmt.Errorf("storage %s: %w", c.Storage.Backend, err)
	}

	return nil
}

// configureCaches creates the decision caches.
func (r *Runtime) configureCaches(c *Config) error {
	switch c.Cache.Backend {
	case BackendRedis:
		db := newRedis(c)
		r.closers = append(r.closers, db.Close)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("cache redis: %w", err)
		}

		r.Signatures = cache.NewRedis[auth.Signature](db, c.Cache.Prefix+SignaturePrefix)
		r.Passports = cache.NewRedis[auth.Passport](db, c.Cache.Prefix+PassportPrefix)
	default:
		opts := &cache.MemoryOptions{SweepInterval: time.Duration(c.Cache.SweepInterval)}
		sigs := cache.NewMemory[auth.Signature](opts)
		pps := cache.NewMemory[auth.Passport](opts)
		r.closers = append(r.closers, closeMemory(sigs), closeMemory(pps))
		r.Signatures, r.Passports = sigs, pps
	}

	return nil
}

func closeMemory[V any](c *cache.Memory[V]) func() error {
	return func() error {
		c.Close()
		return nil
	}
}

// configureGate assembles the gateway handlers.
func (r *Runtime) configureGate(c *Config) {
	hooks := webhook.New(webhook.Options{
		Endpoints: c.Hook.Endpoints,
		Timeout:   time.Duration(c.Hook.Timeout),
		Log:       r.log.With("component", "webhook"),
		Stats:     r.Stats,
	})

	r.Pool = pool.New(uint64(c.Workers.Size), uint64(c.Workers.Queue))

	authOpts := auth.Options{
		Authority:  hooks,
		Signatures: r.Signatures,
		Passports:  r.Passports,
		TTL:        time.Duration(c.Cache.TTL),
		Debug:      c.Debug,
		Log:        r.log.With("component", "auth"),
		Stats:      r.Stats,
	}

	notifyOpts := notify.Options{
		Sender: hooks,
		Pool:   r.Pool,
		Log:    r.log.With("component", "notify"),
		Stats:  r.Stats,
	}

	r.Gate = moscer.New(moscer.Options{
		Authenticator: auth.NewAuthenticator(authOpts),
		Authorizer:    auth.NewAuthorizer(authOpts),
		Notifier:      notify.NewNotifier(notifyOpts),
		Forwarder:     notify.NewForwarder(notifyOpts),
		Log:           r.log,
	})

	for _, ep := range []webhook.Endpoint{
		webhook.Auth, webhook.AuthPublish, webhook.AuthSubscribe,
		webhook.ClientState, webhook.ClientData, webhook.Message,
	} {
		r.log.Info("hook endpoint", "endpoint", ep, "enabled", hooks.Configured(ep))
	}
}

// configureListeners adds the MQTT and admin listeners.
func (r *Runtime) configureListeners(c *Config) error {
	if c.MQTT.Port > 0 {
		tcp := mlisteners.NewTCP(mlisteners.Config{
			Type:    ListenerTCP,
			ID:      ListenerTCP,
			Address: ":" + strconv.Itoa(c.MQTT.Port),
		})
		if err := r.Server.AddListener(tcp); err != nil {
			return err
		}
	}

	if c.HTTP.Port > 0 {
		ws := mlisteners.NewWebsocket(mlisteners.Config{
			Type:    ListenerWebsocket,
			ID:      ListenerWebsocket,
			Address: ":" + strconv.Itoa(c.HTTP.Port),
		})
		if err := r.Server.AddListener(ws); err != nil {
			return err
		}
	}

	if c.Admin.Address != "" {
		admin := listeners.NewAdmin(ListenerAdmin, c.Admin.Address, listeners.AdminOptions{
			Stats: r.Stats,
			Caches: map[string]cache.Maintainer{
				"signature": r.Signatures,
				"passport":  r.Passports,
			},
		})
		if err := r.Server.AddListener(admin); err != nil {
			return err
		}
	}

	return nil
}

// configureBridge creates the bridge listener for the configured transport.
func (r *Runtime) configureBridge(c *Config) error {
	if c.Listener == "" {
		r.log.Info("bridge disabled")
		return nil
	}

	var src bridge.Source
	switch c.Bridge.Transport {
	case TransportNATS:
		nc, err := nats.Connect(c.Bridge.NATSURL, nats.Name("moscer"))
		if err != nil {
			return fmt.Errorf("bridge nats: %w", err)
		}
		src = bridge.NewNATSSource(nc, r.log.With("component", "bridge"))
	default:
		src = bridge.NewRedisSource(newRedis(c), r.log.With("component", "bridge"))
	}

	r.Bridge = bridge.New(bridge.Options{
		Source:    src,
		Channel:   c.Listener,
		Publisher: r.Server,
		Log:       r.log.With("component", "bridge"),
		Stats:     r.Stats,
	})
	r.closers = append(r.closers, r.Bridge.Close)

	return nil
}

// Run serves the broker and the bridge until ctx is done or the bridge fails,
// then closes the runtime.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Server.Serve(); err != nil {
		return r.fail(err)
	}

	g, ctx := errgroup.WithContext(ctx)
	if r.Bridge != nil {
		g.Go(func() error {
			return r.Bridge.Serve(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err := g.Wait()
	return errors.Join(err, r.Close())
}

// Close stops the broker, drains queued notifications and releases
// connections. It is safe to call more than once.
func (r *Runtime) Close() error {
	var errs []error
	r.once.Do(func() {
		if r.Server != nil {
			errs = append(errs, r.Server.Close())
		}

		if r.Pool != nil {
			r.Pool.Close()
			r.Pool.Wait()
		}

		for i := len(r.closers) - 1; i >= 0; i-- {
			errs = append(errs, r.closers[i]())
		}

		r.log.Info("moscer stopped")
	})

	return errors.Join(errs...)
}
