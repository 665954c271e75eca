// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

// Package listeners contains gateway listeners which are served by the broker
// alongside its MQTT listeners.
package listeners

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	mlisteners "github.com/mochi-mqtt/server/v2/listeners"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moscer/moscer/cache"
	"github.com/moscer/moscer/system"
)

// AdminOptions contains configuration settings for the admin listener.
type AdminOptions struct {
	Stats     *system.Stats               // exposed on /metrics
	Caches    map[string]cache.Maintainer // decision caches, by name
	TLSConfig *tls.Config
}

// Admin is a listener serving the gateway's HTTP administration endpoints:
// a healthcheck, prometheus metrics, and decision cache maintenance.
type Admin struct {
	sync.RWMutex
	id      string       // the internal id of the listener
	address string       // the network address to bind to
	opts    AdminOptions // configuration values for the listener
	listen  *http.Server // the http server
	log     *slog.Logger
	end     uint32 // ensure the close methods are only called once
}

// NewAdmin initialises and returns a new admin listener, listening on an address.
func NewAdmin(id, address string, opts AdminOptions) *Admin {
	if opts.Stats == nil {
		opts.Stats = system.NewStats()
	}

	return &Admin{
		id:      id,
		address: address,
		opts:    opts,
		log:     slog.Default(),
	}
}

// ID returns the id of the listener.
func (l *Admin) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *Admin) Address() string {
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *Admin) Protocol() string {
	if l.opts.TLSConfig != nil {
		return "https"
	}

	return "http"
}

// Init initializes the listener.
func (l *Admin) Init(log *slog.Logger) error {
	if log != nil {
		l.log = log
	}

	l.listen = &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Addr:         l.address,
		Handler:      l.Router(),
		TLSConfig:    l.opts.TLSConfig,
	}

	return nil
}

// Router returns the admin request router.
func (l *Admin) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(l.logger())

	r.GET("/healthcheck", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(l.opts.Stats.Registry, promhttp.HandlerOpts{})))
	r.GET("/cache", l.cacheStats)
	r.DELETE("/cache", l.cacheClear)

	return r
}

// logger logs each admin request.
func (l *Admin) logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if len(c.Errors) > 0 {
			l.log.Warn("admin request failed",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"status", c.Writer.Status(),
				"error", c.Errors.String())
			return
		}

		l.log.Debug("admin request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

// names returns the cache names in order.
func (l *Admin) names() []string {
	names := make([]string, 0, len(l.opts.Caches))
	for name := range l.opts.Caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// cacheStats responds with the number of cached decisions.
func (l *Admin) cacheStats(c *gin.Context) {
	out := struct {
		Entries int            `json:"entries"`
		Caches  map[string]int `json:"caches"`
	}{
		Caches: make(map[string]int, len(l.opts.Caches)),
	}

	for _, name := range l.names() {
		n, err := l.opts.Caches[name].Len(c.Request.Context())
		if err != nil {
			_ = c.Error(err)
			c.Status(http.StatusServiceUnavailable)
			return
		}
		out.Caches[name] = n
		out.Entries += n
	}

	writeJSON(c, http.StatusOK, out)
}

// cacheClear removes all cached decisions.
func (l *Admin) cacheClear(c *gin.Context) {
	var errs []error
	for _, name := range l.names() {
		if err := l.opts.Caches[name].Clear(c.Request.Context()); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		_ = c.Error(err)
		c.Status(http.StatusServiceUnavailable)
		return
	}

	l.log.Info("decision caches cleared")
	c.Status(http.StatusNoContent)
}

// writeJSON writes v as a JSON response.
func writeJSON(c *gin.Context, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		_ = c.Error(err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Data(status, "application/json; charset=utf-8", b)
}

// Serve starts listening for new connections and serving responses.
func (l *Admin) Serve(_ mlisteners.EstablishFn) {
	var err error
	if l.listen.TLSConfig != nil {
		err = l.listen.ListenAndServeTLS("", "")
	} else {
		err = l.listen.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.log.Error("admin listener stopped", "address", l.address, "error", err)
	}
}

// Close closes the listener.
func (l *Admin) Close(closeClients mlisteners.CloseFn) {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) && l.listen != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.listen.Shutdown(ctx)
	}

	closeClients(l.id)
}
