// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

// Package system collects gateway statistics and exposes them, together with
// the broker's own $SYS values, as prometheus metrics.
package system

import (
	"runtime"
	"sync/atomic"
	"time"

	msys "github.com/mochi-mqtt/server/v2/system"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "moscer"

// Outcome labels.
const (
	Accepted = "accepted"
	Rejected = "rejected"
	Hit      = "hit"
	Miss     = "miss"
	Failed   = "error"
)

// Version is the gateway version reported in build_info.
var Version = "1.0.0"

// Stats contains the gateway counters. Each Stats has its own registry so
// several instances may coexist in one process.
type Stats struct {
	Registry        *prometheus.Registry
	authentications *prometheus.CounterVec   // result, source
	authorizations  *prometheus.CounterVec   // direction, result, source
	cacheLookups    *prometheus.CounterVec   // cache, result
	hookRequests    *prometheus.CounterVec   // endpoint, outcome
	hookDuration    *prometheus.HistogramVec // endpoint
	dropped         prometheus.Counter
	bridged         *prometheus.CounterVec // result
}

// NewStats returns a new set of registered gateway counters.
func NewStats() *Stats {
	s := &Stats{
		Registry: prometheus.NewRegistry(),
		authentications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authentications_total",
			Help:      "A counter of client authentication decisions",
		}, []string{"result", "source"}),
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_total",
			Help:      "A counter of publish and subscribe authorization decisions",
		}, []string{"direction", "result", "source"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "A counter of decision cache lookups",
		}, []string{"cache", "result"}),
		hookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_requests_total",
			Help:      "A counter of requests made to hook endpoints",
		}, []string{"endpoint", "outcome"}),
		hookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hook_request_duration_seconds",
			Help:      "A histogram of hook endpoint request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "A counter of notifications dropped because the worker queue was full",
		}),
		bridged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_messages_total",
			Help:      "A counter of messages received by the bridge listener",
		}, []string{"result"}),
	}

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build Information",
	}, []string{"goversion", "version"})
	buildInfo.With(prometheus.Labels{"goversion": runtime.Version(), "version": Version}).Set(1)

	s.Registry.MustRegister(
		s.authentications,
		s.authorizations,
		s.cacheLookups,
		s.hookRequests,
		s.hookDuration,
		s.dropped,
		s.bridged,
		buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return s
}

// result returns the outcome label of a decision.
func result(ok bool) string {
	if ok {
		return Accepted
	}
	return Rejected
}

// Authentication counts an authentication decision reached by source.
func (s *Stats) Authentication(source string, ok bool) {
	s.authentications.WithLabelValues(result(ok), source).Inc()
}

// Authorization counts a publish or subscribe decision reached by source.
func (s *Stats) Authorization(direction, source string, ok bool) {
	s.authorizations.WithLabelValues(direction, result(ok), source).Inc()
}

// CacheLookup counts a lookup in the named cache.
func (s *Stats) CacheLookup(cache, res string) {
	s.cacheLookups.WithLabelValues(cache, res).Inc()
}

// HookRequest counts a request made to a hook endpoint and its duration.
func (s *Stats) HookRequest(endpoint, outcome string, d time.Duration) {
	s.hookRequests.WithLabelValues(endpoint, outcome).Inc()
	s.hookDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// NotificationDropped counts a notification which could not be queued.
func (s *Stats) NotificationDropped() {
	s.dropped.Inc()
}

// Bridged counts a message handled by the bridge listener.
func (s *Stats) Bridged(res string) {
	s.bridged.WithLabelValues(res).Inc()
}

// RegisterBrokerInfo exposes the broker's $SYS values on the registry.
func (s *Stats) RegisterBrokerInfo(info *msys.Info) {
	type metric struct {
		metricType string
		name       string
		help       string
		value      *int64
	}

	metrics := []metric{
		{"c", "bytes_received", "A count of total number of bytes received", &info.BytesReceived},
		{"c", "bytes_sent", "A counter total number of bytes sent", &info.BytesSent},
		{"g", "clients_connected", "A gauge of number of currently connected clients", &info.ClientsConnected},
		{"g", "clients_disconnected", "A gauge of total number of persistent clients", &info.ClientsDisconnected},
		{"g", "clients_total", "A gauge of total number of connected and disconnected clients with a persistent session", &info.ClientsTotal},
		{"c", "messages_received", "A counter of total number of publish messages received", &info.MessagesReceived},
		{"c", "messages_sent", "A counter of total number of publish messages sent", &info.MessagesSent},
		{"c", "messages_dropped", "A counter of total number of publish messages dropped to slow subscriber", &info.MessagesDropped},
		{"g", "retained", "A gauge of total number of retained messages active on the broker", &info.Retained},
		{"g", "inflight", "A gauge of the number of messages currently in-flight", &info.Inflight},
		{"g", "subscriptions", "A gauge of total number of subscriptions active on the broker", &info.Subscriptions},
	}

	for _, m := range metrics {
		m := m
		fn := func() float64 {
			return float64(atomic.LoadInt64(m.value))
		}

		opts := prometheus.Opts{
			Namespace: "mqtt",
			Name:      m.name,
			Help:      m.help,
		}

		switch m.metricType {
		case "c":
			s.Registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts(opts), fn))
		case "g":
			s.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts(opts), fn))
		}
	}
}
