// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

// Package config loads the gateway configuration and assembles a configured
// broker from it.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/moscer/moscer/bridge"
	"github.com/moscer/moscer/cache"
	"github.com/moscer/moscer/webhook"
)

// DefaultFileName is the configuration file read when no path is given.
const DefaultFileName = "moscer.yml"

// Logging outputs.
const (
	LoggingOutputText    = "TEXT"
	LoggingOutputJSON    = "JSON"
	LoggingOutputConsole = "CONSOLE"
)

// Backends and transports.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
	BackendBolt   = "bolt"
	BackendPebble = "pebble"
	BackendNone   = "none"

	TransportRedis = "redis"
	TransportNATS  = "nats"
)

// ErrInvalidConfig indicates a configuration value is out of range or unknown.
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration read from a string such as "5m".
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats a duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config contains the gateway configuration.
type Config struct {
	MQTT     Port    `yaml:"mqtt" json:"mqtt"`         // MQTT over TCP
	HTTP     Port    `yaml:"http" json:"http"`         // MQTT over websocket
	Admin    Admin   `yaml:"admin" json:"admin"`       // admin HTTP listener
	Hook     Hook    `yaml:"hook" json:"hook"`         // hook endpoints
	Listener string  `yaml:"listener" json:"listener"` // bridged channel, empty disables the bridge
	Bridge   Bridge  `yaml:"bridge" json:"bridge"`
	Redis    Redis   `yaml:"redis" json:"redis"`
	Cache    Cache   `yaml:"cache" json:"cache"`
	Storage  Storage `yaml:"storage" json:"storage"`
	Workers  Workers `yaml:"workers" json:"workers"`
	Logging  Logging `yaml:"logging" json:"logging"`
	Debug    bool    `yaml:"debug" json:"debug"` // trust sentinel identities
}

// Port is a listener port. 0 disables the listener.
type Port struct {
	Port int `yaml:"port" json:"port"`
}

// Admin configures the admin HTTP listener.
type Admin struct {
	Address string `yaml:"address" json:"address"`
}

// Hook configures the hook endpoints.
type Hook struct {
	webhook.Endpoints `yaml:",inline"`
	Timeout           Duration `yaml:"timeout" json:"timeout"`
}

// Bridge configures the bridge transport.
type Bridge struct {
	Transport string `yaml:"transport" json:"transport"`
	NATSURL   string `yaml:"nats_url" json:"nats_url"`
}

// Redis configures the Redis connection shared by the bridge, the decision
// cache and broker persistence.
type Redis struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// Addr returns the host:port address.
func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Cache configures the decision cache.
type Cache struct {
	Backend       string   `yaml:"backend" json:"backend"`
	TTL           Duration `yaml:"ttl" json:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval" json:"sweep_interval"`
	Prefix        string   `yaml:"prefix" json:"prefix"`
}

// Storage configures broker persistence.
type Storage struct {
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
}

// Workers configures the notification worker pool.
type Workers struct {
	Size  int `yaml:"size" json:"size"`
	Queue int `yaml:"queue" json:"queue"`
}

// Logging configures the log output.
type Logging struct {
	Output string `yaml:"output" json:"output"`
	Level  string `yaml:"level" json:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		MQTT:     Port{Port: 1883},
		HTTP:     Port{Port: 1885},
		Admin:    Admin{Address: ":8080"},
		Hook:     Hook{Timeout: Duration(webhook.DefaultTimeout)},
		Listener: bridge.DefaultChannel,
		Bridge: Bridge{
			Transport: TransportRedis,
			NATSURL:   "nats://127.0.0.1:4222",
		},
		Redis: Redis{
			Host: "localhost",
			Port: 6379,
			DB:   12,
		},
		Cache: Cache{
			Backend:       BackendMemory,
			TTL:           Duration(cache.DefaultTTL),
			SweepInterval: Duration(time.Minute),
			Prefix:        "moscer:",
		},
		Storage: Storage{Backend: BackendRedis},
		Workers: Workers{Size: 16, Queue: 256},
		Logging: Logging{
			Output: LoggingOutputText,
			Level:  slog.LevelInfo.String(),
		},
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values.
func expandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

// FromBytes unmarshals a byte slice of JSON or YAML config data over the
// defaults. Environment references are expanded first.
func FromBytes(b []byte) (*Config, error) {
	c := Default()

	b = expandEnv(b)
	if trimmed := strings.TrimSpace(string(b)); trimmed != "" {
		if trimmed[0] == '{' {
			if err := json.Unmarshal([]byte(trimmed), c); err != nil {
				return nil, err
			}
		} else {
			if err := yaml.Unmarshal(b, c); err != nil {
				return nil, err
			}
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// FromFile reads the configuration from a file. A missing file at the
// default path yields the default configuration.
func FromFile(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return FromBytes(nil)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	return FromBytes(b)
}

// Validate returns an error if a value is out of range or unknown.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.MQTT.Port >= 0 && c.MQTT.Port <= 65535, "mqtt.port %d", c.MQTT.Port)
	check(c.HTTP.Port >= 0 && c.HTTP.Port <= 65535, "http.port %d", c.HTTP.Port)
	check(c.Hook.Timeout > 0, "hook.timeout must be positive")
	check(oneOf(c.Bridge.Transport, TransportRedis, TransportNATS), "bridge.transport %q", c.Bridge.Transport)
	check(oneOf(c.Cache.Backend, BackendMemory, BackendRedis), "cache.backend %q", c.Cache.Backend)
	check(c.Cache.TTL > 0, "cache.ttl must be positive")
	check(oneOf(c.Storage.Backend, BackendRedis, BackendBadger, BackendBolt, BackendPebble, BackendNone), "storage.backend %q", c.Storage.Backend)
	check(c.Storage.Backend == BackendRedis || c.Storage.Backend == BackendNone || c.Storage.Path != "", "storage.path is required for %s", c.Storage.Backend)
	check(c.Workers.Size > 0 && c.Workers.Queue > 0, "workers size and queue must be positive")
	check(oneOf(strings.ToUpper(c.Logging.Output), LoggingOutputText, LoggingOutputJSON, LoggingOutputConsole), "logging.output %q", c.Logging.Output)

	return errors.Join(errs...)
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// Level returns the configured log level, or info if it is not recognised.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Logger returns a logger writing to w in the configured format.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level := c.Level()

	var handler slog.Handler
	switch strings.ToUpper(c.Logging.Output) {
	case LoggingOutputJSON:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case LoggingOutputConsole:
		zl := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}).With().Timestamp().Logger()
		handler = zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: level})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}
