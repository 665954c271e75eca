// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2024 moscer

// Package webhook is a client for the HTTP hook endpoints which decide on
// client access and receive client events. Requests are form encoded POSTs
// and responses are read as JSON.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/tidwall/gjson"

	"github.com/moscer/moscer/system"
)

// Endpoint identifies one of the hook endpoints.
type Endpoint string

const (
	Auth          Endpoint = "auth"           // issues digest tokens
	AuthPublish   Endpoint = "auth-publish"   // grants publish access
	AuthSubscribe Endpoint = "auth-subscribe" // grants subscribe access
	ClientState   Endpoint = "client-state"   // receives online/offline states
	ClientData    Endpoint = "client-data"    // receives keyed data updates
	Message       Endpoint = "message"        // receives every published message
)

const (
	// DefaultTimeout is the default time limit for a hook request.
	DefaultTimeout = 5 * time.Second

	// ModeDigest is the only authentication mode supported by the auth endpoint.
	ModeDigest = "digest"

	// RequestIDHeader carries the id of a hook request.
	RequestIDHeader = "X-Request-Id"

	maxResponseSize = 1 << 20
)

var (
	// ErrNotConfigured indicates a request was made to an endpoint with no url.
	ErrNotConfigured = errors.New("hook endpoint not configured")

	// ErrUnexpectedStatus indicates the endpoint responded with a status other than 200 OK.
	ErrUnexpectedStatus = errors.New("unexpected hook response status")
)

// Endpoints contains the urls of the hook endpoints. An empty url disables
// the endpoint.
type Endpoints struct {
	Auth          string `yaml:"auth_url" json:"auth_url"`
	AuthPublish   string `yaml:"auth_pub_url" json:"auth_pub_url"`
	AuthSubscribe string `yaml:"auth_sub_url" json:"auth_sub_url"`
	ClientState   string `yaml:"client_state_url" json:"client_state_url"`
	ClientData    string `yaml:"client_data_url" json:"client_data_url"`
	Message       string `yaml:"message_url" json:"message_url"`
}

// URL returns the url of an endpoint.
func (e Endpoints) URL(ep Endpoint) string {
	switch ep {
	case Auth:
		return e.Auth
	case AuthPublish:
		return e.AuthPublish
	case AuthSubscribe:
		return e.AuthSubscribe
	case ClientState:
		return e.ClientState
	case ClientData:
		return e.ClientData
	case Message:
		return e.Message
	}
	return ""
}

// Grant is the response of an authorization endpoint.
type Grant struct {
	Mode  string // the grant mode, empty if the endpoint did not say
	Value *bool  // the access value, nil if the endpoint did not say
}

// Options contains configuration settings for the hook client.
type Options struct {
	Endpoints  Endpoints
	Timeout    time.Duration // time limit per request, DefaultTimeout if 0
	HTTPClient *http.Client  // used for requests if set, Timeout is then ignored
	Log        *slog.Logger
	Stats      *system.Stats
}

// Client makes requests to the hook endpoints.
type Client struct {
	endpoints Endpoints
	http      *http.Client
	log       *slog.Logger
	stats     *system.Stats
}

// New returns a new hook client.
func New(opts Options) *Client {
	c := &Client{
		endpoints: opts.Endpoints,
		http:      opts.HTTPClient,
		log:       opts.Log,
		stats:     opts.Stats,
	}

	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}

	if c.log == nil {
		c.log = slog.Default()
	}

	if c.stats == nil {
		c.stats = system.NewStats()
	}

	return c
}

// Configured returns true if the endpoint has a url.
func (c *Client) Configured(ep Endpoint) bool {
	return c.endpoints.URL(ep) != ""
}

// Token requests a digest token for cid issued against ts. An empty token
// with a nil error means the endpoint accepted the request but issued nothing.
func (c *Client) Token(ctx context.Context, cid string, ts int64) (string, error) {
	body, err := c.post(ctx, Auth, url.Values{
		"cid":  {cid},
		"mode": {ModeDigest},
		"ts":   {formatTS(ts)},
	})
	if err != nil {
		return "", err
	}

	return gjson.GetBytes(body, "token").String(), nil
}

// Grant requests publish or subscribe access for cid to topic from the
// AuthPublish or AuthSubscribe endpoint.
func (c *Client) Grant(ctx context.Context, ep Endpoint, cid, topic string, ts int64) (Grant, error) {
	if ep != AuthPublish && ep != AuthSubscribe {
		return Grant{}, fmt.Errorf("%s is not an authorization endpoint", ep)
	}

	body, err := c.post(ctx, ep, url.Values{
		"cid":   {cid},
		"topic": {topic},
		"ts":    {formatTS(ts)},
	})
	if err != nil {
		return Grant{}, err
	}

	return parseGrant(body), nil
}

// ClientState notifies the ClientState endpoint of a client state.
func (c *Client) ClientState(ctx context.Context, cid, state string, ts int64) error {
	_, err := c.post(ctx, ClientState, url.Values{
		"cid":   {cid},
		"state": {state},
		"ts":    {formatTS(ts)},
	})
	return err
}

// ClientData sends a keyed data update to the ClientData endpoint.
func (c *Client) ClientData(ctx context.Context, cid, key string, data []byte, ts int64) error {
	_, err := c.post(ctx, ClientData, url.Values{
		"cid":  {cid},
		"key":  {key},
		"data": {string(data)},
		"ts":   {formatTS(ts)},
	})
	return err
}

// Message forwards a published message to the Message endpoint.
func (c *Client) Message(ctx context.Context, cid, topic string, payload []byte, ts int64) error {
	_, err := c.post(ctx, Message, url.Values{
		"cid":     {cid},
		"topic":   {topic},
		"payload": {string(payload)},
		"ts":      {formatTS(ts)},
	})
	return err
}

// post sends a form to an endpoint and returns the body of a 200 OK response.
func (c *Client) post(ctx context.Context, ep Endpoint, form url.Values) ([]byte, error) {
	u := c.endpoints.URL(ep)
	if u == "" {
		return nil, fmt.Errorf("%s: %w", ep, ErrNotConfigured)
	}

	id := xid.New().String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", ep, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, id)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.stats.HookRequest(string(ep), system.Failed, time.Since(start))
		c.log.Warn("hook request failed", "endpoint", ep, "request_id", id, "error", err)
		return nil, fmt.Errorf("%s request: %w", ep, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.stats.HookRequest(string(ep), system.Failed, time.Since(start))
		return nil, fmt.Errorf("%s response: %w", ep, err)
	}

	if resp.StatusCode != http.StatusOK {
		c.stats.HookRequest(string(ep), strconv.Itoa(resp.StatusCode), time.Since(start))
		c.log.Warn("hook request rejected", "endpoint", ep, "request_id", id, "status", resp.StatusCode)
		return nil, fmt.Errorf("%s responded %d: %w", ep, resp.StatusCode, ErrUnexpectedStatus)
	}

	c.stats.HookRequest(string(ep), strconv.Itoa(resp.StatusCode), time.Since(start))
	c.log.Debug("hook request completed", "endpoint", ep, "request_id", id, "duration", time.Since(start))

	return body, nil
}

// parseGrant reads a grant from an authorization response. The value is true
// for a JSON true, a string which parses as true, or a non-zero number.
func parseGrant(body []byte) Grant {
	var g Grant
	if m := gjson.GetBytes(body, "mode"); m.Exists() {
		g.Mode = m.String()
	}

	if v := gjson.GetBytes(body, "value"); v.Exists() && v.Type != gjson.Null {
		b := v.Bool()
		g.Value = &b
	}

	return g
}

// formatTS formats a millisecond timestamp.
func formatTS(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
