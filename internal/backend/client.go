// Package backend is the HTTP client for the speaker detection service.
//
// Every request URL is built through an [apibase.Resolver], so a runtime
// origin override applies to polls, settings calls and push subscriptions
// alike. Responses are never cached (Cache-Control: no-store).
//
// Errors come in two shapes: [*TransportError] when no response was received,
// and [*StatusError] when the backend answered with a non-2xx status.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"

	"github.com/MrWong99/speakersync/internal/sse"
	"github.com/MrWong99/speakersync/pkg/apibase"
)

// API paths used by the client.
const (
	PathListeningMode    = "/api/listening-mode"
	PathActiveSpeaker    = "/api/active-speaker"
	PathOnline           = "/api/online"
	PathDetectionState   = "/api/detection-state"
	PathVersion          = "/api/version"
	PathRestartDetection = "/api/restart-detection"
)

// maxBodyBytes caps how much of a response body is read into memory.
const maxBodyBytes = 1 << 20

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Primarily used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// TransportConfig tunes the default transport.
type TransportConfig struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
}

// WithTransport builds the default HTTP client with the given timeouts.
func WithTransport(tc TransportConfig) Option {
	return func(c *Client) { c.hc = newDefaultHTTPClient(tc) }
}

// Client talks to the detection backend. It is safe for concurrent use.
type Client struct {
	hc        *http.Client
	base      *apibase.Resolver
	userAgent string
}

// New creates a [Client] resolving paths through base.
func New(base *apibase.Resolver, opts ...Option) *Client {
	c := &Client{
		hc:   newDefaultHTTPClient(TransportConfig{}),
		base: base,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// newDefaultHTTPClient configures transport-level timeouts while keeping the
// overall request lifetime controlled by contexts.
//
// http.Client.Timeout stays unset because push subscriptions are long-lived.
// The transport is instrumented so outgoing requests carry the trace context.
func newDefaultHTTPClient(tc TransportConfig) *http.Client {
	if tc.DialTimeout <= 0 {
		tc.DialTimeout = 5 * time.Second
	}
	if tc.ResponseHeaderTimeout <= 0 {
		tc.ResponseHeaderTimeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: tc.DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: tc.ResponseHeaderTimeout,
	}
	return &http.Client{Transport: otelhttp.NewTransport(transport,
		otelhttp.WithPropagators(propagation.TraceContext{}),
	)}
}

// URL resolves path against the current origin.
func (c *Client) URL(path string) string {
	return c.base.Resolve(path)
}

// Get issues a GET request. For non-2xx statuses both the response and a
// [*StatusError] are returned.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// GetJSON issues a GET request and decodes a 2xx JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("backend: decode %s: %w", path, err)
	}
	return nil
}

// PostJSON sends in as a JSON body. When out is non-nil and the response has
// a body, it is decoded into out.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if out != nil && len(bytes.TrimSpace(resp.Body)) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("backend: decode %s: %w", path, err)
		}
	}
	return nil
}

// Stream opens a server-sent events subscription. The caller owns the
// returned reader and must Close it; cancelling ctx also ends the stream.
func (c *Client) Stream(ctx context.Context, path string) (*sse.Reader, error) {
	url := c.URL(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{Op: "build request", URL: url, Err: err}
	}
	c.decorate(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "GET", URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		return nil, newStatusError(http.MethodGet, url, resp.StatusCode, data)
	}
	return sse.NewReader(resp.Body), nil
}

// Version returns the backend version string from GET /api/version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.GetJSON(ctx, PathVersion, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// RestartDetection asks the backend to restart its detection engine.
func (c *Client) RestartDetection(ctx context.Context) error {
	return c.PostJSON(ctx, PathRestartDetection, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*Response, error) {
	url := c.URL(path)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &TransportError{Op: "build request", URL: url, Err: err}
	}
	c.decorate(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransportError{Op: method + " body", URL: url, Err: err}
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, newStatusError(method, url, resp.StatusCode, data)
	}
	return out, nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("Cache-Control", "no-store")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

func newStatusError(method, url string, code int, body []byte) *StatusError {
	se := &StatusError{Method: method, URL: url, StatusCode: code}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		se.Message = payload.Error
	}
	return se
}
