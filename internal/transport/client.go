// Package transport is the HTTP client handle for one dependency. Each pool
// slot owns a Client with its own connection set.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dskow/upstream-guard/internal/fault"
	"github.com/dskow/upstream-guard/internal/middleware"
)

// DefaultMaxResponseBytes caps how much of an upstream body is read.
const DefaultMaxResponseBytes = 10 << 20

// Request is one call to the dependency. Path is joined onto the base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Options configures a Client.
type Options struct {
	Name             string
	BaseURL          string
	Timeout          time.Duration
	HealthPath       string
	Headers          map[string]string
	MaxResponseBytes int64
	MaxIdleConns     int
	TLS              *tls.Config
	Logger           *slog.Logger
}

// Client talks to one dependency over HTTP.
type Client struct {
	name       string
	base       *url.URL
	healthPath string
	headers    map[string]string
	maxBody    int64
	http       *http.Client
	transport  *http.Transport
	logger     *slog.Logger
}

// New builds a Client with a dedicated transport.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q for dependency %q: %w", opts.BaseURL, opts.Name, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q for dependency %q must be http or https", opts.BaseURL, opts.Name)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 16
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       opts.TLS,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		name:       opts.Name,
		base:       base,
		healthPath: opts.HealthPath,
		headers:    opts.Headers,
		maxBody:    opts.MaxResponseBytes,
		http:       &http.Client{Transport: tr, Timeout: opts.Timeout},
		transport:  tr,
		logger:     opts.Logger,
	}, nil
}

// Name returns the dependency name.
func (c *Client) Name() string { return c.name }

// Do sends req and classifies the outcome: network failures and 5xx become
// *fault.TransientError, 429 becomes *fault.RateLimitError and other 4xx
// become *fault.PermanentError. The response is returned alongside the error
// for non-2xx statuses so callers can surface the upstream body.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	u := c.base.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return Response{}, &fault.PermanentError{Dependency: c.name, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	for k, v := range c.headers {
		hr.Header.Set(k, v)
	}
	if req.Body != nil && hr.Header.Get("Content-Type") == "" {
		hr.Header.Set("Content-Type", "application/json")
	}
	if id := middleware.GetRequestID(ctx); id != "" {
		hr.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, &fault.TransientError{Dependency: c.name, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return Response{}, &fault.TransientError{Dependency: c.name, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	}
	if int64(len(data)) > c.maxBody {
		return Response{}, &fault.PermanentError{Dependency: c.name, StatusCode: resp.StatusCode, Err: fmt.Errorf("response exceeds %d bytes", c.maxBody)}
	}

	out := Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
	return out, classify(c.name, resp, data)
}

func classify(dep string, resp *http.Response, body []byte) error {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &fault.RateLimitError{Dependency: dep, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case status >= 500:
		return &fault.TransientError{Dependency: dep, StatusCode: status, Err: upstreamMessage(status, body)}
	default:
		return &fault.PermanentError{Dependency: dep, StatusCode: status, Err: upstreamMessage(status, body)}
	}
}

func upstreamMessage(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256] + "..."
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return errors.New(msg)
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Missing or
// malformed values yield one second.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return time.Second
}

// Ping issues GET on the health path. Any 2xx is healthy.
func (c *Client) Ping(ctx context.Context) error {
	path := c.healthPath
	if path == "" {
		path = "/health"
	}
	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path})
	return err
}

// Close drops idle connections.
func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}
