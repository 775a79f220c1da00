// Copyright 2023 Versity Software
// This file is licensed under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// ConnectionFactory opens and tears down connection handles to the remote
// endpoint.
type ConnectionFactory interface {
	// Create opens and validates a new connection handle.
	Create(ctx context.Context) (Connection, error)

	// Destroy tears down a connection handle. Safe to call with handles
	// whose Create validation already failed partway.
	Destroy(conn Connection)
}

// ConnectionProbe performs a lightweight liveness check against the remote
// endpoint for a given connection handle.
type ConnectionProbe interface {
	Check(ctx context.Context, conn Connection, timeout time.Duration) (healthy bool, err error)
}

// HTTPFactoryConfig holds configuration for the HTTP connection factory
type HTTPFactoryConfig struct {
	// Addr is the host:port of the remote inference endpoint.
	Addr string `json:"addr"`

	// TLS enables https transport to the endpoint.
	TLS bool `json:"tls"`

	// HealthPath is the endpoint path probed for liveness.
	HealthPath string `json:"health_path"`

	// RequestTimeout bounds a single request executed on the connection.
	RequestTimeout time.Duration `json:"request_timeout"`

	// ValidateOnCreate issues a liveness probe before handing a new
	// connection to the pool.
	ValidateOnCreate bool `json:"validate_on_create"`
}

// DefaultHTTPFactoryConfig returns default factory configuration for addr.
func DefaultHTTPFactoryConfig(addr string) HTTPFactoryConfig {
	return HTTPFactoryConfig{
		Addr:             addr,
		HealthPath:       "/health",
		RequestTimeout:   60 * time.Second,
		ValidateOnCreate: true,
	}
}

// HTTPConnectionFactory creates pooled HTTP connections to a single remote
// endpoint. Each handle owns its own fasthttp client limited to one
// underlying conn, so a pooled handle is one logical channel.
type HTTPConnectionFactory struct {
	cfg HTTPFactoryConfig
}

// NewHTTPConnectionFactory creates a new HTTP connection factory
func NewHTTPConnectionFactory(cfg HTTPFactoryConfig) *HTTPConnectionFactory {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return &HTTPConnectionFactory{cfg: cfg}
}

// Create opens a new HTTP connection handle and, when configured, validates
// it with a liveness probe before returning it.
func (f *HTTPConnectionFactory) Create(ctx context.Context) (Connection, error) {
	scheme := "http"
	if f.cfg.TLS {
		scheme = "https"
	}
	conn := &HTTPConnection{
		baseURL:        fmt.Sprintf("%s://%s", scheme, f.cfg.Addr),
		healthPath:     f.cfg.HealthPath,
		requestTimeout: f.cfg.RequestTimeout,
		client: &fasthttp.HostClient{
			Addr:                f.cfg.Addr,
			IsTLS:               f.cfg.TLS,
			MaxConns:            1,
			ReadTimeout:         f.cfg.RequestTimeout,
			WriteTimeout:        f.cfg.RequestTimeout,
			MaxIdleConnDuration: 10 * time.Minute,
		},
	}

	if f.cfg.ValidateOnCreate {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}
		if err := conn.Ping(timeout); err != nil {
			conn.Close()
			return nil, fmt.Errorf("validating connection to %s: %w", f.cfg.Addr, err)
		}
	}

	return conn, nil
}

// Destroy tears down the connection handle.
func (f *HTTPConnectionFactory) Destroy(conn Connection) {
	if conn != nil {
		conn.Close()
	}
}

// HTTPConnection is one reusable HTTP channel to the remote endpoint.
type HTTPConnection struct {
	baseURL        string
	healthPath     string
	requestTimeout time.Duration
	client         *fasthttp.HostClient
}

// Do executes a request on this connection and returns status code and
// response body. The body is copied out of fasthttp's pooled buffers.
func (c *HTTPConnection) Do(ctx context.Context, method, path, contentType string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	if contentType != "" {
		req.Header.SetContentType(contentType)
	}
	if len(body) > 0 {
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, err
	}

	out := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), out, nil
}

// Ping issues a liveness request against the endpoint's health path.
func (c *HTTPConnection) Ping(timeout time.Duration) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + c.healthPath)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return err
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("health probe returned status %d", code)
	}
	return nil
}

// Close releases the underlying transport.
func (c *HTTPConnection) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// HTTPProbe checks HTTP connection liveness via the handle's health path.
type HTTPProbe struct{}

// NewHTTPProbe creates a new HTTP probe
func NewHTTPProbe() *HTTPProbe {
	return &HTTPProbe{}
}

// Check implements ConnectionProbe. Probe errors and timeouts are both
// reported as unhealthy.
func (p *HTTPProbe) Check(ctx context.Context, conn Connection, timeout time.Duration) (bool, error) {
	hc, ok := conn.(*HTTPConnection)
	if !ok {
		return false, NewPoolError(ErrCodeProbeFailed, "connection handle is not an HTTP connection", nil)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := hc.Ping(timeout); err != nil {
		return false, err
	}
	return true, nil
}
