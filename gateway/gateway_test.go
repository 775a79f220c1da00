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

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferogw/inferogw/pool"
)

// stubConn satisfies both pool.Connection and the gateway's forwarding
// interface.
type stubConn struct {
	mu       sync.Mutex
	status   int
	body     []byte
	err      error
	requests int
	lastPath string
}

func (c *stubConn) Close() error { return nil }

func (c *stubConn) Do(_ context.Context, _, path, _ string, _ []byte) (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	c.lastPath = path
	if c.err != nil {
		return 0, nil, c.err
	}
	return c.status, c.body, nil
}

type stubFactory struct {
	mu    sync.Mutex
	conns []*stubConn
	next  func() *stubConn
}

func (f *stubFactory) Create(context.Context) (pool.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := f.next()
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *stubFactory) Destroy(pool.Connection) {}

type okProbe struct{}

func (okProbe) Check(context.Context, pool.Connection, time.Duration) (bool, error) {
	return true, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestGateway(t *testing.T, cfg pool.Config, gwCfg Config, next func() *stubConn) (*Gateway, *pool.Manager) {
	t.Helper()
	factory := &stubFactory{next: next}
	m, err := pool.New(cfg, factory, okProbe{}, pool.WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Shutdown(time.Second) })
	return New(m, gwCfg, quietLogger()), m
}

func poolTestConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 2
	cfg.AcquireTimeout = 50 * time.Millisecond
	cfg.HealthCheckInterval = time.Hour
	return cfg
}

func TestCompletions_ForwardsRequest(t *testing.T) {
	conn := &stubConn{status: 200, body: []byte(`{"choices":[]}`)}
	g, m := newTestGateway(t, poolTestConfig(), Config{}, func() *stubConn { return conn })

	req := httptest.NewRequest("POST", "/v1/completions", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.App().Test(req)
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"choices":[]}`, string(body))
	assert.Equal(t, "/v1/completions", conn.lastPath)

	// The connection went back to the pool with a success recorded.
	stats := m.Stats()
	assert.Equal(t, 0, stats.Busy)
	require.Len(t, stats.Connections, 1)
	assert.EqualValues(t, 1, stats.Connections[0].RequestsProcessed)
}

func TestCompletions_CustomUpstreamPath(t *testing.T) {
	conn := &stubConn{status: 200, body: []byte(`{}`)}
	g, _ := newTestGateway(t, poolTestConfig(), Config{CompletionsPath: "/v2/generate"}, func() *stubConn { return conn })

	req := httptest.NewRequest("POST", "/v1/completions", strings.NewReader(`{}`))
	resp, err := g.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "/v2/generate", conn.lastPath)
}

func TestCompletions_UpstreamErrorIsBadGateway(t *testing.T) {
	conn := &stubConn{err: io.ErrUnexpectedEOF}
	g, m := newTestGateway(t, poolTestConfig(), Config{}, func() *stubConn { return conn })

	req := httptest.NewRequest("POST", "/v1/completions", strings.NewReader(`{}`))
	resp, err := g.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 502, resp.StatusCode)

	// The failure counted against the connection.
	stats := m.Stats()
	require.Len(t, stats.Connections, 1)
	assert.InDelta(t, 0.1, stats.Connections[0].ErrorRate, 1e-9)
}

func TestCompletions_Upstream5xxCountsAsFailure(t *testing.T) {
	conn := &stubConn{status: 500, body: []byte(`{"error":"cuda out of memory"}`)}
	g, m := newTestGateway(t, poolTestConfig(), Config{}, func() *stubConn { return conn })

	req := httptest.NewRequest("POST", "/v1/completions", strings.NewReader(`{}`))
	resp, err := g.App().Test(req)
	require.NoError(t, err)

	// Upstream status passes through, but the pool records a failure.
	assert.Equal(t, 500, resp.StatusCode)
	stats := m.Stats()
	require.Len(t, stats.Connections, 1)
	assert.InDelta(t, 0.1, stats.Connections[0].ErrorRate, 1e-9)
}

func TestCompletions_PoolExhaustedIs429(t *testing.T) {
	conn := &stubConn{status: 200, body: []byte(`{}`)}
	cfg := poolTestConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 1
	g, m := newTestGateway(t, cfg, Config{}, func() *stubConn { return conn })

	// Hold the only connection so the request has nothing to acquire.
	rec, err := m.Acquire(context.Background(), pool.PriorityNormal)
	require.NoError(t, err)
	defer m.Release(rec.ID(), pool.OutcomeSuccess, nil)

	req := httptest.NewRequest("POST", "/v1/completions", strings.NewReader(`{}`))
	resp, err := g.App().Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)
}

func TestHealth_ReflectsCircuitState(t *testing.T) {
	conn := &stubConn{status: 200, body: []byte(`{}`)}
	g, _ := newTestGateway(t, poolTestConfig(), Config{}, func() *stubConn { return conn })

	resp, err := g.App().Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "closed", payload["circuit"])
}

func TestStats_ReturnsPoolSnapshot(t *testing.T) {
	conn := &stubConn{status: 200, body: []byte(`{}`)}
	g, _ := newTestGateway(t, poolTestConfig(), Config{}, func() *stubConn { return conn })

	resp, err := g.App().Test(httptest.NewRequest("GET", "/stats", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var stats pool.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.PoolSize)
	assert.Equal(t, "closed", stats.CircuitState)
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	conn := &stubConn{status: 200, body: []byte(`{}`)}
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, Burst: 2})
	g, _ := newTestGateway(t, poolTestConfig(), Config{RateLimiter: rl}, func() *stubConn { return conn })

	for i := 0; i < 2; i++ {
		resp, err := g.App().Test(httptest.NewRequest("GET", "/health", nil))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
	}
	resp, err := g.App().Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 429, resp.StatusCode)
}
