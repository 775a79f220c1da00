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

// Package gateway exposes the connection pool over HTTP: request forwarding
// to the upstream inference endpoint plus health and stats surfaces.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/inferogw/inferogw/pool"
)

// PriorityHeader selects acquire priority; "high" restricts candidate
// connections to fully healthy ones.
const PriorityHeader = "X-Inferogw-Priority"

// upstreamConn is the slice of a pooled connection the gateway forwards
// through. *pool.HTTPConnection satisfies it.
type upstreamConn interface {
	Do(ctx context.Context, method, path, contentType string, body []byte) (int, []byte, error)
}

// Config tunes the HTTP front end.
type Config struct {
	// CompletionsPath is the upstream path completion requests are
	// forwarded to.
	CompletionsPath string

	// RateLimiter optionally bounds per-client request rates. Nil disables
	// limiting.
	RateLimiter *RateLimiter
}

// Gateway is the fiber application fronting a connection pool manager.
type Gateway struct {
	app     *fiber.App
	manager *pool.Manager
	logger  *logrus.Logger
	cfg     Config
}

// New builds the gateway and registers its routes.
func New(manager *pool.Manager, cfg Config, log *logrus.Logger) *Gateway {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.CompletionsPath == "" {
		cfg.CompletionsPath = "/v1/completions"
	}

	app := fiber.New(fiber.Config{
		AppName:               "inferogw",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(logger.New())

	g := &Gateway{
		app:     app,
		manager: manager,
		logger:  log,
		cfg:     cfg,
	}

	if cfg.RateLimiter != nil {
		app.Use(cfg.RateLimiter.Middleware())
	}
	app.Post("/v1/completions", g.handleCompletions)
	app.Get("/health", g.handleHealth)
	app.Get("/stats", g.handleStats)
	return g
}

// Listen serves the gateway on addr until Shutdown is called.
func (g *Gateway) Listen(addr string) error {
	return g.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	return g.app.ShutdownWithTimeout(timeout)
}

// App exposes the underlying fiber app, used by tests.
func (g *Gateway) App() *fiber.App {
	return g.app
}

func (g *Gateway) handleCompletions(c *fiber.Ctx) error {
	priority := pool.PriorityNormal
	if c.Get(PriorityHeader) == "high" {
		priority = pool.PriorityHigh
	}

	rec, err := g.manager.Acquire(c.UserContext(), priority)
	if err != nil {
		return g.acquireError(c, err)
	}

	conn, ok := rec.Handle().(upstreamConn)
	if !ok {
		g.manager.Release(rec.ID(), pool.OutcomeFailure, nil)
		g.logger.WithField("connection_id", rec.ID()).Error("Pooled connection does not support request forwarding")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "upstream connection unavailable",
		})
	}

	body := make([]byte, len(c.Body()))
	copy(body, c.Body())

	start := time.Now()
	status, respBody, err := conn.Do(c.UserContext(), fiber.MethodPost, g.cfg.CompletionsPath, string(c.Request().Header.ContentType()), body)
	latency := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		g.manager.Release(rec.ID(), pool.OutcomeFailure, &latency)
		g.logger.WithError(err).WithField("connection_id", rec.ID()).Warn("Upstream request failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "upstream request failed",
		})
	}

	outcome := pool.OutcomeSuccess
	if status >= fiber.StatusInternalServerError {
		outcome = pool.OutcomeFailure
	}
	g.manager.Release(rec.ID(), outcome, &latency)

	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(status).Send(respBody)
}

func (g *Gateway) acquireError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, pool.ErrCircuitOpen):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "upstream circuit open",
		})
	case errors.Is(err, pool.ErrPoolExhausted):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "connection pool exhausted",
		})
	case errors.Is(err, pool.ErrPoolClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "gateway shutting down",
		})
	default:
		g.logger.WithError(err).Error("Failed to acquire connection")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "failed to acquire upstream connection",
		})
	}
}

func (g *Gateway) handleHealth(c *fiber.Ctx) error {
	if g.manager.CircuitState() == pool.CircuitOpen {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":  "unhealthy",
			"circuit": g.manager.CircuitState().String(),
		})
	}
	return c.JSON(fiber.Map{
		"status":  "ok",
		"circuit": g.manager.CircuitState().String(),
	})
}

func (g *Gateway) handleStats(c *fiber.Ctx) error {
	return c.JSON(g.manager.Stats())
}
