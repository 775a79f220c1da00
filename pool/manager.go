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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Outcome classifies the result a caller reports back on release.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// String returns string representation of the outcome
func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "failure"
}

// Hooks carries optional callbacks for pool lifecycle observation. Callbacks
// must be fast and non-blocking and must not call back into the manager
// synchronously; CircuitStateChanged in particular can fire while pool
// internals are locked.
type Hooks struct {
	ConnectionCreated      func(id string)
	ConnectionRetired      func(id string)
	ConnectionStateChanged func(id string, from, to ConnectionState)
	CircuitStateChanged    func(from, to CircuitState)
	PoolExhausted          func()
}

// Stats is a read-only snapshot of the pool for observability collaborators.
type Stats struct {
	PoolSize           int              `json:"pool_size"`
	Available          int              `json:"available"`
	Busy               int              `json:"busy"`
	Waiting            int              `json:"waiting"`
	CircuitState       string           `json:"circuit_state"`
	TotalAcquires      uint64           `json:"total_acquires"`
	TotalReleases      uint64           `json:"total_releases"`
	AcquireTimeouts    uint64           `json:"acquire_timeouts"`
	CircuitRejections  uint64           `json:"circuit_rejections"`
	ConnectionsCreated uint64           `json:"connections_created"`
	ConnectionsRetired uint64           `json:"connections_retired"`
	Connections        []RecordSnapshot `json:"connections,omitempty"`
}

type waiter struct {
	ch chan struct{}
}

// Manager is the adaptive connection pool manager. It owns the connection
// set, exposes acquire/release, scales the pool between MinConnections and
// MaxConnections, and runs the background health monitor.
type Manager struct {
	cfg     Config
	factory ConnectionFactory
	probe   ConnectionProbe
	logger  *logrus.Logger
	now     func() time.Time
	hooks   Hooks

	breaker  *CircuitBreaker
	balancer *LoadBalancer
	monitor  *HealthMonitor

	mu             sync.Mutex
	records        map[string]*ConnectionRecord
	available      map[string]*ConnectionRecord
	busy           map[string]*ConnectionRecord
	pendingCreates int
	waiters        []*waiter
	started        bool
	closed         bool

	totalAcquires      uint64
	totalReleases      uint64
	acquireTimeouts    uint64
	circuitRejections  uint64
	connectionsCreated uint64
	connectionsRetired uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the pool's logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the pool's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithHooks registers lifecycle callbacks.
func WithHooks(hooks Hooks) Option {
	return func(m *Manager) { m.hooks = hooks }
}

// WithBalancerSeed seeds the load balancer's random source.
func WithBalancerSeed(seed int64) Option {
	return func(m *Manager) { m.balancer = NewLoadBalancer(seed) }
}

// New creates a connection pool manager. The pool is inert until Start.
func New(cfg Config, factory ConnectionFactory, probe ConnectionProbe, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if factory == nil {
		return nil, fmt.Errorf("connection factory is required")
	}
	if probe == nil {
		return nil, fmt.Errorf("connection probe is required")
	}

	m := &Manager{
		cfg:       cfg,
		factory:   factory,
		probe:     probe,
		now:       time.Now,
		breaker:   NewCircuitBreaker(cfg.FailureThreshold, cfg.RecoveryTimeout, cfg.HalfOpenMaxCalls),
		balancer:  NewLoadBalancer(time.Now().UnixNano()),
		records:   make(map[string]*ConnectionRecord),
		available: make(map[string]*ConnectionRecord),
		busy:      make(map[string]*ConnectionRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logrus.StandardLogger()
	}
	m.breaker.now = m.now
	m.breaker.SetStateChangeCallback(func(from, to CircuitState) {
		m.logger.WithFields(logrus.Fields{
			"from": from.String(),
			"to":   to.String(),
		}).Info("Circuit breaker state changed")
		if m.hooks.CircuitStateChanged != nil {
			m.hooks.CircuitStateChanged(from, to)
		}
	})
	m.monitor = newHealthMonitor(m)
	return m, nil
}

// Start provisions MinConnections records and starts the health monitor.
// Creation failures are logged and skipped; Start fails only when no
// connection at all could be created. Idempotent.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrPoolClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	minConns, maxConns := m.cfg.MinConnections, m.cfg.MaxConnections
	m.mu.Unlock()

	created := 0
	var lastErr error
	for i := 0; i < minConns; i++ {
		conn, err := m.factory.Create(ctx)
		if err != nil {
			lastErr = err
			m.logger.WithError(err).Warn("Failed to create initial pool connection, skipping")
			continue
		}
		m.mu.Lock()
		rec := newConnectionRecord(conn, m.now())
		m.records[rec.id] = rec
		m.available[rec.id] = rec
		m.connectionsCreated++
		m.mu.Unlock()
		created++
		m.notifyCreated(rec.id)
	}

	if minConns > 0 && created == 0 {
		return NewPoolError(ErrCodeConnectionCreateFailed, "could not create any initial connection", lastErr)
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	m.monitor.Start()
	m.logger.WithFields(logrus.Fields{
		"connections": created,
		"min":         minConns,
		"max":         maxConns,
	}).Info("Connection pool started")
	return nil
}

// UpdateConfig applies tunable settings from cfg to a running pool: timeouts,
// failure thresholds, recovery budget, breaker settings, and the health-check
// interval. Pool sizing cannot change at runtime; differing MinConnections or
// MaxConnections values are ignored with a warning.
func (m *Manager) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid pool config: %w", err)
	}

	m.mu.Lock()
	if cfg.MinConnections != m.cfg.MinConnections || cfg.MaxConnections != m.cfg.MaxConnections {
		m.logger.WithFields(logrus.Fields{
			"min": m.cfg.MinConnections,
			"max": m.cfg.MaxConnections,
		}).Warn("Pool sizing changes require a restart, keeping current min/max")
	}
	cfg.MinConnections = m.cfg.MinConnections
	cfg.MaxConnections = m.cfg.MaxConnections
	restartMonitor := m.started && !m.closed && cfg.HealthCheckInterval != m.cfg.HealthCheckInterval
	m.cfg = cfg
	m.mu.Unlock()

	m.breaker.updateSettings(cfg.FailureThreshold, cfg.RecoveryTimeout, cfg.HalfOpenMaxCalls)
	if restartMonitor {
		m.monitor.Stop()
		m.monitor.Start()
	}
	m.logger.Info("Pool configuration updated")
	return nil
}

// Acquire returns a connection record for exclusive use by the caller, or an
// error when the circuit is open, the pool stayed exhausted for the acquire
// timeout, or creating a new connection failed. The wait is canceled early if
// ctx is done.
func (m *Manager) Acquire(ctx context.Context, priority Priority) (*ConnectionRecord, error) {
	m.mu.Lock()
	acquireTimeout := m.cfg.AcquireTimeout
	m.mu.Unlock()
	timer := time.NewTimer(acquireTimeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if !m.breaker.Allow() {
			m.circuitRejections++
			m.mu.Unlock()
			return nil, ErrCircuitOpen
		}

		if rec := m.selectLocked(priority); rec != nil {
			m.totalAcquires++
			m.mu.Unlock()
			return rec, nil
		}

		if len(m.records)+m.pendingCreates < m.cfg.MaxConnections {
			m.pendingCreates++
			m.mu.Unlock()

			conn, err := m.factory.Create(ctx)

			m.mu.Lock()
			m.pendingCreates--
			if err != nil {
				m.signalLocked() // the reserved slot is free again
				m.mu.Unlock()
				return nil, NewPoolError(ErrCodeConnectionCreateFailed, "failed to grow pool", err)
			}
			if m.closed {
				m.mu.Unlock()
				m.factory.Destroy(conn)
				return nil, ErrPoolClosed
			}
			rec := newConnectionRecord(conn, m.now())
			m.records[rec.id] = rec
			m.busy[rec.id] = rec
			m.connectionsCreated++
			m.totalAcquires++
			m.mu.Unlock()

			m.notifyCreated(rec.id)
			return rec, nil
		}

		w := &waiter{ch: make(chan struct{}, 1)}
		m.waiters = append(m.waiters, w)
		m.mu.Unlock()

		select {
		case <-w.ch:
			// Woken by a release or freed capacity; retry from the top.
		case <-ctx.Done():
			m.removeWaiter(w)
			return nil, ctx.Err()
		case <-timer.C:
			m.removeWaiter(w)
			m.mu.Lock()
			m.acquireTimeouts++
			m.mu.Unlock()
			if m.hooks.PoolExhausted != nil {
				m.hooks.PoolExhausted()
			}
			return nil, ErrPoolExhausted
		}
	}
}

// selectLocked picks an admissible idle record and moves it to busy.
// PriorityHigh restricts the candidate set to fully healthy records.
func (m *Manager) selectLocked(priority Priority) *ConnectionRecord {
	candidates := make([]*ConnectionRecord, 0, len(m.available))
	for _, rec := range m.available {
		switch rec.state {
		case StateHealthy:
			candidates = append(candidates, rec)
		case StateDegraded:
			if priority != PriorityHigh {
				candidates = append(candidates, rec)
			}
		}
	}
	rec := m.balancer.Select(candidates, priority)
	if rec == nil {
		return nil
	}
	delete(m.available, rec.id)
	m.busy[rec.id] = rec
	return rec
}

// Release returns a connection to the pool with the caller's observed
// outcome. It always runs to completion; releasing an id that is not busy is
// logged as an inconsistency and ignored.
func (m *Manager) Release(id string, outcome Outcome, latencyMillis *float64) {
	m.mu.Lock()
	rec, ok := m.busy[id]
	if !ok {
		m.mu.Unlock()
		m.logger.WithField("connection_id", id).Warn("Release of connection not marked busy, ignoring")
		return
	}
	delete(m.busy, id)

	if m.closed {
		delete(m.records, id)
		m.mu.Unlock()
		m.factory.Destroy(rec.handle)
		return
	}

	rec.requestsProcessed++
	rec.lastUsed = m.now()
	if latencyMillis != nil {
		rec.observeLatency(*latencyMillis)
	}

	prev := rec.state
	if outcome == OutcomeSuccess {
		rec.consecutiveFailures = 0
		if rec.state == StateRecovering {
			rec.state = StateHealthy
			rec.errorRate *= 0.5
		}
		m.breaker.RecordSuccess()
	} else {
		rec.consecutiveFailures++
		rec.errorRate = minFloat(1.0, rec.errorRate+0.1)
		if rec.consecutiveFailures >= m.cfg.FailedThreshold {
			rec.state = StateFailed
		} else {
			rec.state = StateDegraded
		}
		m.breaker.RecordFailure()
	}

	state := rec.state
	if state == StateHealthy || state == StateDegraded {
		m.available[id] = rec
		m.signalLocked()
	}
	m.totalReleases++
	m.mu.Unlock()

	if prev != state {
		m.logger.WithFields(logrus.Fields{
			"connection_id": id,
			"from":          prev.String(),
			"to":            state.String(),
		}).Debug("Connection state changed on release")
		m.notifyStateChanged(id, prev, state)
	}
}

// Stats returns a read-only snapshot of the pool.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		PoolSize:           len(m.records),
		Available:          len(m.available),
		Busy:               len(m.busy),
		Waiting:            len(m.waiters),
		CircuitState:       m.breaker.State().String(),
		TotalAcquires:      m.totalAcquires,
		TotalReleases:      m.totalReleases,
		AcquireTimeouts:    m.acquireTimeouts,
		CircuitRejections:  m.circuitRejections,
		ConnectionsCreated: m.connectionsCreated,
		ConnectionsRetired: m.connectionsRetired,
	}
	stats.Connections = make([]RecordSnapshot, 0, len(m.records))
	for _, rec := range m.records {
		stats.Connections = append(stats.Connections, rec.snapshot())
	}
	return stats
}

// CircuitState returns the breaker's current state.
func (m *Manager) CircuitState() CircuitState {
	return m.breaker.State()
}

// Shutdown drains the pool: it stops admitting work, waits up to timeout for
// busy connections to be released, then destroys all handles and stops the
// health monitor. Records still busy after the timeout are destroyed by their
// eventual Release.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, w := range m.waiters {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
	m.waiters = nil
	started := m.started
	m.mu.Unlock()

	if started {
		m.monitor.Stop()
	}

	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		busy := len(m.busy)
		m.mu.Unlock()
		if busy == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.mu.Lock()
	idle := make([]*ConnectionRecord, 0, len(m.records))
	for id, rec := range m.records {
		if _, stillBusy := m.busy[id]; stillBusy {
			continue
		}
		idle = append(idle, rec)
		delete(m.records, id)
		delete(m.available, id)
	}
	remaining := len(m.busy)
	m.mu.Unlock()

	for _, rec := range idle {
		m.factory.Destroy(rec.handle)
	}

	if remaining > 0 {
		m.logger.WithField("busy", remaining).Warn("Pool shutdown timed out with connections still busy")
		return fmt.Errorf("pool shutdown: %d connections still busy after %s", remaining, timeout)
	}
	m.logger.Info("Connection pool shut down")
	return nil
}

// signalLocked wakes the longest-waiting acquirer, if any.
func (m *Manager) signalLocked() {
	for len(m.waiters) > 0 {
		w := m.waiters[0]
		m.waiters = m.waiters[1:]
		select {
		case w.ch <- struct{}{}:
			return
		default:
			// Waiter already signaled; pass the wakeup on.
		}
	}
}

// removeWaiter drops a waiter that timed out or was canceled. If the waiter
// was signaled concurrently, the wakeup is handed to the next waiter so it is
// not lost.
func (m *Manager) removeWaiter(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, candidate := range m.waiters {
		if candidate == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
	// Not queued anymore: a release already popped and signaled it.
	select {
	case <-w.ch:
		m.signalLocked()
	default:
	}
}

// retireLocked removes a record from the pool. The handle is destroyed by the
// caller outside the lock. Never called on a busy record.
func (m *Manager) retireLocked(rec *ConnectionRecord) {
	delete(m.records, rec.id)
	delete(m.available, rec.id)
	m.connectionsRetired++
	// The freed capacity lets a blocked acquirer grow the pool.
	m.signalLocked()
}

func (m *Manager) notifyCreated(id string) {
	if m.hooks.ConnectionCreated != nil {
		m.hooks.ConnectionCreated(id)
	}
}

func (m *Manager) notifyRetired(id string) {
	if m.hooks.ConnectionRetired != nil {
		m.hooks.ConnectionRetired(id)
	}
}

func (m *Manager) notifyStateChanged(id string, from, to ConnectionState) {
	if m.hooks.ConnectionStateChanged != nil {
		m.hooks.ConnectionStateChanged(id, from, to)
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
