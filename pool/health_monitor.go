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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// HealthMonitor periodically probes idle connections and repairs their state.
// It never probes a busy record and never creates records; the only
// destruction it triggers is retirement of records that failed beyond their
// recovery budget.
type HealthMonitor struct {
	manager *Manager

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newHealthMonitor(m *Manager) *HealthMonitor {
	return &HealthMonitor{manager: m}
}

// Start launches the monitor loop. Idempotent.
func (hm *HealthMonitor) Start() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.running {
		return
	}
	hm.running = true
	hm.stopCh = make(chan struct{})
	hm.doneCh = make(chan struct{})
	go hm.run(hm.stopCh, hm.doneCh)
}

// Stop stops the monitor loop and waits for it to exit.
func (hm *HealthMonitor) Stop() {
	hm.mu.Lock()
	if !hm.running {
		hm.mu.Unlock()
		return
	}
	hm.running = false
	close(hm.stopCh)
	doneCh := hm.doneCh
	hm.mu.Unlock()
	<-doneCh
}

func (hm *HealthMonitor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	m := hm.manager
	m.mu.Lock()
	interval := m.cfg.HealthCheckInterval
	m.mu.Unlock()
	m.logger.WithField("interval", interval).Info("Health monitor started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-stopCh:
			m.logger.Info("Health monitor stopped")
			return
		case <-ticker.C:
			hm.checkOnce(ctx)
		}
	}
}

type probeResult struct {
	id      string
	healthy bool
	err     error
}

// checkOnce probes every idle record concurrently, collects the results, and
// applies state transitions in one pass under the pool lock, so a slow probe
// never blocks the others or the pool.
func (hm *HealthMonitor) checkOnce(ctx context.Context) {
	m := hm.manager

	m.mu.Lock()
	type target struct {
		id     string
		handle Connection
	}
	targets := make([]target, 0, len(m.records))
	for id, rec := range m.records {
		if _, isBusy := m.busy[id]; isBusy {
			continue
		}
		targets = append(targets, target{id: id, handle: rec.handle})
	}
	probeTimeout := m.cfg.ProbeTimeout
	m.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	results := make([]probeResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			healthy, err := m.probe.Check(gctx, t.handle, probeTimeout)
			results[i] = probeResult{id: t.id, healthy: healthy && err == nil, err: err}
			return nil
		})
	}
	// Probe goroutines never return errors; failures are carried in results.
	_ = g.Wait()

	m.applyProbeResults(results)
}

// applyProbeResults folds probe outcomes back into record state. Called with
// results collected outside the lock; membership may have changed in the
// meantime, so records that went busy or away are skipped.
func (m *Manager) applyProbeResults(results []probeResult) {
	type transition struct {
		id       string
		from, to ConnectionState
	}
	var transitions []transition
	var retired []*ConnectionRecord

	m.mu.Lock()
	for _, res := range results {
		rec, exists := m.records[res.id]
		if !exists {
			continue
		}
		if _, isBusy := m.busy[res.id]; isBusy {
			continue
		}

		prev := rec.state
		if res.healthy {
			switch rec.state {
			case StateFailed:
				rec.state = StateRecovering
				rec.recoveryAttempts++
			case StateRecovering:
				rec.state = StateHealthy
				rec.consecutiveFailures = 0
				rec.errorRate *= 0.5
				m.available[rec.id] = rec
				m.signalLocked()
			case StateDegraded:
				// An idle probe success clears a degraded record.
				rec.state = StateHealthy
				rec.consecutiveFailures = 0
			}
		} else {
			rec.consecutiveFailures++
			if rec.state == StateFailed {
				if rec.recoveryAttempts >= m.cfg.MaxRecoveryAttempts {
					m.retireLocked(rec)
					retired = append(retired, rec)
				}
			} else if rec.consecutiveFailures >= m.cfg.MonitorFailureThreshold {
				rec.state = StateFailed
				delete(m.available, rec.id)
				m.breaker.RecordFailure()
			}
			if res.err != nil {
				m.logger.WithError(res.err).WithField("connection_id", res.id).Debug("Connection probe failed")
			}
		}
		if prev != rec.state {
			transitions = append(transitions, transition{id: rec.id, from: prev, to: rec.state})
		}
	}
	m.mu.Unlock()

	for _, rec := range retired {
		m.factory.Destroy(rec.handle)
		m.logger.WithFields(logrus.Fields{
			"connection_id":     rec.id,
			"recovery_attempts": rec.recoveryAttempts,
		}).Warn("Retired connection after exhausting recovery attempts")
		m.notifyRetired(rec.id)
	}
	for _, tr := range transitions {
		m.logger.WithFields(logrus.Fields{
			"connection_id": tr.id,
			"from":          tr.from.String(),
			"to":            tr.to.String(),
		}).Info("Connection state changed by health monitor")
		m.notifyStateChanged(tr.id, tr.from, tr.to)
	}
}
