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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitor_ProbesOnlyIdleRecords(t *testing.T) {
	cfg := poolTestConfig()
	cfg.MinConnections = 2
	cfg.MaxConnections = 2
	m, _, probe := testManager(t, cfg)

	rec, err := m.Acquire(context.Background(), PriorityNormal)
	require.NoError(t, err)

	m.monitor.checkOnce(context.Background())

	probe.mu.Lock()
	checks := probe.checks
	probe.mu.Unlock()
	assert.Equal(t, 1, checks, "busy record must not be probed")

	m.Release(rec.ID(), OutcomeSuccess, nil)
}

func TestHealthMonitor_FailureThresholdMarksFailed(t *testing.T) {
	cfg := poolTestConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 1
	cfg.MonitorFailureThreshold = 5
	cfg.FailureThreshold = 3
	m, _, probe := testManager(t, cfg)

	probe.set(false, errors.New("probe timeout"))

	id := m.Stats().Connections[0].ID

	for i := 0; i < 4; i++ {
		m.monitor.checkOnce(context.Background())
		snap := snapshotByID(t, m, id)
		assert.NotEqual(t, StateFailed.String(), snap.State, "tick %d", i)
	}

	// Fifth consecutive probe failure: Failed, out of available, breaker
	// notified.
	m.monitor.checkOnce(context.Background())
	snap := snapshotByID(t, m, id)
	assert.Equal(t, StateFailed.String(), snap.State)
	assert.Zero(t, m.Stats().Available)
}

func TestHealthMonitor_ProbeErrorTreatedAsFailure(t *testing.T) {
	cfg := poolTestConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 1
	m, _, probe := testManager(t, cfg)

	// Probe reports healthy=true together with an error: the error wins.
	probe.set(true, errors.New("tls handshake failed"))

	id := m.Stats().Connections[0].ID
	for i := 0; i < 5; i++ {
		m.monitor.checkOnce(context.Background())
	}
	assert.Equal(t, StateFailed.String(), snapshotByID(t, m, id).State)
}

func TestHealthMonitor_RecoveryPath(t *testing.T) {
	cfg := poolTestConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 1
	m, _, probe := testManager(t, cfg)

	probe.set(false, nil)
	for i := 0; i < 5; i++ {
		m.monitor.checkOnce(context.Background())
	}
	id := m.Stats().Connections[0].ID
	require.Equal(t, StateFailed.String(), snapshotByID(t, m, id).State)

	probe.set(true, nil)
	m.monitor.checkOnce(context.Background())
	assert.Equal(t, StateRecovering.String(), snapshotByID(t, m, id).State)

	m.monitor.checkOnce(context.Background())
	snap := snapshotByID(t, m, id)
	assert.Equal(t, StateHealthy.String(), snap.State)
	assert.Equal(t, 1, m.Stats().Available)
}

func TestHealthMonitor_RetiresBeyondRecoveryBudget(t *testing.T) {
	cfg := poolTestConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 1
	cfg.MaxRecoveryAttempts = 2
	m, factory, probe := testManager(t, cfg)

	id := m.Stats().Connections[0].ID

	failRecord := func() {
		probe.set(false, nil)
		for i := 0; i < cfg.MonitorFailureThreshold; i++ {
			m.monitor.checkOnce(context.Background())
		}
	}
	recoverOnce := func() {
		probe.set(true, nil)
		m.monitor.checkOnce(context.Background()) // Failed -> Recovering
	}

	// Burn through the recovery budget: two Failed -> Recovering cycles.
	failRecord()
	recoverOnce()
	failRecord()
	recoverOnce()
	snap := snapshotByID(t, m, id)
	require.Equal(t, 2, snap.RecoveryAttempts)
	require.Equal(t, StateRecovering.String(), snap.State)

	// One failed probe drops it back to Failed; with the budget spent, the
	// next failure retires it.
	probe.set(false, nil)
	m.monitor.checkOnce(context.Background())
	require.Equal(t, StateFailed.String(), snapshotByID(t, m, id).State)
	m.monitor.checkOnce(context.Background())

	stats := m.Stats()
	assert.Zero(t, stats.PoolSize)
	assert.Equal(t, uint64(1), stats.ConnectionsRetired)
	_, destroyed := factory.counts()
	assert.Equal(t, 1, destroyed)
}

func TestHealthMonitor_StateChangeHook(t *testing.T) {
	cfg := poolTestConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 1

	type change struct {
		id       string
		from, to ConnectionState
	}
	changes := make(chan change, 16)

	factory := &stubFactory{}
	probe := &stubProbe{healthy: true}
	m, err := New(cfg, factory, probe,
		WithLogger(quietLogger()),
		WithHooks(Hooks{
			ConnectionStateChanged: func(id string, from, to ConnectionState) {
				changes <- change{id: id, from: from, to: to}
			},
		}))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Shutdown(time.Second)

	probe.set(false, nil)
	for i := 0; i < cfg.MonitorFailureThreshold; i++ {
		m.monitor.checkOnce(context.Background())
	}

	select {
	case got := <-changes:
		assert.Equal(t, StateHealthy, got.from)
		assert.Equal(t, StateFailed, got.to)
	default:
		t.Fatal("expected a state change notification")
	}
}

func TestHealthMonitor_StartStop(t *testing.T) {
	cfg := poolTestConfig()
	cfg.HealthCheckInterval = 10 * time.Millisecond
	m, _, probe := testManager(t, cfg)

	// The running monitor probes on its own cadence.
	assert.Eventually(t, func() bool {
		probe.mu.Lock()
		defer probe.mu.Unlock()
		return probe.checks > 0
	}, time.Second, 5*time.Millisecond)

	m.monitor.Stop()
	probe.mu.Lock()
	after := probe.checks
	probe.mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	probe.mu.Lock()
	final := probe.checks
	probe.mu.Unlock()
	assert.Equal(t, after, final, "monitor must not probe after Stop")

	// Stop twice is safe; Start again resumes.
	m.monitor.Stop()
	m.monitor.Start()
}
