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

package metrics

import (
	"sync"
	"time"

	"github.com/inferogw/inferogw/pool"
)

// Publisher periodically exports pool gauges and translates pool lifecycle
// hooks into counters.
type Publisher struct {
	manager *Manager
	stats   func() pool.Stats

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPublisher creates a publisher exporting snapshots from stats.
func NewPublisher(manager *Manager, stats func() pool.Stats) *Publisher {
	return &Publisher{manager: manager, stats: stats}
}

// Start begins periodic gauge publication. Idempotent.
func (p *Publisher) Start(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run(interval, p.stopCh, p.doneCh)
}

// Stop halts periodic publication and waits for the loop to exit.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	doneCh := p.doneCh
	p.mu.Unlock()
	<-doneCh
}

func (p *Publisher) run(interval time.Duration, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.publishOnce()
		}
	}
}

func (p *Publisher) publishOnce() {
	stats := p.stats()
	m := p.manager
	m.Gauge("pool.size", float64(stats.PoolSize))
	m.Gauge("pool.available", float64(stats.Available))
	m.Gauge("pool.busy", float64(stats.Busy))
	m.Gauge("pool.waiting", float64(stats.Waiting))
	m.Gauge("pool.circuit_open", boolGauge(stats.CircuitState == "open"))
	m.Count("pool.acquires", int64(stats.TotalAcquires), "kind:cumulative")
	m.Count("pool.releases", int64(stats.TotalReleases), "kind:cumulative")
}

// Hooks returns pool lifecycle hooks that feed this manager's counters.
func Hooks(m *Manager) pool.Hooks {
	return pool.Hooks{
		ConnectionCreated: func(id string) {
			m.Count("pool.connections_created", 1)
		},
		ConnectionRetired: func(id string) {
			m.Count("pool.connections_retired", 1)
		},
		ConnectionStateChanged: func(id string, from, to pool.ConnectionState) {
			m.Count("pool.state_transitions", 1, "to:"+to.String())
		},
		CircuitStateChanged: func(from, to pool.CircuitState) {
			m.Count("pool.circuit_transitions", 1, "to:"+to.String())
		},
		PoolExhausted: func() {
			m.Count("pool.exhausted", 1)
		},
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
