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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferogw/inferogw/pool"
)

type captureSink struct {
	mu      sync.Mutex
	counts  map[string]int64
	gauges  map[string]float64
	timings map[string]time.Duration
	closed  bool
}

func newCaptureSink() *captureSink {
	return &captureSink{
		counts:  make(map[string]int64),
		gauges:  make(map[string]float64),
		timings: make(map[string]time.Duration),
	}
}

func (s *captureSink) Count(name string, value int64, tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name] += value
}

func (s *captureSink) Gauge(name string, value float64, tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[name] = value
}

func (s *captureSink) Timing(name string, value time.Duration, tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timings[name] = value
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) count(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

func (s *captureSink) gauge(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gauges[name]
}

func TestManager_FansOutToAllSinks(t *testing.T) {
	m, err := NewManager(Config{}, nil)
	require.NoError(t, err)

	a := newCaptureSink()
	b := newCaptureSink()
	m.AddSink(a)
	m.AddSink(b)

	m.Count("requests", 2)
	m.Gauge("pool.size", 3)
	m.Timing("latency", 50*time.Millisecond)

	for _, sink := range []*captureSink{a, b} {
		assert.Equal(t, int64(2), sink.count("requests"))
		assert.Equal(t, 3.0, sink.gauge("pool.size"))
	}

	require.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)

	// Samples after Close are dropped, not panics.
	m.Count("requests", 1)
	assert.Equal(t, int64(2), a.count("requests"))
}

func TestHooks_CountLifecycleEvents(t *testing.T) {
	m, err := NewManager(Config{}, nil)
	require.NoError(t, err)
	sink := newCaptureSink()
	m.AddSink(sink)

	hooks := Hooks(m)
	hooks.ConnectionCreated("a")
	hooks.ConnectionCreated("b")
	hooks.ConnectionRetired("a")
	hooks.ConnectionStateChanged("b", pool.StateHealthy, pool.StateDegraded)
	hooks.CircuitStateChanged(pool.CircuitClosed, pool.CircuitOpen)
	hooks.PoolExhausted()

	assert.Equal(t, int64(2), sink.count("pool.connections_created"))
	assert.Equal(t, int64(1), sink.count("pool.connections_retired"))
	assert.Equal(t, int64(1), sink.count("pool.state_transitions"))
	assert.Equal(t, int64(1), sink.count("pool.circuit_transitions"))
	assert.Equal(t, int64(1), sink.count("pool.exhausted"))
}

func TestPublisher_ExportsGauges(t *testing.T) {
	m, err := NewManager(Config{}, nil)
	require.NoError(t, err)
	sink := newCaptureSink()
	m.AddSink(sink)

	stats := pool.Stats{
		PoolSize:     4,
		Available:    1,
		Busy:         3,
		CircuitState: "open",
	}
	p := NewPublisher(m, func() pool.Stats { return stats })
	p.publishOnce()

	assert.Equal(t, 4.0, sink.gauge("pool.size"))
	assert.Equal(t, 1.0, sink.gauge("pool.available"))
	assert.Equal(t, 3.0, sink.gauge("pool.busy"))
	assert.Equal(t, 1.0, sink.gauge("pool.circuit_open"))
}

func TestPublisher_StartStop(t *testing.T) {
	m, err := NewManager(Config{}, nil)
	require.NoError(t, err)
	sink := newCaptureSink()
	m.AddSink(sink)

	p := NewPublisher(m, func() pool.Stats { return pool.Stats{PoolSize: 1} })
	p.Start(5 * time.Millisecond)
	assert.Eventually(t, func() bool {
		return sink.gauge("pool.size") == 1.0
	}, time.Second, time.Millisecond)
	p.Stop()
	p.Stop() // stop twice is safe
}
