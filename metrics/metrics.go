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

// Package metrics publishes pool activity to statsd-compatible sinks.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sink is a destination for metric samples. Tags are "key:value" strings.
type Sink interface {
	Count(name string, value int64, tags ...string)
	Gauge(name string, value float64, tags ...string)
	Timing(name string, value time.Duration, tags ...string)
	Close() error
}

// Config holds configuration for the metrics manager
type Config struct {
	// StatsdServers is a comma separated list of plain statsd endpoints.
	StatsdServers string `json:"statsd_servers"`

	// DogStatsdServers is a comma separated list of dogstatsd endpoints.
	DogStatsdServers string `json:"dogstatsd_servers"`

	// Namespace prefixes every metric name.
	Namespace string `json:"namespace"`

	// PublishInterval is the cadence for gauge snapshots.
	PublishInterval time.Duration `json:"publish_interval"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() Config {
	return Config{
		Namespace:       "inferogw",
		PublishInterval: 10 * time.Second,
	}
}

// Manager fans metric samples out to all configured sinks.
type Manager struct {
	sinks  []Sink
	logger *logrus.Logger

	mu     sync.Mutex
	closed bool
}

// NewManager creates a metrics manager for the configured sinks. A config
// with no servers yields a working manager that publishes nowhere.
func NewManager(cfg Config, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Manager{logger: logger}

	if cfg.StatsdServers != "" {
		sink, err := NewStatsdSink(cfg.StatsdServers, cfg.Namespace)
		if err != nil {
			return nil, fmt.Errorf("init statsd sink: %w", err)
		}
		m.sinks = append(m.sinks, sink)
	}
	if cfg.DogStatsdServers != "" {
		sink, err := NewDogStatsdSink(cfg.DogStatsdServers, cfg.Namespace)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("init dogstatsd sink: %w", err)
		}
		m.sinks = append(m.sinks, sink)
	}
	return m, nil
}

// AddSink registers an additional sink.
func (m *Manager) AddSink(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// Count adds value to a counter on every sink.
func (m *Manager) Count(name string, value int64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, s := range m.sinks {
		s.Count(name, value, tags...)
	}
}

// Gauge sets a gauge on every sink.
func (m *Manager) Gauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, s := range m.sinks {
		s.Gauge(name, value, tags...)
	}
}

// Timing records a duration on every sink.
func (m *Manager) Timing(name string, value time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, s := range m.sinks {
		s.Timing(name, value, tags...)
	}
}

// Close flushes and closes all sinks.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
