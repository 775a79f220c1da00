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

// Package gwevent publishes pool lifecycle notifications to external message
// brokers.
package gwevent

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/inferogw/inferogw/pool"
)

// Type identifies an event kind, used as the subject/key suffix.
type Type string

const (
	TypeConnectionCreated Type = "connection.created"
	TypeConnectionRetired Type = "connection.retired"
	TypeConnectionState   Type = "connection.state"
	TypeCircuitState      Type = "circuit.state"
	TypePoolExhausted     Type = "pool.exhausted"
)

// Event is one pool lifecycle notification.
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	Time         time.Time `json:"time"`
	ConnectionID string    `json:"connection_id,omitempty"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
}

// Publisher delivers events to an external broker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// Dispatcher decouples the pool's hot paths from broker latency: events are
// queued on a buffered channel and delivered by a single worker. When the
// queue is full the event is dropped and counted, never blocking a release.
type Dispatcher struct {
	publisher Publisher
	logger    *logrus.Logger
	queue     chan Event
	timeout   time.Duration

	mu      sync.Mutex
	running bool
	doneCh  chan struct{}
	dropped uint64
}

// NewDispatcher creates a dispatcher in front of publisher with the given
// queue depth.
func NewDispatcher(publisher Publisher, queueDepth int, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if queueDepth < 1 {
		queueDepth = 256
	}
	return &Dispatcher{
		publisher: publisher,
		logger:    logger,
		queue:     make(chan Event, queueDepth),
		timeout:   5 * time.Second,
	}
}

// Start launches the delivery worker. Idempotent.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.doneCh = make(chan struct{})
	go d.run()
}

// Emit queues an event for delivery. Never blocks.
func (d *Dispatcher) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case d.queue <- ev:
	default:
		d.mu.Lock()
		d.dropped++
		dropped := d.dropped
		d.mu.Unlock()
		d.logger.WithFields(logrus.Fields{
			"type":    string(ev.Type),
			"dropped": dropped,
		}).Warn("Event queue full, dropping event")
	}
}

// Dropped returns the number of events dropped due to a full queue.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close drains queued events, stops the worker, and closes the publisher.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return d.publisher.Close()
	}
	d.running = false
	doneCh := d.doneCh
	d.mu.Unlock()

	close(d.queue)
	<-doneCh
	return d.publisher.Close()
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.publisher.Publish(ctx, ev); err != nil {
			d.logger.WithError(err).WithField("type", string(ev.Type)).Warn("Failed to publish event")
		}
		cancel()
	}
}

// Hooks returns pool lifecycle hooks that emit through this dispatcher.
func (d *Dispatcher) Hooks() pool.Hooks {
	return pool.Hooks{
		ConnectionCreated: func(id string) {
			d.Emit(Event{Type: TypeConnectionCreated, ConnectionID: id})
		},
		ConnectionRetired: func(id string) {
			d.Emit(Event{Type: TypeConnectionRetired, ConnectionID: id})
		},
		ConnectionStateChanged: func(id string, from, to pool.ConnectionState) {
			d.Emit(Event{Type: TypeConnectionState, ConnectionID: id, From: from.String(), To: to.String()})
		},
		CircuitStateChanged: func(from, to pool.CircuitState) {
			d.Emit(Event{Type: TypeCircuitState, From: from.String(), To: to.String()})
		},
		PoolExhausted: func() {
			d.Emit(Event{Type: TypePoolExhausted})
		},
	}
}
