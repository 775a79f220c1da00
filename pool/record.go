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
	"time"

	"github.com/google/uuid"
)

// Connection is one reusable channel to the remote endpoint. The pool treats
// it as opaque; it is owned exclusively by its ConnectionRecord and, while the
// record is busy, by the task that acquired it.
type Connection interface {
	Close() error
}

// ConnectionState represents the health state of a pooled connection
type ConnectionState int

const (
	StateHealthy ConnectionState = iota
	StateDegraded
	StateFailed
	StateRecovering
)

// String returns string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// emaWeight is the weight given to the newest latency sample.
const emaWeight = 0.2

// ConnectionRecord tracks state and rolling metrics for one pooled connection.
// All fields are guarded by the owning Manager's mutex; the record itself
// carries no lock.
type ConnectionRecord struct {
	id     string
	handle Connection
	state  ConnectionState

	requestsProcessed   int64
	avgResponseMillis   float64
	hasLatencySample    bool
	errorRate           float64
	consecutiveFailures int
	recoveryAttempts    int

	createdAt time.Time
	lastUsed  time.Time
}

func newConnectionRecord(handle Connection, now time.Time) *ConnectionRecord {
	return &ConnectionRecord{
		id:        uuid.New().String(),
		handle:    handle,
		state:     StateHealthy,
		createdAt: now,
		lastUsed:  now,
	}
}

// ID returns the record's stable identifier.
func (r *ConnectionRecord) ID() string {
	return r.id
}

// Handle returns the underlying connection. Valid only between Acquire and the
// matching Release.
func (r *ConnectionRecord) Handle() Connection {
	return r.handle
}

// State returns the record's health state at the time it was acquired.
func (r *ConnectionRecord) State() ConnectionState {
	return r.state
}

// observeLatency folds a latency sample into the exponential moving average.
// The first sample seeds the average.
func (r *ConnectionRecord) observeLatency(millis float64) {
	if !r.hasLatencySample {
		r.avgResponseMillis = millis
		r.hasLatencySample = true
		return
	}
	r.avgResponseMillis = emaWeight*millis + (1-emaWeight)*r.avgResponseMillis
}

// RecordSnapshot is a read-only copy of a record's bookkeeping, exposed
// through Manager.Stats for observability collaborators.
type RecordSnapshot struct {
	ID                  string          `json:"id"`
	State               string          `json:"state"`
	RequestsProcessed   int64           `json:"requests_processed"`
	AvgResponseMillis   float64         `json:"avg_response_millis"`
	ErrorRate           float64         `json:"error_rate"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	RecoveryAttempts    int             `json:"recovery_attempts"`
	CreatedAt           time.Time       `json:"created_at"`
	LastUsed            time.Time       `json:"last_used"`
}

func (r *ConnectionRecord) snapshot() RecordSnapshot {
	return RecordSnapshot{
		ID:                  r.id,
		State:               r.state.String(),
		RequestsProcessed:   r.requestsProcessed,
		AvgResponseMillis:   r.avgResponseMillis,
		ErrorRate:           r.errorRate,
		ConsecutiveFailures: r.consecutiveFailures,
		RecoveryAttempts:    r.recoveryAttempts,
		CreatedAt:           r.createdAt,
		LastUsed:            r.lastUsed,
	}
}
