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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(3, 30*time.Second, 2)
	cb.now = clock.Now

	assert.Equal(t, CircuitClosed, cb.State())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_RecoveryToHalfOpen(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(1, 30*time.Second, 2)
	cb.now = clock.Now

	cb.RecordFailure()
	require.Equal(t, CircuitOpen, cb.State())
	require.False(t, cb.Allow())

	clock.Advance(29 * time.Second)
	assert.False(t, cb.Allow())

	clock.Advance(1 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenCallBudget(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(1, time.Second, 2)
	cb.now = clock.Now

	cb.RecordFailure()
	clock.Advance(time.Second)

	// The transition itself consumes the first probe slot.
	assert.True(t, cb.Allow())
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(1, time.Second, 3)
	cb.now = clock.Now

	cb.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, cb.Allow())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())

	// Failure count was reset on close.
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(1, 10*time.Second, 3)
	cb.now = clock.Now

	cb.RecordFailure()
	clock.Advance(10 * time.Second)
	require.True(t, cb.Allow())
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	// lastFailureTime was reset, so the recovery window starts over.
	clock.Advance(9 * time.Second)
	assert.False(t, cb.Allow())
	clock.Advance(1 * time.Second)
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_ClosedSuccessDecaysFailures(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(3, time.Second, 1)
	cb.now = clock.Now

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordSuccess()

	// Two failures were decayed away; two more should not trip a
	// threshold of three.
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(1, time.Second, 1)
	cb.now = clock.Now

	var got [][2]CircuitState
	cb.SetStateChangeCallback(func(from, to CircuitState) {
		got = append(got, [2]CircuitState{from, to})
	})

	cb.RecordFailure()
	clock.Advance(time.Second)
	cb.Allow()
	cb.RecordSuccess()

	require.Len(t, got, 3)
	assert.Equal(t, [2]CircuitState{CircuitClosed, CircuitOpen}, got[0])
	assert.Equal(t, [2]CircuitState{CircuitOpen, CircuitHalfOpen}, got[1])
	assert.Equal(t, [2]CircuitState{CircuitHalfOpen, CircuitClosed}, got[2])
}
