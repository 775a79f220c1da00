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
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker gates admission into the pool based on the aggregate failure
// signal, independent of any single connection's state.
type CircuitBreaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	halfOpenCalls   int

	now           func() time.Time
	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a circuit breaker in the Closed state.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration, halfOpenMaxCalls int) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		halfOpenMaxCalls: halfOpenMaxCalls,
		state:            CircuitClosed,
		now:              time.Now,
	}
}

// SetStateChangeCallback registers a callback invoked on every state
// transition. The callback runs outside the breaker's lock.
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = callback
}

// updateSettings applies new thresholds without disturbing the current state.
func (cb *CircuitBreaker) updateSettings(failureThreshold int, recoveryTimeout time.Duration, halfOpenMaxCalls int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureThreshold = failureThreshold
	cb.recoveryTimeout = recoveryTimeout
	cb.halfOpenMaxCalls = halfOpenMaxCalls
}

// Allow reports whether a new acquisition may proceed. While Open it returns
// false until the recovery timeout has elapsed since the last failure, at
// which point the breaker moves to HalfOpen and admits up to
// halfOpenMaxCalls probe attempts.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()

	switch cb.state {
	case CircuitClosed:
		cb.mu.Unlock()
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.recoveryTimeout {
			cb.mu.Unlock()
			return false
		}
		notify := cb.setStateLocked(CircuitHalfOpen)
		cb.halfOpenCalls = 1
		cb.mu.Unlock()
		notify()
		return true
	case CircuitHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			cb.mu.Unlock()
			return false
		}
		cb.halfOpenCalls++
		cb.mu.Unlock()
		return true
	default:
		cb.mu.Unlock()
		return false
	}
}

// RecordSuccess feeds a successful operation back into the breaker. A success
// while HalfOpen closes the circuit; while Closed it decays the failure count
// so isolated failures do not accumulate indefinitely.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()

	notify := func() {}
	switch cb.state {
	case CircuitClosed:
		if cb.failureCount > 0 {
			cb.failureCount--
		}
	case CircuitHalfOpen:
		notify = cb.setStateLocked(CircuitClosed)
		cb.failureCount = 0
		cb.halfOpenCalls = 0
	}
	cb.mu.Unlock()
	notify()
}

// RecordFailure feeds a failed operation back into the breaker. Reaching the
// failure threshold while Closed opens the circuit; any failure while
// HalfOpen re-opens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()

	notify := func() {}
	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			notify = cb.setStateLocked(CircuitOpen)
			cb.lastFailureTime = cb.now()
		}
	case CircuitHalfOpen:
		notify = cb.setStateLocked(CircuitOpen)
		cb.lastFailureTime = cb.now()
		cb.halfOpenCalls = 0
	case CircuitOpen:
		cb.lastFailureTime = cb.now()
	}
	cb.mu.Unlock()
	notify()
}

// State returns the current circuit state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// setStateLocked changes state and returns the notification to run after the
// lock is released.
func (cb *CircuitBreaker) setStateLocked(newState CircuitState) func() {
	if cb.state == newState {
		return func() {}
	}
	from := cb.state
	cb.state = newState
	callback := cb.onStateChange
	if callback == nil {
		return func() {}
	}
	return func() { callback(from, newState) }
}
