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
	"fmt"
	"time"
)

// ErrorCode represents different types of pool-related errors
type ErrorCode int

const (
	// Admission errors
	ErrCodeCircuitOpen ErrorCode = iota
	ErrCodePoolExhausted
	ErrCodePoolClosed

	// Connection lifecycle errors
	ErrCodeConnectionCreateFailed
	ErrCodeProbeFailed
)

// String returns string representation of the error code
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeCircuitOpen:
		return "CircuitOpen"
	case ErrCodePoolExhausted:
		return "PoolExhausted"
	case ErrCodePoolClosed:
		return "PoolClosed"
	case ErrCodeConnectionCreateFailed:
		return "ConnectionCreateFailed"
	case ErrCodeProbeFailed:
		return "ProbeFailed"
	default:
		return "Unknown"
	}
}

// PoolError represents an error that occurred in the connection pool
type PoolError struct {
	Code         ErrorCode
	Message      string
	ConnectionID string
	Cause        error
	Timestamp    time.Time
	Retryable    bool
}

// Error implements the error interface
func (e *PoolError) Error() string {
	if e.ConnectionID != "" {
		if e.Cause != nil {
			return fmt.Sprintf("pool: %s (connection %s): %v", e.Message, e.ConnectionID, e.Cause)
		}
		return fmt.Sprintf("pool: %s (connection %s)", e.Message, e.ConnectionID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("pool: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("pool: %s", e.Message)
}

// Unwrap returns the underlying cause
func (e *PoolError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same error code. This lets callers use
// errors.Is against the exported sentinel errors below.
func (e *PoolError) Is(target error) bool {
	pe, ok := target.(*PoolError)
	if !ok {
		return false
	}
	return e.Code == pe.Code
}

// Sentinel errors for errors.Is matching. Callers should treat CircuitOpen and
// PoolExhausted as retryable backpressure, not hard failures.
var (
	ErrCircuitOpen            = &PoolError{Code: ErrCodeCircuitOpen, Message: "circuit breaker is open", Retryable: true}
	ErrPoolExhausted          = &PoolError{Code: ErrCodePoolExhausted, Message: "no connection available within acquire timeout", Retryable: true}
	ErrPoolClosed             = &PoolError{Code: ErrCodePoolClosed, Message: "pool is shut down"}
	ErrConnectionCreateFailed = &PoolError{Code: ErrCodeConnectionCreateFailed, Message: "failed to create connection", Retryable: true}
)

// NewPoolError creates a new pool error with the current timestamp
func NewPoolError(code ErrorCode, message string, cause error) *PoolError {
	return &PoolError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
		Retryable: code == ErrCodeCircuitOpen || code == ErrCodePoolExhausted || code == ErrCodeConnectionCreateFailed,
	}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if pe, ok := err.(*PoolError); ok {
		return pe.Retryable
	}
	return false
}
