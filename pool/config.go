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

// Config holds configuration for the connection pool manager
type Config struct {
	// Pool sizing
	MinConnections int `json:"min_connections"`
	MaxConnections int `json:"max_connections"`

	// Acquire behavior
	AcquireTimeout time.Duration `json:"acquire_timeout"`

	// Circuit breaker
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`

	// Health monitoring
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	ProbeTimeout        time.Duration `json:"probe_timeout"`

	// Per-connection state thresholds. The release path marks a record Failed
	// at FailedThreshold consecutive failures; the health monitor uses the
	// larger MonitorFailureThreshold before declaring an idle record Failed.
	FailedThreshold         int `json:"failed_threshold"`
	MonitorFailureThreshold int `json:"monitor_failure_threshold"`

	// A Failed record whose recovery attempts exceed this bound is retired
	// instead of being recycled through Recovering again.
	MaxRecoveryAttempts int `json:"max_recovery_attempts"`
}

// DefaultConfig returns default pool configuration
func DefaultConfig() Config {
	return Config{
		MinConnections:          2,
		MaxConnections:          10,
		AcquireTimeout:          5 * time.Second,
		FailureThreshold:        5,
		RecoveryTimeout:         30 * time.Second,
		HalfOpenMaxCalls:        3,
		HealthCheckInterval:     30 * time.Second,
		ProbeTimeout:            5 * time.Second,
		FailedThreshold:         3,
		MonitorFailureThreshold: 5,
		MaxRecoveryAttempts:     3,
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.MinConnections < 0 {
		return fmt.Errorf("min_connections must be >= 0, got %d", c.MinConnections)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be >= 1, got %d", c.MaxConnections)
	}
	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("min_connections (%d) exceeds max_connections (%d)", c.MinConnections, c.MaxConnections)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire_timeout must be positive, got %s", c.AcquireTimeout)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery_timeout must be positive, got %s", c.RecoveryTimeout)
	}
	if c.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("half_open_max_calls must be >= 1, got %d", c.HalfOpenMaxCalls)
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be positive, got %s", c.HealthCheckInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe_timeout must be positive, got %s", c.ProbeTimeout)
	}
	if c.FailedThreshold < 1 {
		return fmt.Errorf("failed_threshold must be >= 1, got %d", c.FailedThreshold)
	}
	if c.MonitorFailureThreshold < c.FailedThreshold {
		return fmt.Errorf("monitor_failure_threshold (%d) must be >= failed_threshold (%d)",
			c.MonitorFailureThreshold, c.FailedThreshold)
	}
	if c.MaxRecoveryAttempts < 1 {
		return fmt.Errorf("max_recovery_attempts must be >= 1, got %d", c.MaxRecoveryAttempts)
	}
	return nil
}
