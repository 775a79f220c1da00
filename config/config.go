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

// Package config loads and hot-reloads the gateway configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inferogw/inferogw/metrics"
	"github.com/inferogw/inferogw/pool"
)

// Duration wraps time.Duration so config files can use "30s" style values.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// UpstreamConfig describes the inference endpoint behind the gateway.
type UpstreamConfig struct {
	Endpoint         string   `yaml:"endpoint"`
	TLS              bool     `yaml:"tls"`
	HealthPath       string   `yaml:"health_path"`
	RequestTimeout   Duration `yaml:"request_timeout"`
	ValidateOnCreate bool     `yaml:"validate_on_create"`
}

// PoolConfig mirrors pool.Config with file-friendly duration encoding.
type PoolConfig struct {
	MinConnections          int      `yaml:"min_connections"`
	MaxConnections          int      `yaml:"max_connections"`
	AcquireTimeout          Duration `yaml:"acquire_timeout"`
	FailureThreshold        int      `yaml:"failure_threshold"`
	RecoveryTimeout         Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls        int      `yaml:"half_open_max_calls"`
	HealthCheckInterval     Duration `yaml:"health_check_interval"`
	ProbeTimeout            Duration `yaml:"probe_timeout"`
	FailedThreshold         int      `yaml:"failed_threshold"`
	MonitorFailureThreshold int      `yaml:"monitor_failure_threshold"`
	MaxRecoveryAttempts     int      `yaml:"max_recovery_attempts"`
}

// MetricsConfig selects the statsd sinks.
type MetricsConfig struct {
	StatsdServers    string   `yaml:"statsd_servers"`
	DogStatsdServers string   `yaml:"dogstatsd_servers"`
	Namespace        string   `yaml:"namespace"`
	PublishInterval  Duration `yaml:"publish_interval"`
}

// EventsConfig selects the pool event broker.
type EventsConfig struct {
	// Backend is one of "none", "nats", or "kafka".
	Backend       string   `yaml:"backend"`
	NATSURL       string   `yaml:"nats_url"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaTopic    string   `yaml:"kafka_topic"`
	QueueDepth    int      `yaml:"queue_depth"`
}

// RateLimitConfig bounds per-client request rates at the gateway.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// AppConfig is the root of the gateway configuration file.
type AppConfig struct {
	Listen    string          `yaml:"listen"`
	LogLevel  string          `yaml:"log_level"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Pool      PoolConfig      `yaml:"pool"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Events    EventsConfig    `yaml:"events"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	pc := pool.DefaultConfig()
	fc := pool.DefaultHTTPFactoryConfig("127.0.0.1:8000")
	mc := metrics.DefaultConfig()
	return &AppConfig{
		Listen:   ":7590",
		LogLevel: "info",
		Upstream: UpstreamConfig{
			Endpoint:         fc.Addr,
			TLS:              fc.TLS,
			HealthPath:       fc.HealthPath,
			RequestTimeout:   Duration(fc.RequestTimeout),
			ValidateOnCreate: fc.ValidateOnCreate,
		},
		Pool: PoolConfig{
			MinConnections:          pc.MinConnections,
			MaxConnections:          pc.MaxConnections,
			AcquireTimeout:          Duration(pc.AcquireTimeout),
			FailureThreshold:        pc.FailureThreshold,
			RecoveryTimeout:         Duration(pc.RecoveryTimeout),
			HalfOpenMaxCalls:        pc.HalfOpenMaxCalls,
			HealthCheckInterval:     Duration(pc.HealthCheckInterval),
			ProbeTimeout:            Duration(pc.ProbeTimeout),
			FailedThreshold:         pc.FailedThreshold,
			MonitorFailureThreshold: pc.MonitorFailureThreshold,
			MaxRecoveryAttempts:     pc.MaxRecoveryAttempts,
		},
		Metrics: MetricsConfig{
			Namespace:       mc.Namespace,
			PublishInterval: Duration(mc.PublishInterval),
		},
		Events: EventsConfig{
			Backend: "none",
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

// Load reads and validates the YAML config at path, filling unset fields
// with defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *AppConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must be set")
	}
	if c.Upstream.Endpoint == "" {
		return fmt.Errorf("upstream endpoint must be set")
	}
	if err := c.PoolConfig().Validate(); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}
	switch c.Events.Backend {
	case "", "none":
	case "nats":
		if c.Events.NATSURL == "" {
			return fmt.Errorf("events backend nats requires nats_url")
		}
	case "kafka":
		if len(c.Events.KafkaBrokers) == 0 {
			return fmt.Errorf("events backend kafka requires kafka_brokers")
		}
	default:
		return fmt.Errorf("unknown events backend %q", c.Events.Backend)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limit requests_per_second must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate limit burst must be at least 1")
		}
	}
	return nil
}

// PoolConfig converts the file representation into the pool's config type.
func (c *AppConfig) PoolConfig() pool.Config {
	return pool.Config{
		MinConnections:          c.Pool.MinConnections,
		MaxConnections:          c.Pool.MaxConnections,
		AcquireTimeout:          c.Pool.AcquireTimeout.Std(),
		FailureThreshold:        c.Pool.FailureThreshold,
		RecoveryTimeout:         c.Pool.RecoveryTimeout.Std(),
		HalfOpenMaxCalls:        c.Pool.HalfOpenMaxCalls,
		HealthCheckInterval:     c.Pool.HealthCheckInterval.Std(),
		ProbeTimeout:            c.Pool.ProbeTimeout.Std(),
		FailedThreshold:         c.Pool.FailedThreshold,
		MonitorFailureThreshold: c.Pool.MonitorFailureThreshold,
		MaxRecoveryAttempts:     c.Pool.MaxRecoveryAttempts,
	}
}

// FactoryConfig converts the upstream section into the HTTP factory config.
func (c *AppConfig) FactoryConfig() pool.HTTPFactoryConfig {
	return pool.HTTPFactoryConfig{
		Addr:             c.Upstream.Endpoint,
		TLS:              c.Upstream.TLS,
		HealthPath:       c.Upstream.HealthPath,
		RequestTimeout:   c.Upstream.RequestTimeout.Std(),
		ValidateOnCreate: c.Upstream.ValidateOnCreate,
	}
}

// MetricsConfig converts the metrics section into the sink manager config.
func (c *AppConfig) MetricsConfig() metrics.Config {
	return metrics.Config{
		StatsdServers:    c.Metrics.StatsdServers,
		DogStatsdServers: c.Metrics.DogStatsdServers,
		Namespace:        c.Metrics.Namespace,
		PublishInterval:  c.Metrics.PublishInterval.Std(),
	}
}
