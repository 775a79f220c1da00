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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/inferogw/inferogw/config"
	"github.com/inferogw/inferogw/gateway"
	"github.com/inferogw/inferogw/gwevent"
	"github.com/inferogw/inferogw/metrics"
	"github.com/inferogw/inferogw/pool"
)

var (
	configPath string
	listenAddr string
	endpoint   string
	logLevel   string

	statsdServers    string
	dogstatsdServers string

	eventsBackend string
	natsURL       string
	kafkaBrokers  string
)

func main() {
	app := &cli.App{
		Name:  "inferogw",
		Usage: "adaptive connection pool gateway for inference endpoints",
		Description: `inferogw fronts a remote inference endpoint with an adaptive
connection pool: weighted load balancing across pooled connections,
circuit breaking on repeated failures, and background health probing
with automatic recovery.`,
		Action:  runGateway,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to YAML configuration file",
				EnvVars:     []string{"IGW_CONFIG"},
				Destination: &configPath,
				Aliases:     []string{"c"},
			},
			&cli.StringFlag{
				Name:        "listen",
				Usage:       "gateway listen address (overrides config file)",
				EnvVars:     []string{"IGW_LISTEN"},
				Destination: &listenAddr,
				Aliases:     []string{"l"},
			},
			&cli.StringFlag{
				Name:        "endpoint",
				Usage:       "upstream inference endpoint host:port (overrides config file)",
				EnvVars:     []string{"IGW_ENDPOINT"},
				Destination: &endpoint,
				Aliases:     []string{"e"},
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level: debug, info, warn, error",
				EnvVars:     []string{"IGW_LOG_LEVEL"},
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "statsd-servers",
				Usage:       "comma-separated statsd endpoints for metrics",
				EnvVars:     []string{"IGW_STATSD_SERVERS"},
				Destination: &statsdServers,
			},
			&cli.StringFlag{
				Name:        "dogstatsd-servers",
				Usage:       "comma-separated dogstatsd endpoints for metrics",
				EnvVars:     []string{"IGW_DOGSTATSD_SERVERS"},
				Destination: &dogstatsdServers,
			},
			&cli.StringFlag{
				Name:        "events-backend",
				Usage:       "pool event broker: none, nats, or kafka",
				EnvVars:     []string{"IGW_EVENTS_BACKEND"},
				Destination: &eventsBackend,
			},
			&cli.StringFlag{
				Name:        "nats-url",
				Usage:       "NATS server URL for pool events",
				EnvVars:     []string{"IGW_NATS_URL"},
				Destination: &natsURL,
			},
			&cli.StringFlag{
				Name:        "kafka-brokers",
				Usage:       "comma-separated Kafka brokers for pool events",
				EnvVars:     []string{"IGW_KAFKA_BROKERS"},
				Destination: &kafkaBrokers,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runGateway(_ *cli.Context) error {
	log := logrus.New()

	cfgManager, err := config.NewManager(configPath, log)
	if err != nil {
		return err
	}
	cfg := cfgManager.Get()
	applyFlagOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	// Metrics sinks
	sinks, err := metrics.NewManager(cfg.MetricsConfig(), log)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer sinks.Close()

	// Event dispatcher
	dispatcher, err := buildDispatcher(cfg, log)
	if err != nil {
		return fmt.Errorf("init events: %w", err)
	}
	dispatcher.Start()
	defer dispatcher.Close()

	hooks := mergeHooks(metrics.Hooks(sinks), dispatcher.Hooks())

	// Connection pool
	factory := pool.NewHTTPConnectionFactory(cfg.FactoryConfig())
	manager, err := pool.New(cfg.PoolConfig(), factory, pool.NewHTTPProbe(),
		pool.WithLogger(log),
		pool.WithHooks(hooks),
	)
	if err != nil {
		return err
	}
	if err := manager.Start(context.Background()); err != nil {
		return err
	}

	publisher := metrics.NewPublisher(sinks, manager.Stats)
	publisher.Start(cfg.MetricsConfig().PublishInterval)
	defer publisher.Stop()

	if configPath != "" {
		if err := cfgManager.Watch(); err != nil {
			log.WithError(err).Warn("Config hot reload disabled")
		} else {
			defer cfgManager.Stop()
			cfgManager.OnChange(func(_, updated *config.AppConfig) {
				if lvl, err := logrus.ParseLevel(updated.LogLevel); err == nil {
					log.SetLevel(lvl)
				}
				if err := manager.UpdateConfig(updated.PoolConfig()); err != nil {
					log.WithError(err).Warn("Reloaded pool config rejected")
				}
			})
		}
	}

	var rl *gateway.RateLimiter
	if cfg.RateLimit.Enabled {
		rlCfg := gateway.DefaultRateLimiterConfig()
		rlCfg.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rlCfg.Burst = cfg.RateLimit.Burst
		rl = gateway.NewRateLimiter(rlCfg)
	}

	gw := gateway.New(manager, gateway.Config{RateLimiter: rl}, log)

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"listen":   cfg.Listen,
			"endpoint": cfg.Upstream.Endpoint,
		}).Info("Gateway starting")
		errCh <- gw.Listen(cfg.Listen)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		manager.Shutdown(30 * time.Second)
		return err
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("Shutting down")
	}

	if err := gw.Shutdown(10 * time.Second); err != nil {
		log.WithError(err).Warn("Gateway shutdown incomplete")
	}
	if err := manager.Shutdown(30 * time.Second); err != nil {
		log.WithError(err).Warn("Pool shutdown incomplete")
	}
	return nil
}

func applyFlagOverrides(cfg *config.AppConfig) {
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if endpoint != "" {
		cfg.Upstream.Endpoint = endpoint
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if statsdServers != "" {
		cfg.Metrics.StatsdServers = statsdServers
	}
	if dogstatsdServers != "" {
		cfg.Metrics.DogStatsdServers = dogstatsdServers
	}
	if eventsBackend != "" {
		cfg.Events.Backend = eventsBackend
	}
	if natsURL != "" {
		cfg.Events.NATSURL = natsURL
	}
	if kafkaBrokers != "" {
		cfg.Events.KafkaBrokers = strings.Split(kafkaBrokers, ",")
	}
}

func buildDispatcher(cfg *config.AppConfig, log *logrus.Logger) (*gwevent.Dispatcher, error) {
	var pub gwevent.Publisher
	switch cfg.Events.Backend {
	case "", "none":
		pub = gwevent.NopPublisher{}
	case "nats":
		p, err := gwevent.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		pub = p
	case "kafka":
		p, err := gwevent.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			return nil, err
		}
		pub = p
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
	return gwevent.NewDispatcher(pub, cfg.Events.QueueDepth, log), nil
}

// mergeHooks fans each pool lifecycle callback out to both hook sets.
func mergeHooks(a, b pool.Hooks) pool.Hooks {
	return pool.Hooks{
		ConnectionCreated: func(id string) {
			if a.ConnectionCreated != nil {
				a.ConnectionCreated(id)
			}
			if b.ConnectionCreated != nil {
				b.ConnectionCreated(id)
			}
		},
		ConnectionRetired: func(id string) {
			if a.ConnectionRetired != nil {
				a.ConnectionRetired(id)
			}
			if b.ConnectionRetired != nil {
				b.ConnectionRetired(id)
			}
		},
		ConnectionStateChanged: func(id string, from, to pool.ConnectionState) {
			if a.ConnectionStateChanged != nil {
				a.ConnectionStateChanged(id, from, to)
			}
			if b.ConnectionStateChanged != nil {
				b.ConnectionStateChanged(id, from, to)
			}
		},
		CircuitStateChanged: func(from, to pool.CircuitState) {
			if a.CircuitStateChanged != nil {
				a.CircuitStateChanged(from, to)
			}
			if b.CircuitStateChanged != nil {
				b.CircuitStateChanged(from, to)
			}
		},
		PoolExhausted: func() {
			if a.PoolExhausted != nil {
				a.PoolExhausted()
			}
			if b.PoolExhausted != nil {
				b.PoolExhausted()
			}
		},
	}
}
