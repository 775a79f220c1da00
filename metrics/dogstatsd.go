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
	"strings"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// DogStatsdSink publishes metrics to one or more dogstatsd servers.
type DogStatsdSink struct {
	clients []*statsd.Client
}

// NewDogStatsdSink creates a sink for the comma separated server list.
func NewDogStatsdSink(servers, namespace string) (*DogStatsdSink, error) {
	prefix := namespace
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}

	sink := &DogStatsdSink{}
	for _, server := range strings.Split(servers, ",") {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		client, err := statsd.New(server, statsd.WithNamespace(prefix))
		if err != nil {
			sink.Close()
			return nil, err
		}
		sink.clients = append(sink.clients, client)
	}
	return sink, nil
}

// Count implements Sink.
func (s *DogStatsdSink) Count(name string, value int64, tags ...string) {
	for _, c := range s.clients {
		_ = c.Count(name, value, tags, 1)
	}
}

// Gauge implements Sink.
func (s *DogStatsdSink) Gauge(name string, value float64, tags ...string) {
	for _, c := range s.clients {
		_ = c.Gauge(name, value, tags, 1)
	}
}

// Timing implements Sink.
func (s *DogStatsdSink) Timing(name string, value time.Duration, tags ...string) {
	for _, c := range s.clients {
		_ = c.Timing(name, value, tags, 1)
	}
}

// Close implements Sink.
func (s *DogStatsdSink) Close() error {
	var firstErr error
	for _, c := range s.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
