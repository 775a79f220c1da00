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

	statsd "github.com/smira/go-statsd"
)

// StatsdSink publishes metrics to one or more plain statsd servers.
type StatsdSink struct {
	clients []*statsd.Client
}

// NewStatsdSink creates a sink for the comma separated server list.
func NewStatsdSink(servers, namespace string) (*StatsdSink, error) {
	prefix := namespace
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}

	sink := &StatsdSink{}
	for _, server := range strings.Split(servers, ",") {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		client := statsd.NewClient(server,
			statsd.MetricPrefix(prefix),
			statsd.TagStyle(statsd.TagFormatDatadog))
		sink.clients = append(sink.clients, client)
	}
	return sink, nil
}

// Count implements Sink.
func (s *StatsdSink) Count(name string, value int64, tags ...string) {
	st := statsdTags(tags)
	for _, c := range s.clients {
		c.Incr(name, value, st...)
	}
}

// Gauge implements Sink.
func (s *StatsdSink) Gauge(name string, value float64, tags ...string) {
	st := statsdTags(tags)
	for _, c := range s.clients {
		c.FGauge(name, value, st...)
	}
}

// Timing implements Sink.
func (s *StatsdSink) Timing(name string, value time.Duration, tags ...string) {
	st := statsdTags(tags)
	for _, c := range s.clients {
		c.PrecisionTiming(name, value, st...)
	}
}

// Close implements Sink.
func (s *StatsdSink) Close() error {
	var firstErr error
	for _, c := range s.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func statsdTags(tags []string) []statsd.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]statsd.Tag, 0, len(tags))
	for _, t := range tags {
		key, value, found := strings.Cut(t, ":")
		if !found {
			value = "true"
		}
		out = append(out, statsd.StringTag(key, value))
	}
	return out
}
