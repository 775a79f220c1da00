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
	"math"
	"math/rand"
	"sync"
)

// Priority hints how an acquirer's candidate set should be restricted.
// PriorityHigh limits selection to fully healthy records; PriorityNormal
// admits degraded ones with a reduced weight.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// LoadBalancer selects a connection from a candidate set using weighted
// random selection over live performance metrics. Stateless aside from a
// rotation cursor kept for observability.
type LoadBalancer struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	cursor uint64
}

// NewLoadBalancer creates a load balancer seeded for weighted random draws.
func NewLoadBalancer(seed int64) *LoadBalancer {
	return &LoadBalancer{
		rnd: rand.New(rand.NewSource(seed)),
	}
}

// Select picks one record from candidates. It never fails on a non-empty
// candidate set; if every weight degenerates to zero it falls back to the
// first candidate deterministically. Returns nil only for an empty set.
func (lb *LoadBalancer) Select(candidates []*ConnectionRecord, _ Priority) *ConnectionRecord {
	if len(candidates) == 0 {
		return nil
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.cursor++

	total := 0.0
	weights := make([]float64, len(candidates))
	for i, rec := range candidates {
		weights[i] = selectionWeight(rec)
		total += weights[i]
	}
	if total <= 0 {
		return candidates[0]
	}

	draw := lb.rnd.Float64() * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if draw < cumulative {
			return candidates[i]
		}
	}
	// Floating point accumulation can leave the draw just past the last
	// cumulative bound.
	return candidates[len(candidates)-1]
}

// Selections returns the number of selections performed.
func (lb *LoadBalancer) Selections() uint64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.cursor
}

// selectionWeight scores a record by responsiveness, reliability, and state.
func selectionWeight(rec *ConnectionRecord) float64 {
	avgSeconds := rec.avgResponseMillis / 1000.0
	responsiveness := math.Max(0.1, 1.0/(avgSeconds+0.1))
	reliability := math.Max(0.1, 1.0-rec.errorRate)
	return responsiveness * reliability * stateFactor(rec.state)
}

func stateFactor(state ConnectionState) float64 {
	switch state {
	case StateHealthy:
		return 1.0
	case StateDegraded:
		return 0.7
	case StateRecovering:
		return 0.5
	default:
		return 0.0
	}
}
