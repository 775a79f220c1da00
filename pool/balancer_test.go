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

	"github.com/stretchr/testify/assert"
)

func testRecord(id string, state ConnectionState, avgMillis, errorRate float64) *ConnectionRecord {
	return &ConnectionRecord{
		id:                id,
		state:             state,
		avgResponseMillis: avgMillis,
		hasLatencySample:  avgMillis > 0,
		errorRate:         errorRate,
	}
}

func TestLoadBalancer_EmptyCandidates(t *testing.T) {
	lb := NewLoadBalancer(1)
	assert.Nil(t, lb.Select(nil, PriorityNormal))
	assert.Nil(t, lb.Select([]*ConnectionRecord{}, PriorityNormal))
}

func TestLoadBalancer_SingleCandidate(t *testing.T) {
	lb := NewLoadBalancer(1)
	rec := testRecord("only", StateHealthy, 50, 0)
	got := lb.Select([]*ConnectionRecord{rec}, PriorityNormal)
	assert.Same(t, rec, got)
}

func TestLoadBalancer_NeverFailsOnNonEmpty(t *testing.T) {
	lb := NewLoadBalancer(42)
	// Worst possible candidates: saturated error rate, huge latency. The
	// weight floors keep them selectable.
	candidates := []*ConnectionRecord{
		testRecord("a", StateRecovering, 60000, 1.0),
		testRecord("b", StateDegraded, 60000, 1.0),
	}
	for i := 0; i < 100; i++ {
		assert.NotNil(t, lb.Select(candidates, PriorityNormal))
	}
}

func TestLoadBalancer_PrefersFastReliableHealthy(t *testing.T) {
	lb := NewLoadBalancer(7)
	fast := testRecord("fast", StateHealthy, 20, 0)
	slow := testRecord("slow", StateDegraded, 2000, 0.8)
	candidates := []*ConnectionRecord{slow, fast}

	counts := map[string]int{}
	const draws = 2000
	for i := 0; i < draws; i++ {
		counts[lb.Select(candidates, PriorityNormal).id]++
	}

	// fast/healthy weight ~ 8.3 vs slow/degraded ~ 0.07; expect an
	// overwhelming majority, with a loose bound to keep the test stable.
	assert.Greater(t, counts["fast"], draws*9/10)
	assert.Greater(t, counts["slow"], 0)
	assert.Equal(t, uint64(draws), lb.Selections())
}

func TestSelectionWeight_StateFactors(t *testing.T) {
	healthy := selectionWeight(testRecord("h", StateHealthy, 100, 0.2))
	degraded := selectionWeight(testRecord("d", StateDegraded, 100, 0.2))
	recovering := selectionWeight(testRecord("r", StateRecovering, 100, 0.2))

	assert.InDelta(t, 0.7, degraded/healthy, 1e-9)
	assert.InDelta(t, 0.5, recovering/healthy, 1e-9)
}

func TestSelectionWeight_Floors(t *testing.T) {
	// Error rate of 1.0 floors reliability at 0.1 instead of zeroing the
	// weight.
	w := selectionWeight(testRecord("x", StateHealthy, 100, 1.0))
	assert.Greater(t, w, 0.0)

	// A 10s average floors responsiveness at 0.1.
	slow := selectionWeight(testRecord("y", StateHealthy, 10000, 0))
	assert.InDelta(t, 0.1, slow, 1e-9)
}
