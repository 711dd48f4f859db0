/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package podgroup

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/protocol"
)

// QueryResult is the aggregate outcome of one fan-out. Responses are keyed
// by responding pod; targets that missed the deadline appear in TimedOut
// and are not retried.
type QueryResult struct {
	QueryID     string
	Responses   map[string]protocol.GroupQueryResponse
	TimedOut    []string
	Complete    bool
	CompletedAt time.Time
}

type pendingQuery struct {
	targets   sets.Set[string]
	responses map[string]protocol.GroupQueryResponse
	done      chan struct{}
	mu        sync.Mutex
}

// QueryCorrelator aggregates fan-out responses by queryId. It owns no
// transport; callers send the envelopes and feed replies into Resolve.
type QueryCorrelator struct {
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]*pendingQuery
}

func NewQueryCorrelator(clk clock.Clock) *QueryCorrelator {
	return &QueryCorrelator{clock: clk, pending: map[string]*pendingQuery{}}
}

// Track registers a query against its target set. An empty target set is
// complete immediately.
func (c *QueryCorrelator) Track(queryID string, targetPodIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := &pendingQuery{
		targets:   sets.New(targetPodIDs...),
		responses: map[string]protocol.GroupQueryResponse{},
		done:      make(chan struct{}),
	}
	if q.targets.Len() == 0 {
		close(q.done)
	}
	c.pending[queryID] = q
}

// Resolve records one pod's response. Responses for unknown queries or
// unknown pods are dropped; the second response from a pod is ignored.
func (c *QueryCorrelator) Resolve(resp protocol.GroupQueryResponse) {
	c.mu.Lock()
	q, ok := c.pending[resp.QueryID]
	c.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.targets.Has(resp.PodID) {
		return
	}
	if _, dup := q.responses[resp.PodID]; dup {
		return
	}
	q.responses[resp.PodID] = resp
	if len(q.responses) == len(q.targets) {
		close(q.done)
	}
}

// Wait blocks until every target answered or the timeout elapses, then
// returns the aggregate and forgets the query.
func (c *QueryCorrelator) Wait(ctx context.Context, queryID string, timeout time.Duration) QueryResult {
	c.mu.Lock()
	q, ok := c.pending[queryID]
	c.mu.Unlock()
	if !ok {
		return QueryResult{QueryID: queryID}
	}
	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.done:
	case <-timer.C():
	case <-ctx.Done():
	}
	c.mu.Lock()
	delete(c.pending, queryID)
	c.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	result := QueryResult{
		QueryID:     queryID,
		Responses:   q.responses,
		CompletedAt: c.clock.Now(),
	}
	for _, target := range q.targets.UnsortedList() {
		if _, ok := q.responses[target]; !ok {
			result.TimedOut = append(result.TimedOut, target)
		}
	}
	result.Complete = len(result.TimedOut) == 0
	return result
}
