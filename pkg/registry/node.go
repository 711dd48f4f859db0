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

// Package registry tracks the live node fleet and the authoritative
// service endpoint index.
package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/state"
)

// NodeFilter narrows List results; zero values match everything.
type NodeFilter struct {
	Status      core.NodeStatus
	RuntimeType core.RuntimeType
	Labels      map[string]string
}

// NodeRegistry owns node rows. Mutations to a single node are serialized
// by a per-node lock, so heartbeats never race admin actions into a
// conflict loop.
type NodeRegistry struct {
	store state.Store
	clock clock.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewNodeRegistry(store state.Store, clk clock.Clock) *NodeRegistry {
	return &NodeRegistry{store: store, clock: clk, locks: map[string]*sync.Mutex{}}
}

func (r *NodeRegistry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Register creates a node row for a connecting agent. Re-registration of a
// known node name reuses its ID and resets its status to Ready.
func (r *NodeRegistry) Register(reg *core.Node) (*core.Node, error) {
	existing, found := lo.Find(r.store.ListNodes(), func(n *core.Node) bool {
		return n.Name == reg.Name
	})
	if found {
		l := r.lockFor(existing.ID)
		l.Lock()
		defer l.Unlock()
		existing.RuntimeType = reg.RuntimeType
		existing.Capabilities = reg.Capabilities
		existing.Allocatable = reg.Allocatable
		existing.Labels = reg.Labels
		existing.Taints = reg.Taints
		existing.Status = core.NodeReady
		existing.LastHeartbeat = core.Millis(r.clock.Now())
		return r.store.UpdateNode(existing)
	}
	n := reg.DeepCopy()
	n.ID = uuid.NewString()
	n.Status = core.NodeReady
	n.LastHeartbeat = core.Millis(r.clock.Now())
	return r.store.CreateNode(n)
}

// mutate applies fn under the node's lock, reloading once on a stale
// write.
func (r *NodeRegistry) mutate(id string, fn func(n *core.Node)) (*core.Node, error) {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()
	for attempt := 0; attempt < 2; attempt++ {
		n, err := r.store.GetNode(id)
		if err != nil {
			return nil, err
		}
		fn(n)
		out, err := r.store.UpdateNode(n)
		if err == nil || !errors.IsConflict(err) {
			return out, err
		}
	}
	return nil, errors.Conflict("node", id)
}

// Heartbeat records liveness and current usage. A NotReady node that
// heartbeats again recovers to Ready; terminal admin states are preserved.
func (r *NodeRegistry) Heartbeat(id string, used core.Resources) (*core.Node, error) {
	return r.mutate(id, func(n *core.Node) {
		n.LastHeartbeat = core.Millis(r.clock.Now())
		n.Used = used
		if n.Status == core.NodeNotReady || n.Status == core.NodeLost {
			n.Status = core.NodeReady
		}
	})
}

func (r *NodeRegistry) UpdateStatus(id string, status core.NodeStatus) (*core.Node, error) {
	return r.mutate(id, func(n *core.Node) { n.Status = status })
}

func (r *NodeRegistry) Cordon(id string) (*core.Node, error) {
	return r.UpdateStatus(id, core.NodeCordoned)
}

func (r *NodeRegistry) Uncordon(id string) (*core.Node, error) {
	return r.UpdateStatus(id, core.NodeReady)
}

// Drain cordons the node and flags it Draining; the scheduler observes the
// status change and relocates its pods.
func (r *NodeRegistry) Drain(id string) (*core.Node, error) {
	return r.UpdateStatus(id, core.NodeDraining)
}

func (r *NodeRegistry) MarkLost(id string) (*core.Node, error) {
	return r.UpdateStatus(id, core.NodeLost)
}

func (r *NodeRegistry) Deregister(id string) error {
	return r.store.DeleteNode(id)
}

func (r *NodeRegistry) Get(id string) (*core.Node, error) {
	return r.store.GetNode(id)
}

func (r *NodeRegistry) List(filter NodeFilter) []*core.Node {
	return lo.Filter(r.store.ListNodes(), func(n *core.Node, _ int) bool {
		if filter.Status != "" && n.Status != filter.Status {
			return false
		}
		if filter.RuntimeType != "" && n.RuntimeType != filter.RuntimeType {
			return false
		}
		for k, v := range filter.Labels {
			if n.Labels[k] != v {
				return false
			}
		}
		return true
	})
}
