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

package state

import (
	"sort"

	"github.com/samber/lo"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/utils/resources"
)

// NodeState is a node plus the pods bound to it and its derived free
// capacity. It is valid only within the snapshot it came from.
type NodeState struct {
	Node      *core.Node
	Pods      []*core.Pod
	requested core.Resources
}

// Free returns allocatable minus the requests of bound pods.
func (n *NodeState) Free() core.Resources {
	return n.Node.Allocatable.Sub(n.requested)
}

// Requested returns the total amount of resources requested by pods bound
// to the node.
func (n *NodeState) Requested() core.Resources {
	return n.requested
}

// Cluster is a point-in-time snapshot of nodes and pods. The scheduler
// treats it as advisory: capacity may only shrink between snapshot and
// commit, and the lifecycle controller enforces the final transition.
type Cluster struct {
	Nodes map[string]*NodeState
	Pods  []*core.Pod

	podsByOwner map[string][]*core.Pod
}

// Snapshot reads nodes and pods once and indexes them for the scheduling
// cycle.
func Snapshot(s Store) *Cluster {
	c := &Cluster{
		Nodes:       map[string]*NodeState{},
		Pods:        s.ListPods(),
		podsByOwner: map[string][]*core.Pod{},
	}
	for _, n := range s.ListNodes() {
		c.Nodes[n.ID] = &NodeState{Node: n}
	}
	for _, p := range c.Pods {
		if owner := p.OwnerID(); owner != "" {
			c.podsByOwner[owner] = append(c.podsByOwner[owner], p)
		}
		if p.NodeID == "" || p.Status.Terminal() {
			continue
		}
		ns, ok := c.Nodes[p.NodeID]
		if !ok {
			// node row deleted while its pods still wind down
			continue
		}
		ns.Pods = append(ns.Pods, p)
		ns.requested = ns.requested.Add(resources.RequestsForPods(p))
	}
	return c
}

// ForEachNode calls fn once per node; returning false stops the walk.
func (c *Cluster) ForEachNode(fn func(n *NodeState) bool) {
	ids := lo.Keys(c.Nodes)
	sort.Strings(ids)
	for _, id := range ids {
		if !fn(c.Nodes[id]) {
			return
		}
	}
}

// PodsForOwner returns the pods belonging to a service or deployment.
func (c *Cluster) PodsForOwner(ownerID string) []*core.Pod {
	return c.podsByOwner[ownerID]
}

// ActivePodsForOwner filters PodsForOwner down to replica-countable pods.
func (c *Cluster) ActivePodsForOwner(ownerID string) []*core.Pod {
	return lo.Filter(c.PodsForOwner(ownerID), func(p *core.Pod, _ int) bool {
		return p.Status.Active()
	})
}

// Bind updates the snapshot after an in-cycle placement so later pods in
// the same cycle observe the consumed capacity.
func (c *Cluster) Bind(pod *core.Pod, nodeID string) {
	ns, ok := c.Nodes[nodeID]
	if !ok {
		return
	}
	bound := pod.DeepCopy()
	bound.NodeID = nodeID
	ns.Pods = append(ns.Pods, bound)
	ns.requested = ns.requested.Add(resources.RequestsForPods(bound))
}
