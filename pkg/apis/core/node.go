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

package core

import "github.com/samber/lo"

type RuntimeType string

const (
	RuntimeServer  RuntimeType = "server"
	RuntimeBrowser RuntimeType = "browser"
)

type NodeStatus string

const (
	NodeReady    NodeStatus = "Ready"
	NodeNotReady NodeStatus = "NotReady"
	NodeCordoned NodeStatus = "Cordoned"
	NodeDraining NodeStatus = "Draining"
	NodeLost     NodeStatus = "Lost"
)

// Node is the orchestrator's view of one registered agent.
type Node struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	RuntimeType   RuntimeType       `json:"runtimeType"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	Allocatable   Resources         `json:"allocatable"`
	Used          Resources         `json:"used"`
	Labels        map[string]string `json:"labels,omitempty"`
	Annotations   map[string]string `json:"annotations,omitempty"`
	Taints        []Taint           `json:"taints,omitempty"`
	Status        NodeStatus        `json:"status"`
	LastHeartbeat int64             `json:"lastHeartbeat"`

	ResourceVersion int64 `json:"resourceVersion"`
}

func (n *Node) GetID() string              { return n.ID }
func (n *Node) GetResourceVersion() int64  { return n.ResourceVersion }
func (n *Node) SetResourceVersion(v int64) { n.ResourceVersion = v }

// Schedulable reports whether new pods may be placed on the node.
func (n *Node) Schedulable() bool {
	return n.Status == NodeReady
}

func (n *Node) DeepCopy() *Node {
	out := *n
	out.Capabilities = lo.Map(n.Capabilities, func(c string, _ int) string { return c })
	out.Labels = copyMap(n.Labels)
	out.Annotations = copyMap(n.Annotations)
	out.Taints = append([]Taint(nil), n.Taints...)
	return &out
}
