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

// Package state holds the StateStore contract the orchestrator core is
// written against, an in-memory implementation of it, and the cluster
// snapshot the scheduler works from. The authoritative row store behind
// the interface is an external collaborator; everything in-process fronts
// it through these methods.
package state

import (
	"github.com/stark-run/stark/pkg/apis/core"
)

type Kind string

const (
	KindNode       Kind = "node"
	KindPod        Kind = "pod"
	KindService    Kind = "service"
	KindDeployment Kind = "deployment"
	KindPack       Kind = "pack"
	KindPolicy     Kind = "networkpolicy"
)

type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event describes one committed mutation. Subscribers use events to wake
// reconcile loops; the event names the row, it does not carry it.
type Event struct {
	Kind Kind
	Type EventType
	ID   string
}

// Store is the narrow row-store interface the core consumes. All reads
// return deep copies; updates are optimistic and fail with a Conflict
// error when the caller's ResourceVersion is stale.
type Store interface {
	GetNode(id string) (*core.Node, error)
	ListNodes() []*core.Node
	CreateNode(n *core.Node) (*core.Node, error)
	UpdateNode(n *core.Node) (*core.Node, error)
	DeleteNode(id string) error

	GetPod(id string) (*core.Pod, error)
	ListPods() []*core.Pod
	CreatePod(p *core.Pod) (*core.Pod, error)
	UpdatePod(p *core.Pod) (*core.Pod, error)
	DeletePod(id string) error

	GetService(id string) (*core.Service, error)
	ListServices() []*core.Service
	CreateService(s *core.Service) (*core.Service, error)
	UpdateService(s *core.Service) (*core.Service, error)
	DeleteService(id string) error

	GetDeployment(id string) (*core.Deployment, error)
	ListDeployments() []*core.Deployment
	CreateDeployment(d *core.Deployment) (*core.Deployment, error)
	UpdateDeployment(d *core.Deployment) (*core.Deployment, error)
	DeleteDeployment(id string) error

	GetPack(id string) (*core.Pack, error)
	ListPacks() []*core.Pack
	CreatePack(p *core.Pack) (*core.Pack, error)
	DeletePack(id string) error

	GetPolicy(id string) (*core.NetworkPolicy, error)
	ListPolicies() []*core.NetworkPolicy
	CreatePolicy(p *core.NetworkPolicy) (*core.NetworkPolicy, error)
	UpdatePolicy(p *core.NetworkPolicy) (*core.NetworkPolicy, error)
	DeletePolicy(id string) error

	AppendHistory(e core.PodHistoryEntry)
	ListHistory(podID string) []core.PodHistoryEntry

	// Subscribe returns a channel of mutation events. Slow subscribers
	// lose events rather than block writers; consumers treat an event as
	// a wakeup, not a journal.
	Subscribe(buffer int) <-chan Event
}
