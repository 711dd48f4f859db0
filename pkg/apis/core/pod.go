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

import "k8s.io/apimachinery/pkg/util/sets"

type PodStatus string

const (
	PodPending   PodStatus = "pending"
	PodScheduled PodStatus = "scheduled"
	PodStarting  PodStatus = "starting"
	PodRunning   PodStatus = "running"
	PodStopping  PodStatus = "stopping"
	PodStopped   PodStatus = "stopped"
	PodFailed    PodStatus = "failed"
	PodEvicted   PodStatus = "evicted"
)

// legalTransitions encodes the pod state machine. Eviction is reachable
// from every non-terminal state and is handled in LegalTransition directly.
var legalTransitions = map[PodStatus]sets.Set[PodStatus]{
	PodPending:   sets.New(PodScheduled),
	PodScheduled: sets.New(PodStarting, PodFailed),
	PodStarting:  sets.New(PodRunning, PodFailed),
	PodRunning:   sets.New(PodStopping, PodFailed),
	PodStopping:  sets.New(PodStopped, PodFailed),
}

var terminalStatuses = sets.New(PodStopped, PodFailed, PodEvicted)

// ActivePodStatuses are the statuses counted against a service's desired
// replicas.
var ActivePodStatuses = sets.New(PodPending, PodScheduled, PodStarting, PodRunning)

// BoundPodStatuses are the statuses that require a non-empty NodeID.
var BoundPodStatuses = sets.New(PodScheduled, PodStarting, PodRunning, PodStopping)

func (s PodStatus) Terminal() bool { return terminalStatuses.Has(s) }

func (s PodStatus) Active() bool { return ActivePodStatuses.Has(s) }

// LegalTransition reports whether from -> to is an edge of the state
// machine.
func LegalTransition(from, to PodStatus) bool {
	if to == PodEvicted {
		return !from.Terminal()
	}
	next, ok := legalTransitions[from]
	return ok && next.Has(to)
}

// Pod is a single running instance of a pack. Exactly one of ServiceID or
// DeploymentID is set.
type Pod struct {
	ID                  string            `json:"id"`
	ServiceID           string            `json:"serviceId,omitempty"`
	DeploymentID        string            `json:"deploymentId,omitempty"`
	NodeID              string            `json:"nodeId,omitempty"`
	PackID              string            `json:"packId"`
	PackVersion         string            `json:"packVersion"`
	Namespace           Namespace         `json:"namespace"`
	Status              PodStatus         `json:"status"`
	StatusMessage       string            `json:"statusMessage,omitempty"`
	ResourceRequests    Resources         `json:"resourceRequests"`
	ResourceLimits      Resources         `json:"resourceLimits"`
	Labels              map[string]string `json:"labels,omitempty"`
	Annotations         map[string]string `json:"annotations,omitempty"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	CreatedAt           int64             `json:"createdAt"`
	UpdatedAt           int64             `json:"updatedAt"`

	ResourceVersion int64 `json:"resourceVersion"`
}

func (p *Pod) GetID() string              { return p.ID }
func (p *Pod) GetResourceVersion() int64  { return p.ResourceVersion }
func (p *Pod) SetResourceVersion(v int64) { p.ResourceVersion = v }

// OwnerID returns the service or deployment the pod belongs to.
func (p *Pod) OwnerID() string {
	if p.ServiceID != "" {
		return p.ServiceID
	}
	return p.DeploymentID
}

func (p *Pod) DeepCopy() *Pod {
	out := *p
	out.Labels = copyMap(p.Labels)
	out.Annotations = copyMap(p.Annotations)
	return &out
}

// HistoryAction names why a pod transitioned.
type HistoryAction string

const (
	ActionCreated        HistoryAction = "Created"
	ActionScheduled      HistoryAction = "Scheduled"
	ActionStarted        HistoryAction = "Started"
	ActionStopped        HistoryAction = "Stopped"
	ActionFailed         HistoryAction = "Failed"
	ActionEvicted        HistoryAction = "Evicted"
	ActionVersionChanged HistoryAction = "VersionChanged"
)

// PodHistoryEntry is an append-only audit record; exactly one is written
// per status transition.
type PodHistoryEntry struct {
	PodID           string            `json:"podId"`
	Action          HistoryAction     `json:"action"`
	PreviousStatus  PodStatus         `json:"previousStatus"`
	NewStatus       PodStatus         `json:"newStatus"`
	PreviousNodeID  string            `json:"previousNodeId,omitempty"`
	NewNodeID       string            `json:"newNodeId,omitempty"`
	PreviousVersion string            `json:"previousVersion,omitempty"`
	NewVersion      string            `json:"newVersion,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Message         string            `json:"message,omitempty"`
	ActorID         string            `json:"actorId,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Timestamp       int64             `json:"timestamp"`
}
