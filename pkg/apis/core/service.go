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

import "strconv"

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilitySystem  Visibility = "system"
)

type ServiceStatus string

const (
	ServiceProgressing ServiceStatus = "Progressing"
	ServiceReady       ServiceStatus = "Ready"
	ServiceDegraded    ServiceStatus = "Degraded"
)

const (
	// PriorityLabel carries the preemption priority as a decimal integer.
	PriorityLabel = "priority"
	// TargetTTLLabel overrides the per-service sticky target cache TTL, in
	// milliseconds.
	TargetTTLLabel = "stark.target-ttl"
)

// Service is the desired-state record for an addressable replica set.
// Replicas == 0 designates DaemonSet mode (one pod per eligible node).
type Service struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Namespace    Namespace            `json:"namespace"`
	PackID       string               `json:"packId"`
	PackVersion  string               `json:"packVersion"`
	FollowLatest bool                 `json:"followLatest"`
	Replicas     int                  `json:"replicas"`
	Status       ServiceStatus        `json:"status"`
	Labels       map[string]string    `json:"labels,omitempty"`
	Scheduling   SchedulingSpec       `json:"scheduling"`
	Resources    ResourceRequirements `json:"resources"`

	// Overlay networking fields; deployments have none of these.
	Visibility     Visibility `json:"visibility"`
	Exposed        bool       `json:"exposed"`
	AllowedSources []string   `json:"allowedSources,omitempty"`
	IngressPort    int        `json:"ingressPort,omitempty"`

	ReadyReplicas     int `json:"readyReplicas"`
	AvailableReplicas int `json:"availableReplicas"`

	ResourceVersion int64 `json:"resourceVersion"`
}

func (s *Service) GetID() string              { return s.ID }
func (s *Service) GetResourceVersion() int64  { return s.ResourceVersion }
func (s *Service) SetResourceVersion(v int64) { s.ResourceVersion = v }

// DaemonSet reports whether the service runs in one-pod-per-node mode.
func (s *Service) DaemonSet() bool { return s.Replicas == 0 }

// Priority returns the preemption priority parsed from labels, 0 if unset.
func (s *Service) Priority() int {
	if v, ok := s.Labels[PriorityLabel]; ok {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return 0
}

func (s *Service) DeepCopy() *Service {
	out := *s
	out.Labels = copyMap(s.Labels)
	out.Scheduling = s.Scheduling.DeepCopy()
	out.AllowedSources = append([]string(nil), s.AllowedSources...)
	return &out
}

// Deployment is a replica set without overlay addressability.
type Deployment struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Namespace    Namespace            `json:"namespace"`
	PackID       string               `json:"packId"`
	PackVersion  string               `json:"packVersion"`
	FollowLatest bool                 `json:"followLatest"`
	Replicas     int                  `json:"replicas"`
	Status       ServiceStatus        `json:"status"`
	Labels       map[string]string    `json:"labels,omitempty"`
	Scheduling   SchedulingSpec       `json:"scheduling"`
	Resources    ResourceRequirements `json:"resources"`

	ReadyReplicas     int `json:"readyReplicas"`
	AvailableReplicas int `json:"availableReplicas"`

	ResourceVersion int64 `json:"resourceVersion"`
}

func (d *Deployment) GetID() string              { return d.ID }
func (d *Deployment) GetResourceVersion() int64  { return d.ResourceVersion }
func (d *Deployment) SetResourceVersion(v int64) { d.ResourceVersion = v }

func (d *Deployment) DaemonSet() bool { return d.Replicas == 0 }

func (d *Deployment) DeepCopy() *Deployment {
	out := *d
	out.Labels = copyMap(d.Labels)
	out.Scheduling = d.Scheduling.DeepCopy()
	return &out
}
