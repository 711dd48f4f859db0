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

package scheduling

import (
	"strconv"

	"github.com/stark-run/stark/pkg/apis/core"
)

// maxUnavailableLabel overrides the rolling-update batch size.
const maxUnavailableLabel = "stark.max-unavailable"

type workloadKind string

const (
	kindService    workloadKind = "service"
	kindDeployment workloadKind = "deployment"
)

// workload is the scheduler's common view of a service or deployment.
type workload struct {
	Kind         workloadKind
	ID           string
	Name         string
	Namespace    core.Namespace
	PackID       string
	PackVersion  string
	FollowLatest bool
	Replicas     int
	Labels       map[string]string
	Scheduling   core.SchedulingSpec
	Resources    core.ResourceRequirements
	Priority     int
}

func fromService(s *core.Service) workload {
	return workload{
		Kind:         kindService,
		ID:           s.ID,
		Name:         s.Name,
		Namespace:    s.Namespace,
		PackID:       s.PackID,
		PackVersion:  s.PackVersion,
		FollowLatest: s.FollowLatest,
		Replicas:     s.Replicas,
		Labels:       s.Labels,
		Scheduling:   s.Scheduling,
		Resources:    s.Resources,
		Priority:     s.Priority(),
	}
}

func fromDeployment(d *core.Deployment) workload {
	w := workload{
		Kind:         kindDeployment,
		ID:           d.ID,
		Name:         d.Name,
		Namespace:    d.Namespace,
		PackID:       d.PackID,
		PackVersion:  d.PackVersion,
		FollowLatest: d.FollowLatest,
		Replicas:     d.Replicas,
		Labels:       d.Labels,
		Scheduling:   d.Scheduling,
		Resources:    d.Resources,
	}
	if v, ok := d.Labels[core.PriorityLabel]; ok {
		if p, err := strconv.Atoi(v); err == nil {
			w.Priority = p
		}
	}
	return w
}

func (w workload) DaemonSet() bool { return w.Replicas == 0 }

func (w workload) MaxUnavailable() int {
	if v, ok := w.Labels[maxUnavailableLabel]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

// PreemptEligible pods may evict lower-priority pods when nothing fits.
func (w workload) PreemptEligible() bool { return w.Priority > 0 }
