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
	"sort"
	"strconv"

	"github.com/samber/lo"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/state"
)

// podPriority reads a pod's preemption priority from the label stamped on
// it at creation time.
func podPriority(p *core.Pod) int {
	if v, ok := p.Labels[core.PriorityLabel]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// preemptionPlan is a node plus the victims whose eviction admits the
// pending workload there.
type preemptionPlan struct {
	node          *state.NodeState
	victims       []*core.Pod
	totalPriority int
}

// planPreemption evaluates every node that passes the non-resource
// predicates and returns the plan minimizing victim count, then total
// victim priority. Nil when no combination of lower-priority evictions
// frees enough room anywhere.
func planPreemption(w workload, pack *core.Pack, cluster *state.Cluster) *preemptionPlan {
	req := w.Resources.Requests
	req.Pods = 1

	var plans []preemptionPlan
	cluster.ForEachNode(func(n *state.NodeState) bool {
		if eligible(w, pack, n) != nil {
			return true
		}
		// lowest priority first so we evict as cheaply as possible
		victims := lo.Filter(n.Pods, func(p *core.Pod, _ int) bool {
			return podPriority(p) < w.Priority && !p.Status.Terminal()
		})
		sort.Slice(victims, func(i, j int) bool { return podPriority(victims[i]) < podPriority(victims[j]) })

		free := n.Free()
		var chosen []*core.Pod
		total := 0
		for _, v := range victims {
			if req.Fits(free) {
				break
			}
			vr := v.ResourceRequests
			vr.Pods = 1
			free = free.Add(vr)
			chosen = append(chosen, v)
			total += podPriority(v)
		}
		if req.Fits(free) && len(chosen) > 0 {
			plans = append(plans, preemptionPlan{node: n, victims: chosen, totalPriority: total})
		}
		return true
	})
	if len(plans) == 0 {
		return nil
	}
	sort.Slice(plans, func(i, j int) bool {
		if len(plans[i].victims) != len(plans[j].victims) {
			return len(plans[i].victims) < len(plans[j].victims)
		}
		if plans[i].totalPriority != plans[j].totalPriority {
			return plans[i].totalPriority < plans[j].totalPriority
		}
		return tieBreak(plans[i].node.Node.ID) > tieBreak(plans[j].node.Node.ID)
	})
	return &plans[0]
}
