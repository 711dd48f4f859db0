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
	"fmt"
	"sort"

	"github.com/mitchellh/hashstructure/v2"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/state"
)

// eligible runs the filter pipeline for one workload against one node.
// It returns an aggregate error naming every failed predicate, nil when
// the node passes everything but resources, which are checked separately
// so preemption can reuse the same predicate set.
func eligible(w workload, pack *core.Pack, n *state.NodeState) error {
	var errs error
	if !n.Node.Schedulable() {
		errs = multierr.Append(errs, fmt.Errorf("node is %s", n.Node.Status))
	}
	if !pack.RuntimeTag.CompatibleWith(n.Node.RuntimeType) {
		errs = multierr.Append(errs, fmt.Errorf("pack runtime %q incompatible with node runtime %q", pack.RuntimeTag, n.Node.RuntimeType))
	}
	if missing := sets.New(pack.GrantedCapabilities...).Difference(sets.New(n.Node.Capabilities...)); missing.Len() > 0 {
		errs = multierr.Append(errs, fmt.Errorf("node lacks capabilities %v", sets.List(missing)))
	}
	if err := core.Taints(n.Node.Taints).Tolerates(w.Scheduling.Tolerations); err != nil {
		errs = multierr.Append(errs, err)
	}
	for k, v := range w.Scheduling.NodeSelector {
		if n.Node.Labels[k] != v {
			errs = multierr.Append(errs, fmt.Errorf("node selector %s=%s not satisfied", k, v))
		}
	}
	if aff := w.Scheduling.Affinity; aff != nil && !aff.Required.Matches(n.Node.Labels) {
		errs = multierr.Append(errs, fmt.Errorf("required node affinity not satisfied"))
	}
	return errs
}

func fits(w workload, n *state.NodeState) bool {
	req := w.Resources.Requests
	req.Pods = 1
	return req.Fits(n.Free())
}

// score ranks a passing node. Higher is better. Components: weighted
// preferred-affinity terms, least-loaded, and inter-pod
// affinity/anti-affinity against pods already on the node.
func score(w workload, n *state.NodeState) float64 {
	var s float64
	if aff := w.Scheduling.Affinity; aff != nil {
		for _, term := range aff.Preferred {
			if term.Requirements.Matches(n.Node.Labels) {
				s += float64(term.Weight)
			}
		}
	}
	req := w.Resources.Requests
	req.Pods = 1
	s += 100 * (1 - n.Requested().Add(req).Utilization(n.Node.Allocatable))
	for _, p := range n.Pods {
		for _, term := range w.Scheduling.PodAffinity {
			if term.Selector.Matches(p.Labels) {
				s += float64(term.Weight)
			}
		}
		for _, term := range w.Scheduling.PodAntiAffinity {
			if term.Selector.Matches(p.Labels) {
				s -= float64(term.Weight)
			}
		}
	}
	return s
}

// tieBreak hashes the node ID so equal scores resolve deterministically
// across cycles and processes.
func tieBreak(nodeID string) uint64 {
	h, err := hashstructure.Hash(nodeID, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}

type candidate struct {
	node  *state.NodeState
	score float64
}

// place selects the best node for the workload, or an aggregate error
// describing why every node was rejected.
func place(w workload, pack *core.Pack, cluster *state.Cluster, exclude sets.Set[string]) (*state.NodeState, error) {
	var candidates []candidate
	var rejections error
	cluster.ForEachNode(func(n *state.NodeState) bool {
		if exclude.Has(n.Node.ID) {
			return true
		}
		if err := eligible(w, pack, n); err != nil {
			rejections = multierr.Append(rejections, fmt.Errorf("node %s: %w", n.Node.Name, err))
			return true
		}
		if !fits(w, n) {
			rejections = multierr.Append(rejections, fmt.Errorf("node %s: insufficient resources", n.Node.Name))
			return true
		}
		candidates = append(candidates, candidate{node: n, score: score(w, n)})
		return true
	})
	if len(candidates) == 0 {
		return nil, errors.Wrap(errors.KindResourceExhausted, rejections, "no node fits %s %q", w.Kind, w.Name)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return tieBreak(candidates[i].node.Node.ID) > tieBreak(candidates[j].node.Node.ID)
	})
	return candidates[0].node, nil
}

// eligibleNodes returns every node a daemonset workload should occupy.
func eligibleNodes(w workload, pack *core.Pack, cluster *state.Cluster) []*state.NodeState {
	var out []*state.NodeState
	cluster.ForEachNode(func(n *state.NodeState) bool {
		if eligible(w, pack, n) == nil && fits(w, n) {
			out = append(out, n)
		}
		return true
	})
	return out
}
