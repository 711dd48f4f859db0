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

// Package resources aggregates pod resource requests for scheduling math.
package resources

import (
	"github.com/samber/lo"

	"github.com/stark-run/stark/pkg/apis/core"
)

// RequestsForPods sums the resource requests of the given pods, counting
// one pod slot each.
func RequestsForPods(pods ...*core.Pod) core.Resources {
	return lo.Reduce(pods, func(agg core.Resources, p *core.Pod, _ int) core.Resources {
		req := p.ResourceRequests
		req.Pods = 1
		return agg.Add(req)
	}, core.Resources{})
}

// Free returns the node capacity left after subtracting requests of the
// pods bound to it.
func Free(node *core.Node, bound ...*core.Pod) core.Resources {
	return node.Allocatable.Sub(RequestsForPods(bound...))
}
