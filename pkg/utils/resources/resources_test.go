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

package resources_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/utils/resources"
)

var _ = Describe("Resources", func() {
	It("should sum pod requests and count one slot per pod", func() {
		total := resources.RequestsForPods(
			&core.Pod{ResourceRequests: core.Resources{CPUMillis: 500, MemoryBytes: 1 << 30}},
			&core.Pod{ResourceRequests: core.Resources{CPUMillis: 250, MemoryBytes: 2 << 30}},
		)
		Expect(total).To(Equal(core.Resources{CPUMillis: 750, MemoryBytes: 3 << 30, Pods: 2}))
	})

	It("should count a slot even for pods with no requests", func() {
		total := resources.RequestsForPods(&core.Pod{}, &core.Pod{})
		Expect(total.Pods).To(Equal(int64(2)))
	})

	It("should return zero for no pods", func() {
		Expect(resources.RequestsForPods()).To(Equal(core.Resources{}))
	})

	It("should report free capacity after bound pods", func() {
		node := &core.Node{Allocatable: core.Resources{CPUMillis: 4000, MemoryBytes: 8 << 30, Pods: 10}}
		free := resources.Free(node,
			&core.Pod{ResourceRequests: core.Resources{CPUMillis: 1000, MemoryBytes: 1 << 30}},
		)
		Expect(free).To(Equal(core.Resources{CPUMillis: 3000, MemoryBytes: 7 << 30, Pods: 9}))
	})
})
