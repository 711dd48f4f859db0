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

package registry_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/registry"
)

var _ = Describe("ServiceRegistry", func() {
	var services *registry.ServiceRegistry

	addNode := func(id string, status core.NodeStatus) {
		_, err := store.CreateNode(&core.Node{ID: id, Status: status})
		Expect(err).ToNot(HaveOccurred())
	}
	running := func(podID, nodeID string) registry.Endpoint {
		return registry.Endpoint{PodID: podID, NodeID: nodeID, Status: core.PodRunning}
	}

	BeforeEach(func() {
		services = registry.NewServiceRegistry(store)
		addNode("n-ready", core.NodeReady)
		addNode("n-lost", core.NodeLost)
	})

	It("should track endpoint membership per service", func() {
		services.AddPodEndpoint("svc", running("p-1", "n-ready"))
		services.AddPodEndpoint("svc", running("p-2", "n-ready"))
		Expect(services.Endpoints("svc")).To(HaveLen(2))

		services.RemovePodEndpoint("svc", "p-1")
		Expect(services.Endpoints("svc")).To(HaveLen(1))
		services.RemovePodEndpoint("svc", "p-2")
		Expect(services.Endpoints("svc")).To(BeEmpty())
	})

	It("should only select running pods on Ready nodes", func() {
		services.AddPodEndpoint("svc", running("p-ready", "n-ready"))
		services.AddPodEndpoint("svc", running("p-lost-node", "n-lost"))
		services.AddPodEndpoint("svc", registry.Endpoint{PodID: "p-starting", NodeID: "n-ready", Status: core.PodStarting})

		for i := 0; i < 10; i++ {
			ep, err := services.SelectTarget("svc", "src", registry.StrategyRandom)
			Expect(err).ToNot(HaveOccurred())
			Expect(ep.PodID).To(Equal("p-ready"))
		}
	})

	It("should return NotFound when nothing is selectable", func() {
		services.AddPodEndpoint("svc", registry.Endpoint{PodID: "p-1", NodeID: "n-ready", Status: core.PodStopping})
		_, err := services.SelectTarget("svc", "src", registry.StrategyRandom)
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	Context("sticky-random-first", func() {
		BeforeEach(func() {
			services.AddPodEndpoint("svc", running("p-1", "n-ready"))
			services.AddPodEndpoint("svc", running("p-2", "n-ready"))
			services.AddPodEndpoint("svc", running("p-3", "n-ready"))
		})

		It("should pin a source pod to its first pick", func() {
			first, err := services.SelectTarget("svc", "src", registry.StrategyStickyRandomFirst)
			Expect(err).ToNot(HaveOccurred())
			for i := 0; i < 20; i++ {
				ep, err := services.SelectTarget("svc", "src", registry.StrategyStickyRandomFirst)
				Expect(err).ToNot(HaveOccurred())
				Expect(ep.PodID).To(Equal(first.PodID))
			}
		})

		It("should keep stickiness per source pod", func() {
			a, err := services.SelectTarget("svc", "src-a", registry.StrategyStickyRandomFirst)
			Expect(err).ToNot(HaveOccurred())
			_, err = services.SelectTarget("svc", "src-b", registry.StrategyStickyRandomFirst)
			Expect(err).ToNot(HaveOccurred())
			again, err := services.SelectTarget("svc", "src-a", registry.StrategyStickyRandomFirst)
			Expect(err).ToNot(HaveOccurred())
			Expect(again.PodID).To(Equal(a.PodID))
		})

		It("should repin when the pinned pod goes away", func() {
			first, err := services.SelectTarget("svc", "src", registry.StrategyStickyRandomFirst)
			Expect(err).ToNot(HaveOccurred())
			services.RemovePodEndpoint("svc", first.PodID)

			next, err := services.SelectTarget("svc", "src", registry.StrategyStickyRandomFirst)
			Expect(err).ToNot(HaveOccurred())
			Expect(next.PodID).ToNot(Equal(first.PodID))
		})
	})

	It("should rotate across candidates with round-robin", func() {
		services.AddPodEndpoint("svc", running("p-1", "n-ready"))
		services.AddPodEndpoint("svc", running("p-2", "n-ready"))

		seen := sets.New[string]()
		for i := 0; i < 4; i++ {
			ep, err := services.SelectTarget("svc", "src", registry.StrategyRoundRobin)
			Expect(err).ToNot(HaveOccurred())
			seen.Insert(ep.PodID)
		}
		Expect(seen).To(HaveLen(2))
	})

	It("should notify subscribers of endpoint changes", func() {
		changes := services.Subscribe("svc")
		services.AddPodEndpoint("svc", running("p-1", "n-ready"))

		var change registry.EndpointChange
		Eventually(changes).Should(Receive(&change))
		Expect(change.ServiceID).To(Equal("svc"))
		Expect(change.Endpoints).To(HaveLen(1))
	})

	It("should reflect status updates in selectability", func() {
		services.AddPodEndpoint("svc", running("p-1", "n-ready"))
		services.StatusChanged("svc", "p-1", core.PodStopping)
		_, err := services.SelectTarget("svc", "src", registry.StrategyRandom)
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})
