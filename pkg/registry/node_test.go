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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/registry"
)

var _ = Describe("NodeRegistry", func() {
	var nodes *registry.NodeRegistry

	BeforeEach(func() {
		nodes = registry.NewNodeRegistry(store, fakeClock)
	})

	It("should assign an id and mark the node Ready on first registration", func() {
		n, err := nodes.Register(&core.Node{Name: "worker-1", RuntimeType: core.RuntimeServer})
		Expect(err).ToNot(HaveOccurred())
		Expect(n.ID).ToNot(BeEmpty())
		Expect(n.Status).To(Equal(core.NodeReady))
		Expect(n.LastHeartbeat).To(BeNumerically("==", core.Millis(fakeClock.Now())))
	})

	It("should reuse the node identity when the same name re-registers", func() {
		first, err := nodes.Register(&core.Node{Name: "worker-1", Allocatable: core.Resources{CPUMillis: 2000}})
		Expect(err).ToNot(HaveOccurred())
		_, err = nodes.MarkLost(first.ID)
		Expect(err).ToNot(HaveOccurred())

		second, err := nodes.Register(&core.Node{Name: "worker-1", Allocatable: core.Resources{CPUMillis: 4000}})
		Expect(err).ToNot(HaveOccurred())
		Expect(second.ID).To(Equal(first.ID))
		Expect(second.Status).To(Equal(core.NodeReady))
		Expect(second.Allocatable.CPUMillis).To(BeNumerically("==", 4000))
		Expect(nodes.List(registry.NodeFilter{})).To(HaveLen(1))
	})

	It("should record usage and liveness on heartbeat", func() {
		n, err := nodes.Register(&core.Node{Name: "worker-1"})
		Expect(err).ToNot(HaveOccurred())

		fakeClock.Step(10 * time.Second)
		after, err := nodes.Heartbeat(n.ID, core.Resources{CPUMillis: 700, Pods: 2})
		Expect(err).ToNot(HaveOccurred())
		Expect(after.Used.CPUMillis).To(BeNumerically("==", 700))
		Expect(after.LastHeartbeat - n.LastHeartbeat).To(BeNumerically("==", 10000))
	})

	It("should recover NotReady and Lost nodes on heartbeat", func() {
		n, err := nodes.Register(&core.Node{Name: "worker-1"})
		Expect(err).ToNot(HaveOccurred())
		for _, status := range []core.NodeStatus{core.NodeNotReady, core.NodeLost} {
			_, err = nodes.UpdateStatus(n.ID, status)
			Expect(err).ToNot(HaveOccurred())
			after, err := nodes.Heartbeat(n.ID, core.Resources{})
			Expect(err).ToNot(HaveOccurred())
			Expect(after.Status).To(Equal(core.NodeReady))
		}
	})

	It("should not recover cordoned or draining nodes on heartbeat", func() {
		n, err := nodes.Register(&core.Node{Name: "worker-1"})
		Expect(err).ToNot(HaveOccurred())
		for _, status := range []core.NodeStatus{core.NodeCordoned, core.NodeDraining} {
			_, err = nodes.UpdateStatus(n.ID, status)
			Expect(err).ToNot(HaveOccurred())
			after, err := nodes.Heartbeat(n.ID, core.Resources{})
			Expect(err).ToNot(HaveOccurred())
			Expect(after.Status).To(Equal(status))
		}
	})

	It("should filter listings by status, runtime and labels", func() {
		_, err := nodes.Register(&core.Node{Name: "server-1", RuntimeType: core.RuntimeServer, Labels: map[string]string{"zone": "a"}})
		Expect(err).ToNot(HaveOccurred())
		browser, err := nodes.Register(&core.Node{Name: "browser-1", RuntimeType: core.RuntimeBrowser, Labels: map[string]string{"zone": "b"}})
		Expect(err).ToNot(HaveOccurred())
		_, err = nodes.Cordon(browser.ID)
		Expect(err).ToNot(HaveOccurred())

		Expect(nodes.List(registry.NodeFilter{Status: core.NodeReady})).To(HaveLen(1))
		Expect(nodes.List(registry.NodeFilter{RuntimeType: core.RuntimeBrowser})).To(HaveLen(1))
		Expect(nodes.List(registry.NodeFilter{Labels: map[string]string{"zone": "a"}})).To(HaveLen(1))
		Expect(nodes.List(registry.NodeFilter{Labels: map[string]string{"zone": "c"}})).To(BeEmpty())
	})

	It("should fail heartbeats for deregistered nodes", func() {
		n, err := nodes.Register(&core.Node{Name: "worker-1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(nodes.Deregister(n.ID)).To(Succeed())
		_, err = nodes.Heartbeat(n.ID, core.Resources{})
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})
