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

package state_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/state"
)

var _ = Describe("MemoryStore", func() {
	It("should return NotFound for missing rows", func() {
		_, err := store.GetPod("nope")
		Expect(errors.IsNotFound(err)).To(BeTrue())
		Expect(errors.IsNotFound(store.DeletePod("nope"))).To(BeTrue())
	})
	It("should reject duplicate creates", func() {
		_, err := store.CreatePod(&core.Pod{ID: "p-1"})
		Expect(err).ToNot(HaveOccurred())
		_, err = store.CreatePod(&core.Pod{ID: "p-1"})
		Expect(errors.IsConflict(err)).To(BeTrue())
	})
	It("should bump the resource version on every update", func() {
		created, err := store.CreatePod(&core.Pod{ID: "p-1", Status: core.PodPending})
		Expect(err).ToNot(HaveOccurred())
		Expect(created.ResourceVersion).To(BeNumerically("==", 1))

		created.Status = core.PodScheduled
		updated, err := store.UpdatePod(created)
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.ResourceVersion).To(BeNumerically("==", 2))
		Expect(updated.Status).To(Equal(core.PodScheduled))
	})
	It("should reject updates with a stale resource version", func() {
		created, err := store.CreatePod(&core.Pod{ID: "p-1"})
		Expect(err).ToNot(HaveOccurred())

		first := created.DeepCopy()
		first.StatusMessage = "writer one"
		_, err = store.UpdatePod(first)
		Expect(err).ToNot(HaveOccurred())

		second := created.DeepCopy()
		second.StatusMessage = "writer two"
		_, err = store.UpdatePod(second)
		Expect(errors.IsConflict(err)).To(BeTrue())

		got, err := store.GetPod("p-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(got.StatusMessage).To(Equal("writer one"))
	})
	It("should return deep copies from reads", func() {
		_, err := store.CreatePod(&core.Pod{ID: "p-1", Labels: map[string]string{"tier": "web"}})
		Expect(err).ToNot(HaveOccurred())

		got, err := store.GetPod("p-1")
		Expect(err).ToNot(HaveOccurred())
		got.Labels["tier"] = "mutated"

		again, err := store.GetPod("p-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(again.Labels["tier"]).To(Equal("web"))
	})
	It("should list rows sorted by id", func() {
		for _, id := range []string{"p-3", "p-1", "p-2"} {
			_, err := store.CreatePod(&core.Pod{ID: id})
			Expect(err).ToNot(HaveOccurred())
		}
		pods := store.ListPods()
		Expect(pods).To(HaveLen(3))
		Expect(pods[0].ID).To(Equal("p-1"))
		Expect(pods[2].ID).To(Equal("p-3"))
	})
	It("should stamp pod timestamps from the clock", func() {
		created, err := store.CreatePod(&core.Pod{ID: "p-1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(created.CreatedAt).To(BeNumerically("==", core.Millis(fakeClock.Now())))

		fakeClock.Step(5 * time.Second)
		updated, err := store.UpdatePod(created)
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.UpdatedAt - updated.CreatedAt).To(BeNumerically("==", 5000))
	})

	Context("history", func() {
		It("should append and list in order", func() {
			store.AppendHistory(core.PodHistoryEntry{PodID: "p-1", Action: core.ActionCreated, NewStatus: core.PodPending})
			store.AppendHistory(core.PodHistoryEntry{PodID: "p-1", Action: core.ActionScheduled, PreviousStatus: core.PodPending, NewStatus: core.PodScheduled})
			store.AppendHistory(core.PodHistoryEntry{PodID: "p-2", Action: core.ActionCreated})

			entries := store.ListHistory("p-1")
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Action).To(Equal(core.ActionCreated))
			Expect(entries[1].Action).To(Equal(core.ActionScheduled))
			Expect(entries[1].Timestamp).ToNot(BeZero())
		})
	})

	Context("subscriptions", func() {
		It("should deliver mutation events", func() {
			events := store.Subscribe(8)
			_, err := store.CreateNode(&core.Node{ID: "n-1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(store.DeleteNode("n-1")).To(Succeed())

			Expect(<-events).To(Equal(state.Event{Kind: state.KindNode, Type: state.EventCreated, ID: "n-1"}))
			Expect(<-events).To(Equal(state.Event{Kind: state.KindNode, Type: state.EventDeleted, ID: "n-1"}))
		})
		It("should drop events rather than block on a full subscriber", func() {
			events := store.Subscribe(1)
			for i := 0; i < 5; i++ {
				_, err := store.CreateService(&core.Service{ID: string(rune('a' + i))})
				Expect(err).ToNot(HaveOccurred())
			}
			Expect(events).To(HaveLen(1))
		})
	})
})
