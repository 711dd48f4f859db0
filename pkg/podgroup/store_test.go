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

package podgroup_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/podgroup"
)

var _ = Describe("Store", func() {
	var store *podgroup.Store

	BeforeEach(func() {
		store = podgroup.NewStore(fakeClock, 0)
	})

	It("should create groups lazily on first join", func() {
		Expect(store.Groups()).To(BeEmpty())
		_, err := store.Join("g-1", "p-1", "n-1", time.Minute, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(store.Groups()).To(ConsistOf("g-1"))
		Expect(store.List("g-1")).To(HaveLen(1))
	})

	It("should hide members past their ttl without waiting for the reaper", func() {
		_, err := store.Join("g-1", "p-1", "n-1", 30*time.Second, nil)
		Expect(err).ToNot(HaveOccurred())
		_, err = store.Join("g-1", "p-2", "n-1", 5*time.Minute, nil)
		Expect(err).ToNot(HaveOccurred())

		fakeClock.Step(time.Minute)
		members := store.List("g-1")
		Expect(members).To(HaveLen(1))
		Expect(members[0].PodID).To(Equal("p-2"))
	})

	It("should preserve JoinedAt across rejoins and replace ttl and metadata", func() {
		first, err := store.Join("g-1", "p-1", "n-1", 30*time.Second, map[string]string{"role": "follower"})
		Expect(err).ToNot(HaveOccurred())

		fakeClock.Step(10 * time.Second)
		second, err := store.Join("g-1", "p-1", "n-1", 5*time.Minute, map[string]string{"role": "leader"})
		Expect(err).ToNot(HaveOccurred())
		Expect(second.JoinedAt).To(Equal(first.JoinedAt))
		Expect(second.LastRefreshedAt - first.LastRefreshedAt).To(BeNumerically("==", 10000))
		Expect(second.TTLMillis).To(BeNumerically("==", (5 * time.Minute).Milliseconds()))
		Expect(second.Metadata["role"]).To(Equal("leader"))
		Expect(store.List("g-1")).To(HaveLen(1))
	})

	It("should extend visibility on refresh", func() {
		_, err := store.Join("g-1", "p-1", "n-1", time.Minute, nil)
		Expect(err).ToNot(HaveOccurred())

		fakeClock.Step(45 * time.Second)
		_, err = store.Refresh("g-1", "p-1")
		Expect(err).ToNot(HaveOccurred())

		fakeClock.Step(45 * time.Second)
		Expect(store.List("g-1")).To(HaveLen(1))
	})

	It("should fall back to the default ttl for non-positive values", func() {
		m, err := store.Join("g-1", "p-1", "n-1", 0, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(m.TTLMillis).To(BeNumerically("==", podgroup.DefaultTTL.Milliseconds()))
	})

	It("should remove members on leave and drop empty groups", func() {
		_, err := store.Join("g-1", "p-1", "n-1", time.Minute, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(store.Leave("g-1", "p-1")).To(Succeed())
		Expect(store.Groups()).To(BeEmpty())

		Expect(errors.IsNotFound(store.Leave("g-1", "p-1"))).To(BeTrue())
	})

	It("should return NotFound when refreshing an unknown membership", func() {
		_, err := store.Refresh("g-1", "p-1")
		Expect(errors.IsNotFound(err)).To(BeTrue())
		_, err = store.Join("g-1", "p-1", "n-1", time.Minute, nil)
		Expect(err).ToNot(HaveOccurred())
		_, err = store.Refresh("g-1", "p-2")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})

	Context("bounded groups", func() {
		BeforeEach(func() {
			store = podgroup.NewStore(fakeClock, 2)
		})

		It("should reject joins beyond the member cap", func() {
			_, err := store.Join("g-1", "p-1", "n-1", time.Minute, nil)
			Expect(err).ToNot(HaveOccurred())
			_, err = store.Join("g-1", "p-2", "n-1", time.Minute, nil)
			Expect(err).ToNot(HaveOccurred())
			_, err = store.Join("g-1", "p-3", "n-1", time.Minute, nil)
			Expect(errors.KindOf(err)).To(Equal(errors.KindResourceExhausted))
		})

		It("should still admit rejoins of existing members at the cap", func() {
			_, err := store.Join("g-1", "p-1", "n-1", time.Minute, nil)
			Expect(err).ToNot(HaveOccurred())
			_, err = store.Join("g-1", "p-2", "n-1", time.Minute, nil)
			Expect(err).ToNot(HaveOccurred())
			_, err = store.Join("g-1", "p-1", "n-1", time.Minute, nil)
			Expect(err).ToNot(HaveOccurred())
		})

		It("should count only visible members against the cap", func() {
			_, err := store.Join("g-1", "p-1", "n-1", 10*time.Second, nil)
			Expect(err).ToNot(HaveOccurred())
			_, err = store.Join("g-1", "p-2", "n-1", 10*time.Second, nil)
			Expect(err).ToNot(HaveOccurred())

			fakeClock.Step(30 * time.Second)
			_, err = store.Join("g-1", "p-3", "n-1", time.Minute, nil)
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Context("reaper", func() {
		It("should delete expired memberships and empty groups", func() {
			_, err := store.Join("g-1", "p-1", "n-1", 10*time.Second, nil)
			Expect(err).ToNot(HaveOccurred())
			_, err = store.Join("g-2", "p-2", "n-1", 5*time.Minute, nil)
			Expect(err).ToNot(HaveOccurred())

			fakeClock.Step(time.Minute)
			Expect(store.Reap()).To(Equal(1))
			Expect(store.Groups()).To(ConsistOf("g-2"))
			Expect(store.Reap()).To(BeZero())
		})
	})
})
