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

package ephemeral_test

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stark-run/stark/pkg/agent/ephemeral"
	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/podgroup"
	"github.com/stark-run/stark/pkg/protocol"
)

var _ = Describe("Client", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("Join", func() {
		It("should register the membership and return the group seen at join time", func() {
			control.members["g-1"] = []core.PodGroupMembership{{PodID: "p-existing"}}

			handle, members, err := client.Join(ctx, "g-1", "p-1", time.Minute, map[string]string{"role": "worker"})
			Expect(err).ToNot(HaveOccurred())
			defer handle.Leave(ctx)

			Expect(members).To(HaveLen(2))
			podIDs := []string{members[0].PodID, members[1].PodID}
			Expect(podIDs).To(ConsistOf("p-existing", "p-1"))

			joins := control.requestsOfType(protocol.TypePodGroupJoin)
			Expect(joins).To(HaveLen(1))
			var payload protocol.PodGroupJoinPayload
			Expect(json.Unmarshal(joins[0].Payload, &payload)).To(Succeed())
			Expect(payload.GroupID).To(Equal("g-1"))
			Expect(payload.PodID).To(Equal("p-1"))
			Expect(payload.TTLMillis).To(Equal(time.Minute.Milliseconds()))
			Expect(payload.Metadata).To(HaveKeyWithValue("role", "worker"))
		})

		It("should fall back to the default ttl when none is given", func() {
			handle, _, err := client.Join(ctx, "g-1", "p-1", 0, nil)
			Expect(err).ToNot(HaveOccurred())
			defer handle.Leave(ctx)

			joins := control.requestsOfType(protocol.TypePodGroupJoin)
			var payload protocol.PodGroupJoinPayload
			Expect(json.Unmarshal(joins[0].Payload, &payload)).To(Succeed())
			Expect(payload.TTLMillis).To(Equal(ephemeral.DefaultTTL.Milliseconds()))
		})

		It("should surface control errors without producing a handle", func() {
			control.requestErr = errors.New(errors.KindResourceExhausted, "group g-1 is full")
			handle, _, err := client.Join(ctx, "g-1", "p-1", time.Minute, nil)
			Expect(err).To(HaveOccurred())
			Expect(errors.IsResourceExhausted(err)).To(BeTrue())
			Expect(handle).To(BeNil())
		})
	})

	Describe("Handle", func() {
		var handle *ephemeral.Handle

		BeforeEach(func() {
			var err error
			handle, _, err = client.Join(ctx, "g-1", "p-1", time.Minute, nil)
			Expect(err).ToNot(HaveOccurred())
		})

		It("should refresh the membership on demand", func() {
			Expect(handle.Refresh(ctx)).To(Succeed())

			refreshes := control.requestsOfType(protocol.TypePodGroupRefresh)
			Expect(refreshes).To(HaveLen(1))
			var payload protocol.PodGroupLeavePayload
			Expect(json.Unmarshal(refreshes[0].Payload, &payload)).To(Succeed())
			Expect(payload.GroupID).To(Equal("g-1"))
			Expect(payload.PodID).To(Equal("p-1"))
		})

		It("should list the current membership", func() {
			control.mu.Lock()
			control.members["g-1"] = append(control.members["g-1"], core.PodGroupMembership{PodID: "p-2"})
			control.mu.Unlock()

			members, err := handle.Members(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(members).To(HaveLen(2))
		})

		It("should deregister on leave", func() {
			Expect(handle.Leave(ctx)).To(Succeed())

			leaves := control.requestsOfType(protocol.TypePodGroupLeave)
			Expect(leaves).To(HaveLen(1))
			var payload protocol.PodGroupLeavePayload
			Expect(json.Unmarshal(leaves[0].Payload, &payload)).To(Succeed())
			Expect(payload.GroupID).To(Equal("g-1"))
		})

		It("should treat a second leave as a no-op", func() {
			Expect(handle.Leave(ctx)).To(Succeed())
			Expect(handle.Leave(ctx)).To(Succeed())
			Expect(control.requestsOfType(protocol.TypePodGroupLeave)).To(HaveLen(1))
		})

		It("should reject operations on a left handle", func() {
			Expect(handle.Leave(ctx)).To(Succeed())

			Expect(errors.IsInvalid(handle.Refresh(ctx))).To(BeTrue())

			_, err := handle.Members(ctx)
			Expect(errors.IsInvalid(err)).To(BeTrue())

			_, err = handle.QueryPods(ctx, "/healthz", nil, time.Second)
			Expect(errors.IsInvalid(err)).To(BeTrue())
		})
	})

	Describe("QueryPods", func() {
		var handle *ephemeral.Handle

		BeforeEach(func() {
			control.members["g-1"] = []core.PodGroupMembership{
				{PodID: "p-2", NodeID: "n-2"},
				{PodID: "p-3", NodeID: "n-2"},
				{PodID: "p-4", NodeID: "n-3"},
				{PodID: "p-5", NodeID: "n-3"},
			}
			var err error
			handle, _, err = client.Join(ctx, "g-1", "p-1", time.Minute, nil)
			Expect(err).ToNot(HaveOccurred())
		})

		AfterEach(func() {
			_ = handle.Leave(ctx)
		})

		It("should split the aggregate into responders and timed-out members", func() {
			querier.answers["p-2"] = protocol.GroupQueryResponse{Status: 200, Body: []byte(`{"tick":7}`)}
			querier.answers["p-4"] = protocol.GroupQueryResponse{Status: 200, Body: []byte(`{"tick":9}`)}
			querier.answers["p-5"] = protocol.GroupQueryResponse{Status: 503}
			// p-3 never answers

			results := make(chan podgroup.QueryResult, 1)
			go func() {
				defer GinkgoRecover()
				result, err := handle.QueryPods(ctx, "/state", map[string]string{"shard": "a"}, time.Second)
				Expect(err).ToNot(HaveOccurred())
				results <- result
			}()

			Eventually(fakeClock.HasWaiters).Should(BeTrue())
			Eventually(querier.servedCount).Should(Equal(4))
			fakeClock.Step(time.Second)

			var result podgroup.QueryResult
			Eventually(results).Should(Receive(&result))
			Expect(result.Responses).To(HaveLen(3))
			Expect(result.Responses).To(HaveKey("p-2"))
			Expect(result.Responses).To(HaveKey("p-4"))
			Expect(result.Responses["p-5"].Status).To(Equal(503))
			Expect(result.TimedOut).To(ConsistOf("p-3"))
			Expect(result.Complete).To(BeFalse())
			Expect(result.CompletedAt.IsZero()).To(BeFalse())
			Expect(querier.dialedNodes()).To(ConsistOf("n-2", "n-2", "n-3", "n-3"))
		})

		It("should complete without waiting out the timeout when every member answers", func() {
			for _, podID := range []string{"p-2", "p-3", "p-4", "p-5"} {
				querier.answers[podID] = protocol.GroupQueryResponse{Status: 200}
			}

			result, err := handle.QueryPods(ctx, "/state", nil, time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Complete).To(BeTrue())
			Expect(result.Responses).To(HaveLen(4))
			Expect(result.TimedOut).To(BeEmpty())
		})

		It("should complete immediately for a sole member", func() {
			control.mu.Lock()
			control.members["g-2"] = nil
			control.mu.Unlock()
			solo, _, err := client.Join(ctx, "g-2", "p-1", time.Minute, nil)
			Expect(err).ToNot(HaveOccurred())
			defer solo.Leave(ctx)

			result, err := solo.QueryPods(ctx, "/state", nil, time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Complete).To(BeTrue())
			Expect(result.Responses).To(BeEmpty())
			Expect(result.TimedOut).To(BeEmpty())
		})
	})
})
