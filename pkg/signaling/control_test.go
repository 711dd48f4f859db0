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

package signaling_test

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/protocol"
	"github.com/stark-run/stark/pkg/registry"
)

var _ = Describe("Control", func() {
	var (
		conn   *websocket.Conn
		nodeID string
	)

	roundTrip := func(t protocol.MessageType, payload interface{}, reply interface{}) *protocol.ErrorPayload {
		Expect(conn.WriteJSON(protocol.NewMessage(t, "c-1", payload))).To(Succeed())
		var msg protocol.Message
		Expect(conn.ReadJSON(&msg)).To(Succeed())
		Expect(msg.CorrelationID).To(Equal("c-1"))
		if msg.Type == protocol.TypeError {
			var ep protocol.ErrorPayload
			Expect(json.Unmarshal(msg.Payload, &ep)).To(Succeed())
			return &ep
		}
		Expect(msg.Type).To(Equal(protocol.TypeAck))
		Expect(json.Unmarshal(msg.Payload, reply)).To(Succeed())
		return nil
	}

	BeforeEach(func() {
		conn, nodeID = connect("node-a")
	})

	Describe("target selection", func() {
		BeforeEach(func() {
			_, err := store.CreateService(&core.Service{ID: "db", Name: "db", Namespace: core.NamespaceUser, Visibility: core.VisibilityPrivate})
			Expect(err).ToNot(HaveOccurred())
			services.AddPodEndpoint("db", registry.Endpoint{PodID: "p-1", NodeID: nodeID, Status: core.PodRunning})
		})

		It("should return a running endpoint with the default ttl", func() {
			var reply protocol.SelectTargetReply
			errp := roundTrip(protocol.TypeSelectTarget, protocol.SelectTargetPayload{
				ServiceID:   "db",
				SourcePodID: "p-src",
				Sticky:      true,
			}, &reply)
			Expect(errp).To(BeNil())
			Expect(reply.PodID).To(Equal("p-1"))
			Expect(reply.NodeID).To(Equal(nodeID))
			Expect(reply.TTLMillis).To(Equal(int64(60_000)))
		})

		It("should honor a per-service ttl label", func() {
			svc, err := store.GetService("db")
			Expect(err).ToNot(HaveOccurred())
			svc.Labels = map[string]string{core.TargetTTLLabel: "5000"}
			_, err = store.UpdateService(svc)
			Expect(err).ToNot(HaveOccurred())

			var reply protocol.SelectTargetReply
			errp := roundTrip(protocol.TypeSelectTarget, protocol.SelectTargetPayload{
				ServiceID: "db", SourcePodID: "p-src",
			}, &reply)
			Expect(errp).To(BeNil())
			Expect(reply.TTLMillis).To(Equal(int64(5000)))
		})

		It("should fail for a service with no selectable endpoints", func() {
			services.RemovePodEndpoint("db", "p-1")

			var reply protocol.SelectTargetReply
			errp := roundTrip(protocol.TypeSelectTarget, protocol.SelectTargetPayload{
				ServiceID: "db", SourcePodID: "p-src",
			}, &reply)
			Expect(errp).ToNot(BeNil())
			Expect(errp.Kind).To(Equal("NotFound"))
		})

		It("should fail for an unknown service", func() {
			var reply protocol.SelectTargetReply
			errp := roundTrip(protocol.TypeSelectTarget, protocol.SelectTargetPayload{
				ServiceID: "missing", SourcePodID: "p-src",
			}, &reply)
			Expect(errp).ToNot(BeNil())
			Expect(errp.Kind).To(Equal("NotFound"))
		})
	})

	Describe("policy checks", func() {
		BeforeEach(func() {
			_, err := store.CreateService(&core.Service{ID: "db", Name: "db", Namespace: core.NamespaceUser, Visibility: core.VisibilityPrivate, AllowedSources: []string{"web"}})
			Expect(err).ToNot(HaveOccurred())
		})

		It("should answer allow decisions", func() {
			var reply protocol.PolicyCheckReply
			errp := roundTrip(protocol.TypePolicyCheck, protocol.PolicyCheckPayload{
				SourceServiceID: "web", TargetServiceID: "db", Namespace: core.NamespaceUser,
			}, &reply)
			Expect(errp).To(BeNil())
			Expect(reply.Allowed).To(BeTrue())
		})

		It("should evaluate decisions in the target service's namespace", func() {
			_, err := store.CreatePolicy(&core.NetworkPolicy{
				ID:            "pol-1",
				SourceService: "cache",
				TargetService: "db",
				Action:        core.PolicyAllow,
				Namespace:     core.NamespaceUser,
			})
			Expect(err).ToNot(HaveOccurred())

			// the client names a namespace with no rules; the verdict still
			// comes from where db actually lives
			var reply protocol.PolicyCheckReply
			errp := roundTrip(protocol.TypePolicyCheck, protocol.PolicyCheckPayload{
				SourceServiceID: "cache", TargetServiceID: "db", Namespace: core.NamespaceSystem,
			}, &reply)
			Expect(errp).To(BeNil())
			Expect(reply.Allowed).To(BeTrue())
		})

		It("should answer deny decisions with the reason", func() {
			var reply protocol.PolicyCheckReply
			errp := roundTrip(protocol.TypePolicyCheck, protocol.PolicyCheckPayload{
				SourceServiceID: "cache", TargetServiceID: "db", Namespace: core.NamespaceUser,
			}, &reply)
			Expect(errp).To(BeNil())
			Expect(reply.Allowed).To(BeFalse())
			Expect(reply.Reason).ToNot(BeEmpty())
		})
	})
})
