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

package hub_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/hub"
	"github.com/stark-run/stark/pkg/protocol"
)

var _ = Describe("Hub", func() {
	Describe("handshake", func() {
		It("should register the node and acknowledge with its id", func() {
			_, nodeID := connect("worker-1")
			Expect(nodeID).ToNot(BeEmpty())

			n, err := nodes.Get(nodeID)
			Expect(err).ToNot(HaveOccurred())
			Expect(n.Name).To(Equal("worker-1"))
			Expect(n.Status).To(Equal(core.NodeReady))

			_, err = sessions.Session(nodeID)
			Expect(err).ToNot(HaveOccurred())
		})

		It("should reject a bad token", func() {
			conn := dial()
			Expect(conn.WriteJSON(protocol.NewMessage(protocol.TypeAuth, "", protocol.AuthPayload{Token: "wrong"}))).To(Succeed())
			Expect(conn.WriteJSON(protocol.NewMessage(protocol.TypeRegister, "", protocol.RegisterPayload{NodeName: "worker-1"}))).To(Succeed())

			var msg protocol.Message
			Expect(conn.ReadJSON(&msg)).To(Succeed())
			Expect(msg.Type).To(Equal(protocol.TypeError))
			var ep protocol.ErrorPayload
			Expect(json.Unmarshal(msg.Payload, &ep)).To(Succeed())
			Expect(ep.Kind).To(Equal("Auth"))
		})

		It("should reject a register frame before auth", func() {
			conn := dial()
			Expect(conn.WriteJSON(protocol.NewMessage(protocol.TypeRegister, "", protocol.RegisterPayload{NodeName: "worker-1"}))).To(Succeed())

			var msg protocol.Message
			Expect(conn.ReadJSON(&msg)).To(Succeed())
			Expect(msg.Type).To(Equal(protocol.TypeError))
		})
	})

	Describe("routing", func() {
		It("should answer correlated requests through registered handlers", func() {
			sessions.RegisterHandler(protocol.TypeHeartbeat, func(ctx context.Context, s *hub.Session, msg protocol.Message) (*protocol.Message, error) {
				reply := protocol.NewMessage(protocol.TypeAck, "", nil)
				return &reply, nil
			})
			conn, _ := connect("worker-1")

			Expect(conn.WriteJSON(protocol.NewMessage(protocol.TypeHeartbeat, "c-1", protocol.HeartbeatPayload{}))).To(Succeed())

			var reply protocol.Message
			Expect(conn.ReadJSON(&reply)).To(Succeed())
			Expect(reply.Type).To(Equal(protocol.TypeAck))
			Expect(reply.CorrelationID).To(Equal("c-1"))
		})

		It("should return handler errors as typed error frames", func() {
			sessions.RegisterHandler(protocol.TypeHeartbeat, func(ctx context.Context, s *hub.Session, msg protocol.Message) (*protocol.Message, error) {
				return nil, errors.NotFound("node", s.NodeID)
			})
			conn, _ := connect("worker-1")

			Expect(conn.WriteJSON(protocol.NewMessage(protocol.TypeHeartbeat, "c-1", protocol.HeartbeatPayload{}))).To(Succeed())

			var reply protocol.Message
			Expect(conn.ReadJSON(&reply)).To(Succeed())
			Expect(reply.Type).To(Equal(protocol.TypeError))
			Expect(reply.CorrelationID).To(Equal("c-1"))
			var ep protocol.ErrorPayload
			Expect(json.Unmarshal(reply.Payload, &ep)).To(Succeed())
			Expect(ep.Kind).To(Equal("NotFound"))
		})

		It("should deliver fire-and-forget sends to the node's session", func() {
			conn, nodeID := connect("worker-1")

			Expect(sessions.Send(nodeID, protocol.NewMessage(protocol.TypePodStop, "", protocol.PodStopPayload{PodID: "p-1"}))).To(Succeed())

			var msg protocol.Message
			Expect(conn.ReadJSON(&msg)).To(Succeed())
			Expect(msg.Type).To(Equal(protocol.TypePodStop))
		})

		It("should fail sends to unknown nodes", func() {
			err := sessions.Send("missing", protocol.NewMessage(protocol.TypePodStop, "", nil))
			Expect(errors.IsTransportClosed(err)).To(BeTrue())
		})

		It("should pair replies with pending requests", func() {
			conn, nodeID := connect("worker-1")

			// agent side: echo any deploy request back as an ack
			go func() {
				defer GinkgoRecover()
				var msg protocol.Message
				Expect(conn.ReadJSON(&msg)).To(Succeed())
				Expect(conn.WriteJSON(protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, nil))).To(Succeed())
			}()

			reply, err := sessions.Request(context.Background(), nodeID, protocol.NewMessage(protocol.TypePodDeploy, "", nil))
			Expect(err).ToNot(HaveOccurred())
			Expect(reply.Type).To(Equal(protocol.TypeAck))
		})

		It("should surface agent errors on requests", func() {
			conn, nodeID := connect("worker-1")

			go func() {
				defer GinkgoRecover()
				var msg protocol.Message
				Expect(conn.ReadJSON(&msg)).To(Succeed())
				Expect(conn.WriteJSON(protocol.NewMessage(protocol.TypeError, msg.CorrelationID, protocol.ErrorPayload{
					Kind:    "Conflict",
					Message: "pod already deployed",
				}))).To(Succeed())
			}()

			_, err := sessions.Request(context.Background(), nodeID, protocol.NewMessage(protocol.TypePodDeploy, "", nil))
			Expect(errors.IsConflict(err)).To(BeTrue())
		})

		It("should time out requests the agent never answers", func() {
			_, nodeID := connect("worker-1")

			_, err := sessions.Request(context.Background(), nodeID, protocol.NewMessage(protocol.TypePodDeploy, "", nil))
			Expect(errors.IsTimeout(err)).To(BeTrue())
		})
	})

	Describe("session lifecycle", func() {
		It("should replace an existing session for the same node", func() {
			first, nodeID := connect("worker-1")
			_, secondID := connect("worker-1")
			Expect(secondID).To(Equal(nodeID))

			// the displaced connection is closed by the hub
			Eventually(func() error {
				_, _, err := first.ReadMessage()
				return err
			}).ShouldNot(Succeed())
		})

		It("should notify close callbacks when an agent disconnects", func() {
			var mu sync.Mutex
			var closed []string
			sessions.OnSessionClosed(func(nodeID string) {
				mu.Lock()
				defer mu.Unlock()
				closed = append(closed, nodeID)
			})

			conn, nodeID := connect("worker-1")
			Expect(conn.Close()).To(Succeed())

			Eventually(func() []string {
				mu.Lock()
				defer mu.Unlock()
				return append([]string(nil), closed...)
			}, 2*time.Second).Should(ContainElement(nodeID))

			_, err := sessions.Session(nodeID)
			Expect(errors.IsTransportClosed(err)).To(BeTrue())
		})
	})
})
