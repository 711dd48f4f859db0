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
)

var _ = Describe("Relay", func() {
	var (
		connA, connB *websocket.Conn
		nodeA, nodeB string
		podToken     string
	)

	createPod := func(id, serviceID, nodeID string) {
		_, err := store.CreatePod(&core.Pod{
			ID:        id,
			ServiceID: serviceID,
			NodeID:    nodeID,
			Namespace: core.NamespaceUser,
			Status:    core.PodRunning,
		})
		Expect(err).ToNot(HaveOccurred())
	}

	// sendSignal writes one offer from connA and returns the error frame it
	// produced, if any.
	sendSignal := func(frame protocol.SignalPayload) {
		Expect(connA.WriteJSON(protocol.NewMessage(protocol.TypeSignalOffer, "c-1", frame))).To(Succeed())
	}

	readError := func(conn *websocket.Conn) protocol.ErrorPayload {
		var msg protocol.Message
		Expect(conn.ReadJSON(&msg)).To(Succeed())
		Expect(msg.Type).To(Equal(protocol.TypeError))
		var ep protocol.ErrorPayload
		Expect(json.Unmarshal(msg.Payload, &ep)).To(Succeed())
		return ep
	}

	BeforeEach(func() {
		connA, nodeA = connect("node-a")
		connB, nodeB = connect("node-b")

		_, err := store.CreateService(&core.Service{ID: "web", Name: "web", Namespace: core.NamespaceUser, Visibility: core.VisibilityPrivate})
		Expect(err).ToNot(HaveOccurred())
		_, err = store.CreateService(&core.Service{ID: "db", Name: "db", Namespace: core.NamespaceUser, Visibility: core.VisibilityPrivate, AllowedSources: []string{"web"}})
		Expect(err).ToNot(HaveOccurred())

		createPod("p-src", "web", nodeA)
		createPod("p-dst", "db", nodeB)

		podToken, _, err = tokens.MintPodToken("p-src", "web", core.NamespaceUser)
		Expect(err).ToNot(HaveOccurred())
	})

	It("should forward a verified offer to the target pod's node", func() {
		sendSignal(protocol.SignalPayload{
			FromPodID: "p-src",
			ToPodID:   "p-dst",
			Data:      json.RawMessage(`{"sdp":"offer"}`),
			PodToken:  podToken,
		})

		var forwarded protocol.Message
		Expect(connB.ReadJSON(&forwarded)).To(Succeed())
		Expect(forwarded.Type).To(Equal(protocol.TypeSignalOffer))
		var frame protocol.SignalPayload
		Expect(json.Unmarshal(forwarded.Payload, &frame)).To(Succeed())
		Expect(frame.FromPodID).To(Equal("p-src"))
		Expect(frame.ToPodID).To(Equal("p-dst"))
		Expect(frame.FromNodeID).To(Equal(nodeA))
	})

	It("should stamp the origin node even when the sender spoofs it", func() {
		sendSignal(protocol.SignalPayload{
			FromPodID:  "p-src",
			ToPodID:    "p-dst",
			FromNodeID: "node-forged",
			Data:       json.RawMessage(`{"sdp":"offer"}`),
			PodToken:   podToken,
		})

		var forwarded protocol.Message
		Expect(connB.ReadJSON(&forwarded)).To(Succeed())
		var frame protocol.SignalPayload
		Expect(json.Unmarshal(forwarded.Payload, &frame)).To(Succeed())
		Expect(frame.FromNodeID).To(Equal(nodeA))
	})

	It("should reject a frame whose token names a different pod", func() {
		otherToken, _, err := tokens.MintPodToken("p-other", "web", core.NamespaceUser)
		Expect(err).ToNot(HaveOccurred())

		sendSignal(protocol.SignalPayload{FromPodID: "p-src", ToPodID: "p-dst", PodToken: otherToken})
		Expect(readError(connA).Kind).To(Equal("Auth"))
	})

	It("should reject a garbage token", func() {
		sendSignal(protocol.SignalPayload{FromPodID: "p-src", ToPodID: "p-dst", PodToken: "garbage"})
		Expect(readError(connA).Kind).To(Equal("Auth"))
	})

	It("should reject a sender not hosted on the sending node", func() {
		createPod("p-stray", "web", nodeB)
		strayToken, _, err := tokens.MintPodToken("p-stray", "web", core.NamespaceUser)
		Expect(err).ToNot(HaveOccurred())

		sendSignal(protocol.SignalPayload{FromPodID: "p-stray", ToPodID: "p-dst", PodToken: strayToken})
		Expect(readError(connA).Kind).To(Equal("Auth"))
	})

	It("should not forward frames the policy denies", func() {
		_, err := store.CreateService(&core.Service{ID: "secret", Name: "secret", Namespace: core.NamespaceUser, Visibility: core.VisibilityPrivate})
		Expect(err).ToNot(HaveOccurred())
		createPod("p-sec", "secret", nodeB)

		sendSignal(protocol.SignalPayload{FromPodID: "p-src", ToPodID: "p-sec", PodToken: podToken})
		Expect(readError(connA).Kind).To(Equal("PolicyDenied"))
	})

	It("should reject frames to pods without a node", func() {
		createPod("p-limbo", "db", "")

		sendSignal(protocol.SignalPayload{FromPodID: "p-src", ToPodID: "p-limbo", PodToken: podToken})
		Expect(readError(connA).Kind).To(Equal("NotFound"))
	})

	It("should reject frames to unknown pods", func() {
		sendSignal(protocol.SignalPayload{FromPodID: "p-src", ToPodID: "missing", PodToken: podToken})
		Expect(readError(connA).Kind).To(Equal("NotFound"))
	})
})
