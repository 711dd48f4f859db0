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

// Package protocol defines the agent/orchestrator wire protocol and the
// request envelopes that travel over peer data channels. Everything is
// framed JSON; per-session ordering comes from the transport.
package protocol

import (
	"encoding/json"

	"github.com/stark-run/stark/pkg/apis/core"
)

type MessageType string

const (
	// agent -> orchestrator
	TypeAuth         MessageType = "auth"
	TypeRegister     MessageType = "register"
	TypeHeartbeat    MessageType = "heartbeat"
	TypePodStatus    MessageType = "pod:status"
	TypeTokenRefresh MessageType = "token:refresh"

	// orchestrator -> agent
	TypePodDeploy MessageType = "pod:deploy"
	TypePodStop   MessageType = "pod:stop"

	// bidirectional
	TypeSignalOffer  MessageType = "signal:offer"
	TypeSignalAnswer MessageType = "signal:answer"
	TypeSignalICE    MessageType = "signal:ice"

	TypePodGroupJoin    MessageType = "podgroup:join"
	TypePodGroupLeave   MessageType = "podgroup:leave"
	TypePodGroupRefresh MessageType = "podgroup:refresh"
	TypePodGroupMembers MessageType = "podgroup:members"

	TypeSelectTarget MessageType = "target:select"
	TypePolicyCheck  MessageType = "policy:check"

	TypeAck   MessageType = "ack"
	TypeError MessageType = "error"
)

// Message is the framed unit on a session. CorrelationID pairs a request
// with its reply; fire-and-forget messages leave it empty.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into a framed message. Marshal errors are
// programming errors (all payload types are plain structs) and panic.
func NewMessage(t MessageType, correlationID string, payload interface{}) Message {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return Message{Type: t, CorrelationID: correlationID, Payload: raw}
}

type AuthPayload struct {
	Token string `json:"token"`
}

type RegisterPayload struct {
	NodeName     string            `json:"nodeName"`
	RuntimeType  core.RuntimeType  `json:"runtimeType"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Allocatable  core.Resources    `json:"allocatable"`
	Labels       map[string]string `json:"labels,omitempty"`
	Taints       []core.Taint      `json:"taints,omitempty"`
}

type RegisterAck struct {
	NodeID string `json:"nodeId"`
}

// PodRuntimeStatus is the per-pod liveness the agent reports in each
// heartbeat, letting the controller detect crashes without an explicit
// transition message.
type PodRuntimeStatus struct {
	PodID   string         `json:"podId"`
	Status  core.PodStatus `json:"status"`
	Message string         `json:"message,omitempty"`
}

type HeartbeatPayload struct {
	UsedResources core.Resources     `json:"usedResources"`
	PodStatuses   []PodRuntimeStatus `json:"podStatuses,omitempty"`
}

type PodDeployPayload struct {
	Pod          *core.Pod  `json:"pod"`
	Pack         *core.Pack `json:"pack"`
	Capabilities []string   `json:"capabilities,omitempty"`
	PodToken     string     `json:"podToken"`
	RefreshToken string     `json:"refreshToken"`
}

type PodStopPayload struct {
	PodID         string `json:"podId"`
	Reason        string `json:"reason"`
	GracePeriodMS int64  `json:"gracePeriod"`
}

type PodStatusPayload struct {
	PodID   string         `json:"podId"`
	Status  core.PodStatus `json:"status"`
	Message string         `json:"message,omitempty"`
}

// SignalPayload carries one SDP offer/answer or ICE candidate between two
// pods. Data is opaque to the orchestrator. FromNodeID is stamped by the
// relay from its own pod records; agents never set it.
type SignalPayload struct {
	FromPodID  string          `json:"fromPodId"`
	ToPodID    string          `json:"toPodId"`
	FromNodeID string          `json:"fromNodeId,omitempty"`
	Data       json.RawMessage `json:"data"`
	PodToken   string          `json:"signature"`
}

type PodGroupJoinPayload struct {
	GroupID   string            `json:"groupId"`
	PodID     string            `json:"podId"`
	TTLMillis int64             `json:"ttl"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type PodGroupLeavePayload struct {
	GroupID string `json:"groupId"`
	PodID   string `json:"podId"`
}

type PodGroupMembersPayload struct {
	GroupID string                    `json:"groupId"`
	Members []core.PodGroupMembership `json:"members"`
}

type SelectTargetPayload struct {
	ServiceID   string `json:"serviceId"`
	SourcePodID string `json:"sourcePodId"`
	Sticky      bool   `json:"sticky"`
}

type SelectTargetReply struct {
	PodID     string `json:"podId"`
	NodeID    string `json:"nodeId"`
	TTLMillis int64  `json:"ttl"`
}

type PolicyCheckPayload struct {
	SourceServiceID string         `json:"sourceServiceId"`
	TargetServiceID string         `json:"targetServiceId"`
	Namespace       core.Namespace `json:"namespace"`
	Ingress         bool           `json:"ingress"`
}

type PolicyCheckReply struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

type TokenRefreshPayload struct {
	PodID        string `json:"podId"`
	RefreshToken string `json:"refreshToken"`
}

type TokenRefreshReply struct {
	PodToken     string `json:"podToken"`
	RefreshToken string `json:"refreshToken"`
}

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
