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

package podgroup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/hub"
	"github.com/stark-run/stark/pkg/metrics"
	"github.com/stark-run/stark/pkg/protocol"
	"github.com/stark-run/stark/pkg/state"
)

// Handlers serves group membership messages from agent sessions. Every
// operation is checked against the store so an agent can only act for
// pods it actually hosts.
type Handlers struct {
	groups     *Store
	store      state.Store
	defaultTTL time.Duration
}

func NewHandlers(groups *Store, store state.Store, defaultTTL time.Duration) *Handlers {
	return &Handlers{groups: groups, store: store, defaultTTL: defaultTTL}
}

func (h *Handlers) Register(sessions *hub.Hub) {
	sessions.RegisterHandler(protocol.TypePodGroupJoin, h.join)
	sessions.RegisterHandler(protocol.TypePodGroupLeave, h.leave)
	sessions.RegisterHandler(protocol.TypePodGroupRefresh, h.refresh)
	sessions.RegisterHandler(protocol.TypePodGroupMembers, h.members)
}

func (h *Handlers) hosted(s *hub.Session, podID string) (*core.Pod, error) {
	pod, err := h.store.GetPod(podID)
	if err != nil {
		return nil, err
	}
	if pod.NodeID != s.NodeID {
		return nil, errors.New(errors.KindAuth, "pod %q is not hosted on node %q", podID, s.NodeID)
	}
	return pod, nil
}

func (h *Handlers) join(ctx context.Context, s *hub.Session, msg protocol.Message) (*protocol.Message, error) {
	var p protocol.PodGroupJoinPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding group join")
	}
	pod, err := h.hosted(s, p.PodID)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(p.TTLMillis) * time.Millisecond
	if ttl <= 0 {
		ttl = h.defaultTTL
	}
	if _, err := h.groups.Join(p.GroupID, p.PodID, pod.NodeID, ttl, p.Metadata); err != nil {
		return nil, err
	}
	members := h.groups.List(p.GroupID)
	metrics.PodGroupMembers.WithLabelValues(p.GroupID).Set(float64(len(members)))
	reply := protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, protocol.PodGroupMembersPayload{
		GroupID: p.GroupID,
		Members: members,
	})
	return &reply, nil
}

func (h *Handlers) leave(ctx context.Context, s *hub.Session, msg protocol.Message) (*protocol.Message, error) {
	var p protocol.PodGroupLeavePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding group leave")
	}
	if _, err := h.hosted(s, p.PodID); err != nil {
		return nil, err
	}
	if err := h.groups.Leave(p.GroupID, p.PodID); err != nil {
		return nil, err
	}
	metrics.PodGroupMembers.WithLabelValues(p.GroupID).Set(float64(len(h.groups.List(p.GroupID))))
	reply := protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, nil)
	return &reply, nil
}

func (h *Handlers) refresh(ctx context.Context, s *hub.Session, msg protocol.Message) (*protocol.Message, error) {
	var p protocol.PodGroupLeavePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding group refresh")
	}
	if _, err := h.hosted(s, p.PodID); err != nil {
		return nil, err
	}
	membership, err := h.groups.Refresh(p.GroupID, p.PodID)
	if err != nil {
		return nil, err
	}
	reply := protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, membership)
	return &reply, nil
}

func (h *Handlers) members(ctx context.Context, s *hub.Session, msg protocol.Message) (*protocol.Message, error) {
	var p protocol.PodGroupLeavePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding group members request")
	}
	if _, err := h.hosted(s, p.PodID); err != nil {
		return nil, err
	}
	reply := protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, protocol.PodGroupMembersPayload{
		GroupID: p.GroupID,
		Members: h.groups.List(p.GroupID),
	})
	return &reply, nil
}
