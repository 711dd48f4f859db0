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

// Package signaling relays WebRTC offer/answer/ICE frames between agents.
// The relay is stateless beyond session bookkeeping: no SDP is retained,
// every frame is re-verified.
package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/stark-run/stark/pkg/auth"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/hub"
	"github.com/stark-run/stark/pkg/metrics"
	"github.com/stark-run/stark/pkg/netpolicy"
	"github.com/stark-run/stark/pkg/protocol"
	"github.com/stark-run/stark/pkg/state"
)

// Per-pod signaling budget; ICE bursts during negotiation, then traffic
// should go quiet.
const (
	signalRate  = rate.Limit(20)
	signalBurst = 60
)

type Relay struct {
	log    logr.Logger
	hub    *hub.Hub
	store  state.Store
	policy *netpolicy.Engine
	tokens *auth.PodTokenIssuer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRelay(log logr.Logger, h *hub.Hub, store state.Store, policy *netpolicy.Engine, tokens *auth.PodTokenIssuer) *Relay {
	r := &Relay{
		log:      log.WithName("signaling"),
		hub:      h,
		store:    store,
		policy:   policy,
		tokens:   tokens,
		limiters: map[string]*rate.Limiter{},
	}
	for _, t := range []protocol.MessageType{protocol.TypeSignalOffer, protocol.TypeSignalAnswer, protocol.TypeSignalICE} {
		h.RegisterHandler(t, r.relay)
	}
	return r
}

func (r *Relay) limiter(podID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[podID]
	if !ok {
		l = rate.NewLimiter(signalRate, signalBurst)
		r.limiters[podID] = l
	}
	return l
}

// relay verifies one signaling frame and forwards it on the destination
// node's session. Verification: the pod token must name fromPodId, the
// target pod must be placed on a known node, and policy must allow the
// service pair. A denied frame is never forwarded.
func (r *Relay) relay(ctx context.Context, s *hub.Session, msg protocol.Message) (*protocol.Message, error) {
	var frame protocol.SignalPayload
	if err := json.Unmarshal(msg.Payload, &frame); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding signal frame")
	}

	claims, err := r.tokens.VerifyPodToken(frame.PodToken)
	if err != nil {
		return nil, err
	}
	if claims.PodID != frame.FromPodID {
		return nil, errors.New(errors.KindAuth, "pod token subject %q does not match fromPodId %q", claims.PodID, frame.FromPodID)
	}
	if !r.limiter(frame.FromPodID).Allow() {
		return nil, errors.New(errors.KindResourceExhausted, "signaling rate exceeded for pod %q", frame.FromPodID)
	}

	fromPod, err := r.store.GetPod(frame.FromPodID)
	if err != nil {
		return nil, err
	}
	toPod, err := r.store.GetPod(frame.ToPodID)
	if err != nil {
		return nil, err
	}
	if toPod.NodeID == "" {
		return nil, errors.New(errors.KindNotFound, "pod %q is not assigned to a node", toPod.ID)
	}
	if fromPod.NodeID != s.NodeID {
		return nil, errors.New(errors.KindAuth, "pod %q is not hosted on node %q", fromPod.ID, s.NodeID)
	}

	if d := r.policy.IsAllowed(fromPod.ServiceID, toPod.ServiceID, toPod.Namespace, false); !d.Allowed {
		r.log.V(1).Info("signal denied by policy", "from", fromPod.ServiceID, "to", toPod.ServiceID, "reason", d.Reason)
		return nil, errors.PolicyDenied(fromPod.ServiceID, toPod.ServiceID)
	}

	// the receiving agent keys its peer table by node, so the relay
	// stamps the sender's node from its own records
	frame.FromNodeID = fromPod.NodeID
	if err := r.hub.Send(toPod.NodeID, protocol.NewMessage(msg.Type, "", frame)); err != nil {
		return nil, err
	}
	metrics.SignalsRelayed.WithLabelValues(string(msg.Type)).Inc()
	return nil, nil
}
