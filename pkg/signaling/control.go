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

package signaling

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/hub"
	"github.com/stark-run/stark/pkg/netpolicy"
	"github.com/stark-run/stark/pkg/protocol"
	"github.com/stark-run/stark/pkg/registry"
	"github.com/stark-run/stark/pkg/state"
)

// strategyLabel selects the target strategy per service.
const strategyLabel = "stark.target-strategy"

const defaultTargetTTL = time.Minute

// Control answers target selection and policy check requests from agents.
// Both are advisory: the agent caches targets and decisions, and every
// relayed signal is re-checked server side.
type Control struct {
	store    state.Store
	services *registry.ServiceRegistry
	policy   *netpolicy.Engine
}

func NewControl(store state.Store, services *registry.ServiceRegistry, policy *netpolicy.Engine) *Control {
	return &Control{store: store, services: services, policy: policy}
}

func (c *Control) Register(sessions *hub.Hub) {
	sessions.RegisterHandler(protocol.TypeSelectTarget, c.selectTarget)
	sessions.RegisterHandler(protocol.TypePolicyCheck, c.policyCheck)
}

func (c *Control) selectTarget(ctx context.Context, s *hub.Session, msg protocol.Message) (*protocol.Message, error) {
	var p protocol.SelectTargetPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding target selection")
	}
	svc, err := c.store.GetService(p.ServiceID)
	if err != nil {
		return nil, err
	}

	strategy := registry.StrategyStickyRandomFirst
	if v, ok := svc.Labels[strategyLabel]; ok {
		strategy = registry.Strategy(v)
	}
	if !p.Sticky && strategy == registry.StrategyStickyRandomFirst {
		strategy = registry.StrategyRandom
	}
	ep, err := c.services.SelectTarget(p.ServiceID, p.SourcePodID, strategy)
	if err != nil {
		return nil, err
	}

	ttl := defaultTargetTTL
	if v, ok := svc.Labels[core.TargetTTLLabel]; ok {
		if ms, perr := strconv.ParseInt(v, 10, 64); perr == nil && ms > 0 {
			ttl = time.Duration(ms) * time.Millisecond
		}
	}
	reply := protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, protocol.SelectTargetReply{
		PodID:     ep.PodID,
		NodeID:    ep.NodeID,
		TTLMillis: ttl.Milliseconds(),
	})
	return &reply, nil
}

func (c *Control) policyCheck(ctx context.Context, s *hub.Session, msg protocol.Message) (*protocol.Message, error) {
	var p protocol.PolicyCheckPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding policy check")
	}
	// policy is evaluated in the target's namespace, the same rule the
	// relay applies; the client-supplied namespace is only a fallback for
	// targets that no longer resolve
	ns := p.Namespace
	if tgt, err := c.store.GetService(p.TargetServiceID); err == nil {
		ns = tgt.Namespace
	}
	decision := c.policy.IsAllowed(p.SourceServiceID, p.TargetServiceID, ns, p.Ingress)
	reply := protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, protocol.PolicyCheckReply{
		Allowed: decision.Allowed,
		Reason:  decision.Reason,
	})
	return &reply, nil
}
