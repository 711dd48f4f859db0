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

// Package lifecycle drives individual pods through their state machine.
// The controller is the only writer of Pod.Status; every transition
// produces exactly one history entry, and illegal transitions are rejected
// and logged.
package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/auth"
	"github.com/stark-run/stark/pkg/controllers/scheduling"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/hub"
	"github.com/stark-run/stark/pkg/metrics"
	"github.com/stark-run/stark/pkg/protocol"
	"github.com/stark-run/stark/pkg/registry"
	"github.com/stark-run/stark/pkg/state"
)

const DefaultGracePeriod = 10 * time.Second

// AgentCommander abstracts the session hub for tests.
type AgentCommander interface {
	Request(ctx context.Context, nodeID string, msg protocol.Message) (protocol.Message, error)
	Send(nodeID string, msg protocol.Message) error
}

type Controller struct {
	log       logr.Logger
	store     state.Store
	commander AgentCommander
	services  *registry.ServiceRegistry
	tokens    *auth.PodTokenIssuer
	clock     clock.Clock

	gracePeriod time.Duration
}

var _ scheduling.PodDriver = (*Controller)(nil)

func NewController(log logr.Logger, store state.Store, commander AgentCommander, services *registry.ServiceRegistry, tokens *auth.PodTokenIssuer, clk clock.Clock) *Controller {
	return &Controller{
		log:         log.WithName("lifecycle"),
		store:       store,
		commander:   commander,
		services:    services,
		tokens:      tokens,
		clock:       clk,
		gracePeriod: DefaultGracePeriod,
	}
}

// RegisterHandlers wires the controller into the session hub.
func (c *Controller) RegisterHandlers(h *hub.Hub) {
	h.RegisterHandler(protocol.TypePodStatus, c.handlePodStatus)
	h.RegisterHandler(protocol.TypeTokenRefresh, c.handleTokenRefresh)
}

// transition applies one state machine edge, mutates the pod under the
// store's optimistic lock, and records history. The returned pod reflects
// the committed write.
func (c *Controller) transition(podID string, to core.PodStatus, action core.HistoryAction, reason, message string, mutate func(*core.Pod)) (*core.Pod, error) {
	for attempt := 0; ; attempt++ {
		pod, err := c.store.GetPod(podID)
		if err != nil {
			return nil, err
		}
		if !core.LegalTransition(pod.Status, to) {
			c.log.V(1).Info("illegal transition rejected", "pod", podID, "from", pod.Status, "to", to)
			return nil, errors.New(errors.KindInvalid, "illegal transition %s -> %s for pod %q", pod.Status, to, podID)
		}
		prev := *pod
		pod.Status = to
		pod.StatusMessage = message
		if mutate != nil {
			mutate(pod)
		}
		committed, err := c.store.UpdatePod(pod)
		if errors.IsConflict(err) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, err
		}
		c.store.AppendHistory(core.PodHistoryEntry{
			PodID:          podID,
			Action:         action,
			PreviousStatus: prev.Status,
			NewStatus:      to,
			PreviousNodeID: prev.NodeID,
			NewNodeID:      committed.NodeID,
			Reason:         reason,
			Message:        message,
			Timestamp:      core.Millis(c.clock.Now()),
		})
		metrics.PodTransitions.WithLabelValues(string(prev.Status), string(to)).Inc()
		c.updateEndpoints(committed, prev.Status)
		return committed, nil
	}
}

func (c *Controller) updateEndpoints(pod *core.Pod, prev core.PodStatus) {
	if pod.ServiceID == "" {
		return
	}
	switch {
	case pod.Status == core.PodScheduled:
		c.services.AddPodEndpoint(pod.ServiceID, registry.Endpoint{PodID: pod.ID, NodeID: pod.NodeID, Status: pod.Status})
	case pod.Status.Terminal():
		c.services.RemovePodEndpoint(pod.ServiceID, pod.ID)
	case prev != pod.Status:
		c.services.StatusChanged(pod.ServiceID, pod.ID, pod.Status)
	}
}

// Create persists a new pending pod.
func (c *Controller) Create(pod *core.Pod) (*core.Pod, error) {
	pod.Status = core.PodPending
	created, err := c.store.CreatePod(pod)
	if err != nil {
		return nil, err
	}
	c.store.AppendHistory(core.PodHistoryEntry{
		PodID:     created.ID,
		Action:    core.ActionCreated,
		NewStatus: core.PodPending,
		Reason:    "Created",
		Timestamp: core.Millis(c.clock.Now()),
	})
	return created, nil
}

// Schedule binds a pending pod to a node and dispatches the deploy
// command asynchronously.
func (c *Controller) Schedule(podID, nodeID string) error {
	pod, err := c.transition(podID, core.PodScheduled, core.ActionScheduled, "Scheduled", "", func(p *core.Pod) {
		p.NodeID = nodeID
	})
	if err != nil {
		return err
	}
	go c.deploy(pod)
	return nil
}

// deploy ships the bundle to the agent and settles the pod on the reply.
func (c *Controller) deploy(pod *core.Pod) {
	pod, err := c.transition(pod.ID, core.PodStarting, core.ActionStarted, "Deploying", "", nil)
	if err != nil {
		return
	}
	pack, err := c.store.GetPack(pod.PackID)
	if err != nil {
		_, _ = c.transition(pod.ID, core.PodFailed, core.ActionFailed, "PackMissing", err.Error(), nil)
		return
	}
	token, refresh, err := c.tokens.MintPodToken(pod.ID, pod.ServiceID, pod.Namespace)
	if err != nil {
		_, _ = c.transition(pod.ID, core.PodFailed, core.ActionFailed, "TokenMint", err.Error(), nil)
		return
	}
	msg := protocol.NewMessage(protocol.TypePodDeploy, "", protocol.PodDeployPayload{
		Pod:          pod,
		Pack:         pack,
		Capabilities: pack.GrantedCapabilities,
		PodToken:     token,
		RefreshToken: refresh,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := c.commander.Request(ctx, pod.NodeID, msg); err != nil {
		_, _ = c.transition(pod.ID, core.PodFailed, core.ActionFailed, "DeployFailed", err.Error(), nil)
		return
	}
	// the agent confirms startup via pod:status running; the ack only
	// means the bundle was accepted
}

// Stop gracefully stops a running pod; pods that never reached running
// are evicted instead. A rollout stop additionally records the version
// change.
func (c *Controller) Stop(podID, reason string, rollout *scheduling.RolloutInfo) error {
	pod, err := c.store.GetPod(podID)
	if err != nil {
		return err
	}
	if pod.Status != core.PodRunning {
		return c.Evict(podID, reason)
	}
	pod, err = c.transition(podID, core.PodStopping, core.ActionStopped, reason, "", nil)
	if err != nil {
		return err
	}
	if rollout != nil {
		c.store.AppendHistory(core.PodHistoryEntry{
			PodID:           podID,
			Action:          core.ActionVersionChanged,
			PreviousStatus:  core.PodRunning,
			NewStatus:       core.PodStopping,
			PreviousVersion: rollout.PreviousVersion,
			NewVersion:      rollout.NewVersion,
			Reason:          reason,
			Timestamp:       core.Millis(c.clock.Now()),
		})
	}
	go c.stopOnAgent(pod, reason)
	return nil
}

func (c *Controller) stopOnAgent(pod *core.Pod, reason string) {
	msg := protocol.NewMessage(protocol.TypePodStop, "", protocol.PodStopPayload{
		PodID:         pod.ID,
		Reason:        reason,
		GracePeriodMS: c.gracePeriod.Milliseconds(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), c.gracePeriod+30*time.Second)
	defer cancel()
	if _, err := c.commander.Request(ctx, pod.NodeID, msg); err != nil {
		// the agent is gone; settle the record so replicas recover
		_, _ = c.transition(pod.ID, core.PodStopped, core.ActionStopped, reason, "agent unreachable during stop", nil)
		return
	}
	// the agent reports pod:status stopped when shutdown completes
}

// Evict terminates a pod from any non-terminal state.
func (c *Controller) Evict(podID, reason string) error {
	pod, err := c.transition(podID, core.PodEvicted, core.ActionEvicted, reason, "", nil)
	if err != nil {
		return err
	}
	if pod.NodeID != "" {
		_ = c.commander.Send(pod.NodeID, protocol.NewMessage(protocol.TypePodStop, "", protocol.PodStopPayload{
			PodID:         pod.ID,
			Reason:        reason,
			GracePeriodMS: c.gracePeriod.Milliseconds(),
		}))
	}
	return nil
}

// FailPodsOnNode fails every non-terminal pod bound to the node, used when
// a node is lost. The scheduler observes the terminal transitions and
// creates replacements elsewhere.
func (c *Controller) FailPodsOnNode(nodeID, reason string) {
	for _, pod := range c.store.ListPods() {
		if pod.NodeID != nodeID || pod.Status.Terminal() || pod.Status == core.PodPending {
			continue
		}
		if _, err := c.transition(pod.ID, core.PodFailed, core.ActionFailed, reason, "node lost", nil); err != nil {
			c.log.V(1).Info("failing pod on lost node", "pod", pod.ID, "error", err.Error())
		}
	}
}

// ReconcileHeartbeat folds per-pod liveness from an agent heartbeat into
// the state machine, catching crashes that never produced an explicit
// status message.
func (c *Controller) ReconcileHeartbeat(nodeID string, statuses []protocol.PodRuntimeStatus) {
	reported := map[string]protocol.PodRuntimeStatus{}
	for _, st := range statuses {
		reported[st.PodID] = st
	}
	for _, pod := range c.store.ListPods() {
		if pod.NodeID != nodeID || pod.Status != core.PodRunning {
			continue
		}
		st, ok := reported[pod.ID]
		if !ok {
			_, _ = c.transition(pod.ID, core.PodFailed, core.ActionFailed, "PodMissing", "pod absent from agent heartbeat", nil)
			continue
		}
		if st.Status == core.PodFailed {
			_, _ = c.transition(pod.ID, core.PodFailed, core.ActionFailed, "PodCrashed", st.Message, func(p *core.Pod) {
				p.ConsecutiveFailures++
			})
		}
	}
}

func (c *Controller) handlePodStatus(ctx context.Context, s *hub.Session, msg protocol.Message) (*protocol.Message, error) {
	var payload protocol.PodStatusPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding pod status")
	}
	pod, err := c.store.GetPod(payload.PodID)
	if err != nil {
		return nil, err
	}
	if pod.NodeID != s.NodeID {
		return nil, errors.New(errors.KindAuth, "pod %q is not hosted on node %q", payload.PodID, s.NodeID)
	}
	switch payload.Status {
	case core.PodRunning:
		_, err = c.transition(payload.PodID, core.PodRunning, core.ActionStarted, "Started", payload.Message, nil)
	case core.PodStopped:
		_, err = c.transition(payload.PodID, core.PodStopped, core.ActionStopped, "Stopped", payload.Message, nil)
	case core.PodFailed:
		_, err = c.transition(payload.PodID, core.PodFailed, core.ActionFailed, "PodFailed", payload.Message, func(p *core.Pod) {
			p.ConsecutiveFailures++
		})
	default:
		return nil, errors.New(errors.KindInvalid, "unexpected pod status %q from agent", payload.Status)
	}
	if err != nil {
		return nil, err
	}
	ack := protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, nil)
	return &ack, nil
}

func (c *Controller) handleTokenRefresh(ctx context.Context, s *hub.Session, msg protocol.Message) (*protocol.Message, error) {
	var payload protocol.TokenRefreshPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding token refresh")
	}
	token, refresh, err := c.tokens.Exchange(payload.RefreshToken)
	if err != nil {
		return nil, err
	}
	reply := protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, protocol.TokenRefreshReply{
		PodToken:     token,
		RefreshToken: refresh,
	})
	return &reply, nil
}
