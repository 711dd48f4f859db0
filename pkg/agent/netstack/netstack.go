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

// Package netstack is the agent-side overlay: it resolves virtual
// service URLs to pod targets, opens peer data channels through the
// orchestrator's signaling relay, and frames request/response envelopes
// over them. Policy is checked before traffic leaves the node and
// re-enforced server side on every signaling frame.
package netstack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/protocol"
)

const (
	// DefaultEnvelopeTimeout bounds one overlay request end to end.
	DefaultEnvelopeTimeout = 30 * time.Second

	policyCacheTTL = 30 * time.Second
)

// frame kinds multiplexed on one data channel.
const (
	frameRequest       = "req"
	frameResponse      = "res"
	frameGroupQuery    = "gq"
	frameGroupResponse = "gqr"
)

type channelFrame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func encodeFrame(kind string, payload interface{}) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	out, err := json.Marshal(channelFrame{Kind: kind, Payload: raw})
	if err != nil {
		panic(err)
	}
	return out
}

// Control is the slice of the session client the netstack needs.
type Control interface {
	Request(ctx context.Context, msg protocol.Message) (protocol.Message, error)
	Send(msg protocol.Message)
}

// LocalPod is a pod hosted on this node, as the netstack sees it.
type LocalPod struct {
	PodID        string
	ServiceID    string
	Namespace    core.Namespace
	Token        string
	RefreshToken string
	// Port is the loopback port the pod process serves on; inbound
	// envelopes are forwarded there.
	Port int
}

// Netstack serves overlay traffic for every pod on the node.
type Netstack struct {
	log     logr.Logger
	control Control
	targets *TargetCache
	policy  *cache.Cache
	clock   clock.Clock
	client  *http.Client

	peers *PeerManager

	mu      sync.RWMutex
	nodeID  string
	pods    map[string]*LocalPod
	pending map[string]chan protocol.ResponseEnvelope
	queries map[string]chan protocol.GroupQueryResponse
}

func NewNetstack(log logr.Logger, control Control, clk clock.Clock) *Netstack {
	n := &Netstack{
		log:     log.WithName("netstack"),
		control: control,
		targets: NewTargetCache(),
		policy:  cache.New(policyCacheTTL, policyCacheTTL),
		clock:   clk,
		client:  &http.Client{Timeout: DefaultEnvelopeTimeout},
		pods:    map[string]*LocalPod{},
		pending: map[string]chan protocol.ResponseEnvelope{},
		queries: map[string]chan protocol.GroupQueryResponse{},
	}
	n.peers = NewPeerManager(log, control, n.tokenFor, n.handleFrame, clk)
	return n
}

// SetNodeID records the node id the orchestrator assigned at session
// establishment. Peer links cannot resolve signaling glare without it.
func (n *Netstack) SetNodeID(nodeID string) {
	n.mu.Lock()
	n.nodeID = nodeID
	n.mu.Unlock()
	n.peers.SetLocalNode(nodeID)
}

// Peers reports the current node links and the remote pods reached over
// each.
func (n *Netstack) Peers() []PeerInfo {
	return n.peers.Peers()
}

func (n *Netstack) tokenFor(podID string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.pods[podID]
	if !ok {
		return "", false
	}
	return p.Token, true
}

// PodToken exposes the current token for a hosted pod; the proxy uses
// it to authenticate isolate connections.
func (n *Netstack) PodToken(podID string) (string, bool) {
	return n.tokenFor(podID)
}

// RegisterPod makes a newly deployed pod addressable.
func (n *Netstack) RegisterPod(p LocalPod) {
	n.mu.Lock()
	n.pods[p.PodID] = &p
	n.mu.Unlock()
}

// UnregisterPod tears the pod out of the overlay.
func (n *Netstack) UnregisterPod(podID string) {
	n.mu.Lock()
	delete(n.pods, podID)
	n.mu.Unlock()
	n.peers.dropPod(podID)
	n.targets.DropPod(podID)
}

// HandleSignal feeds a relayed signaling frame into the peer manager.
func (n *Netstack) HandleSignal(t protocol.MessageType, payload protocol.SignalPayload) error {
	n.mu.RLock()
	_, hosted := n.pods[payload.ToPodID]
	n.mu.RUnlock()
	if !hosted {
		return errors.NotFound("pod", payload.ToPodID)
	}
	return n.peers.HandleSignal(t, payload)
}

// allowed consults the policy engine through the session, caching both
// outcomes briefly. The orchestrator resolves the namespace from the
// target service, so the verdict matches what the relay will enforce.
func (n *Netstack) allowed(ctx context.Context, src *LocalPod, targetServiceID string) error {
	key := fmt.Sprintf("%s|%s", src.ServiceID, targetServiceID)
	if v, ok := n.policy.Get(key); ok {
		reply := v.(protocol.PolicyCheckReply)
		if !reply.Allowed {
			return errors.PolicyDenied(src.ServiceID, targetServiceID)
		}
		return nil
	}
	resp, err := n.control.Request(ctx, protocol.NewMessage(protocol.TypePolicyCheck, "", protocol.PolicyCheckPayload{
		SourceServiceID: src.ServiceID,
		TargetServiceID: targetServiceID,
	}))
	if err != nil {
		return err
	}
	var reply protocol.PolicyCheckReply
	if err := json.Unmarshal(resp.Payload, &reply); err != nil {
		return errors.Wrap(errors.KindInvalid, err, "decoding policy reply")
	}
	n.policy.SetDefault(key, reply)
	if !reply.Allowed {
		return errors.PolicyDenied(src.ServiceID, targetServiceID)
	}
	return nil
}

// resolve picks a target pod for the service, consulting the local cache
// before the orchestrator.
func (n *Netstack) resolve(ctx context.Context, sourcePodID, serviceID string) (protocol.SelectTargetReply, error) {
	if target, ok := n.targets.Get(sourcePodID, serviceID); ok {
		return target, nil
	}
	resp, err := n.control.Request(ctx, protocol.NewMessage(protocol.TypeSelectTarget, "", protocol.SelectTargetPayload{
		ServiceID:   serviceID,
		SourcePodID: sourcePodID,
		Sticky:      true,
	}))
	if err != nil {
		return protocol.SelectTargetReply{}, err
	}
	var target protocol.SelectTargetReply
	if err := json.Unmarshal(resp.Payload, &target); err != nil {
		return protocol.SelectTargetReply{}, errors.Wrap(errors.KindInvalid, err, "decoding target reply")
	}
	n.targets.Put(sourcePodID, serviceID, target)
	return target, nil
}

// Fetch performs one overlay request from a local pod to a virtual URL.
func (n *Netstack) Fetch(ctx context.Context, sourcePodID, method, rawURL string, headers map[string][]string, body []byte) (*protocol.ResponseEnvelope, error) {
	addr, err := protocol.ParseVirtualURL(rawURL)
	if err != nil {
		return nil, err
	}
	n.mu.RLock()
	src, ok := n.pods[sourcePodID]
	n.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("pod", sourcePodID)
	}
	if err := n.allowed(ctx, src, addr.ServiceID); err != nil {
		return nil, err
	}
	target, err := n.resolve(ctx, sourcePodID, addr.ServiceID)
	if err != nil {
		return nil, err
	}

	link, err := n.peers.open(ctx, sourcePodID, target.PodID, target.NodeID)
	if err != nil {
		n.targets.Drop(sourcePodID, addr.ServiceID)
		return nil, err
	}

	deadline := n.clock.Now().Add(DefaultEnvelopeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	env := protocol.RequestEnvelope{
		EnvelopeID:  uuid.NewString(),
		SourcePodID: sourcePodID,
		TargetPodID: target.PodID,
		Method:      method,
		Path:        addr.Path,
		Headers:     headers,
		Body:        body,
		Deadline:    core.Millis(deadline),
	}

	ch := make(chan protocol.ResponseEnvelope, 1)
	n.mu.Lock()
	n.pending[env.EnvelopeID] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, env.EnvelopeID)
		n.mu.Unlock()
	}()

	if err := link.send(encodeFrame(frameRequest, env)); err != nil {
		n.targets.Drop(sourcePodID, addr.ServiceID)
		return nil, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(errors.KindCancelled, ctx.Err(), "awaiting overlay response")
	case <-timer.C:
		n.targets.Drop(sourcePodID, addr.ServiceID)
		return nil, errors.New(errors.KindTimeout, "no response from %s within deadline", addr.ServiceID)
	case resp := <-ch:
		return &resp, nil
	}
}

// QueryPod sends one ephemeral group query to a member pod on the given
// node and returns its response. Callers fan out and aggregate.
func (n *Netstack) QueryPod(ctx context.Context, nodeID string, q protocol.GroupQueryEnvelope) (*protocol.GroupQueryResponse, error) {
	link, err := n.peers.open(ctx, q.SourcePodID, q.TargetPodID, nodeID)
	if err != nil {
		return nil, err
	}
	ch := make(chan protocol.GroupQueryResponse, 1)
	n.mu.Lock()
	n.queries[q.QueryID+"|"+q.TargetPodID] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.queries, q.QueryID+"|"+q.TargetPodID)
		n.mu.Unlock()
	}()

	if err := link.send(encodeFrame(frameGroupQuery, q)); err != nil {
		return nil, err
	}
	timer := time.NewTimer(time.Until(core.FromMillis(q.Deadline)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(errors.KindCancelled, ctx.Err(), "awaiting group query response")
	case <-timer.C:
		return nil, errors.New(errors.KindTimeout, "pod %s did not answer group query", q.TargetPodID)
	case resp := <-ch:
		return &resp, nil
	}
}

// handleFrame routes one inbound data channel frame. Requests and group
// queries carry their target pod; responses are matched to a waiter by
// envelope or query id.
func (n *Netstack) handleFrame(remoteNodeID string, data []byte) {
	var f channelFrame
	if err := json.Unmarshal(data, &f); err != nil {
		n.log.V(1).Info("dropping malformed frame", "node", remoteNodeID, "error", err.Error())
		return
	}
	switch f.Kind {
	case frameRequest:
		var env protocol.RequestEnvelope
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			return
		}
		go n.serveRequest(remoteNodeID, env)
	case frameResponse:
		var env protocol.ResponseEnvelope
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			return
		}
		n.mu.RLock()
		ch, ok := n.pending[env.EnvelopeID]
		n.mu.RUnlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
		}
	case frameGroupQuery:
		var q protocol.GroupQueryEnvelope
		if err := json.Unmarshal(f.Payload, &q); err != nil {
			return
		}
		go n.serveGroupQuery(remoteNodeID, q)
	case frameGroupResponse:
		var resp protocol.GroupQueryResponse
		if err := json.Unmarshal(f.Payload, &resp); err != nil {
			return
		}
		n.mu.RLock()
		ch, ok := n.queries[resp.QueryID+"|"+resp.PodID]
		n.mu.RUnlock()
		if ok {
			select {
			case ch <- resp:
			default:
			}
		}
	}
}

// serveRequest forwards an inbound envelope to its target pod's process
// and sends the response back on the link it arrived on.
func (n *Netstack) serveRequest(remoteNodeID string, env protocol.RequestEnvelope) {
	resp := n.roundTrip(env.TargetPodID, env)
	if err := n.peers.sendTo(remoteNodeID, encodeFrame(frameResponse, resp)); err != nil {
		n.log.V(1).Info("sending overlay response", "pod", env.TargetPodID, "node", remoteNodeID, "error", err.Error())
	}
}

func (n *Netstack) roundTrip(localPodID string, env protocol.RequestEnvelope) protocol.ResponseEnvelope {
	out := protocol.ResponseEnvelope{EnvelopeID: env.EnvelopeID}
	n.mu.RLock()
	pod, ok := n.pods[localPodID]
	n.mu.RUnlock()
	if !ok || pod.Port == 0 {
		out.Status = http.StatusBadGateway
		return out
	}
	if env.Deadline > 0 && n.clock.Now().After(core.FromMillis(env.Deadline)) {
		out.Status = http.StatusGatewayTimeout
		return out
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", pod.Port, env.Path)
	req, err := http.NewRequest(env.Method, url, bytes.NewReader(env.Body))
	if err != nil {
		out.Status = http.StatusBadGateway
		return out
	}
	req.Header = http.Header(env.Headers)
	resp, err := n.client.Do(req)
	if err != nil {
		out.Status = http.StatusBadGateway
		return out
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	out.Status = resp.StatusCode
	out.Headers = resp.Header
	out.Body = body
	return out
}

func (n *Netstack) serveGroupQuery(remoteNodeID string, q protocol.GroupQueryEnvelope) {
	env := protocol.RequestEnvelope{
		EnvelopeID:  q.QueryID,
		SourcePodID: q.SourcePodID,
		TargetPodID: q.TargetPodID,
		Method:      http.MethodGet,
		Path:        q.Path,
		Deadline:    q.Deadline,
	}
	httpResp := n.roundTrip(q.TargetPodID, env)
	resp := protocol.GroupQueryResponse{
		QueryID: q.QueryID,
		PodID:   q.TargetPodID,
		Status:  httpResp.Status,
		Body:    httpResp.Body,
	}
	_ = n.peers.sendTo(remoteNodeID, encodeFrame(frameGroupResponse, resp))
}

// RefreshTokens exchanges every local pod's refresh token for a fresh
// pair; stale pod tokens would fail server-side signal verification.
func (n *Netstack) RefreshTokens(ctx context.Context) {
	n.mu.RLock()
	pods := make([]*LocalPod, 0, len(n.pods))
	for _, p := range n.pods {
		pods = append(pods, p)
	}
	n.mu.RUnlock()

	for _, pod := range pods {
		resp, err := n.control.Request(ctx, protocol.NewMessage(protocol.TypeTokenRefresh, "", protocol.TokenRefreshPayload{
			PodID:        pod.PodID,
			RefreshToken: pod.RefreshToken,
		}))
		if err != nil {
			n.log.V(1).Info("refreshing pod token", "pod", pod.PodID, "error", err.Error())
			continue
		}
		var reply protocol.TokenRefreshReply
		if err := json.Unmarshal(resp.Payload, &reply); err != nil {
			continue
		}
		n.mu.Lock()
		if p, ok := n.pods[pod.PodID]; ok {
			p.Token = reply.PodToken
			p.RefreshToken = reply.RefreshToken
		}
		n.mu.Unlock()
	}
}

// RunTokenRefresh refreshes tokens on an interval until ctx is done.
func (n *Netstack) RunTokenRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.RefreshTokens(ctx)
		}
	}
}
