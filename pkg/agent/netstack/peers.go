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

package netstack

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/pion/webrtc/v4"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/protocol"
)

const (
	dataChannelLabel = "envelope"

	// DefaultConnectTimeout bounds ICE negotiation for one node link.
	DefaultConnectTimeout = 10 * time.Second
)

// Signaler forwards signaling frames to the orchestrator relay.
type Signaler interface {
	Send(msg protocol.Message)
}

// TokenSource returns the current pod token for a locally hosted pod.
type TokenSource func(podID string) (string, bool)

// FrameFunc receives every envelope frame arriving on a peer channel,
// tagged with the node it came from.
type FrameFunc func(remoteNodeID string, data []byte)

// PeerInfo is a point-in-time view of one node link.
type PeerInfo struct {
	RemoteNodeID string
	RemotePodIDs []string
	State        core.PeerState
	LastActivity time.Time
}

// peerLink is the single WebRTC connection to one remote node. Every pod
// pair between the two nodes shares it; envelopes carry the target pod
// and are routed on the far side.
type peerLink struct {
	remoteNodeID string
	pc           *webrtc.PeerConnection
	// localPodID and remotePodID are the pair that negotiated the link;
	// the local pod's token signs its signaling frames.
	localPodID  string
	remotePodID string
	offered     bool

	mu           sync.Mutex
	dc           *webrtc.DataChannel
	state        core.PeerState
	lastActivity time.Time
	localPods    sets.Set[string]
	remotePods   sets.Set[string]
	ready        chan struct{}
	once         sync.Once
}

func (l *peerLink) markReady() {
	l.once.Do(func() {
		l.mu.Lock()
		l.state = core.PeerConnected
		l.mu.Unlock()
		close(l.ready)
	})
}

func (l *peerLink) track(localPodID, remotePodID string) {
	l.mu.Lock()
	l.localPods.Insert(localPodID)
	l.remotePods.Insert(remotePodID)
	l.mu.Unlock()
}

func (l *peerLink) touch(now time.Time) {
	l.mu.Lock()
	l.lastActivity = now
	l.mu.Unlock()
}

func (l *peerLink) send(data []byte) error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil {
		return errors.New(errors.KindTransportClosed, "data channel not open")
	}
	return dc.Send(data)
}

// PeerManager owns the agent's node-to-node WebRTC links. One link per
// remote node carries every pod pair's traffic; links are built lazily
// and signaling runs through the orchestrator session.
type PeerManager struct {
	log      logr.Logger
	signaler Signaler
	tokens   TokenSource
	onFrame  FrameFunc
	clock    clock.Clock

	api            *webrtc.API
	config         webrtc.Configuration
	connectTimeout time.Duration

	mu          sync.Mutex
	localNodeID string
	links       map[string]*peerLink
}

func NewPeerManager(log logr.Logger, signaler Signaler, tokens TokenSource, onFrame FrameFunc, clk clock.Clock) *PeerManager {
	return &PeerManager{
		log:            log.WithName("peers"),
		signaler:       signaler,
		tokens:         tokens,
		onFrame:        onFrame,
		clock:          clk,
		api:            webrtc.NewAPI(),
		config:         webrtc.Configuration{},
		connectTimeout: DefaultConnectTimeout,
		links:          map[string]*peerLink{},
	}
}

// SetLocalNode records the node id assigned at registration; it breaks
// the tie when both nodes offer to each other at once.
func (m *PeerManager) SetLocalNode(nodeID string) {
	m.mu.Lock()
	m.localNodeID = nodeID
	m.mu.Unlock()
}

func (m *PeerManager) signal(t protocol.MessageType, localPodID, remotePodID string, data interface{}) error {
	token, ok := m.tokens(localPodID)
	if !ok {
		return errors.New(errors.KindAuth, "no token for pod %q", localPodID)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "encoding signal")
	}
	m.signaler.Send(protocol.NewMessage(t, "", protocol.SignalPayload{
		FromPodID: localPodID,
		ToPodID:   remotePodID,
		Data:      raw,
		PodToken:  token,
	}))
	return nil
}

// open returns a ready link to the remote node, dialing one if none
// exists. The calling pod pair is tracked on the link either way; this
// side is the offerer when it dials.
func (m *PeerManager) open(ctx context.Context, localPodID, remotePodID, remoteNodeID string) (*peerLink, error) {
	if remoteNodeID == "" {
		return nil, errors.New(errors.KindInvalid, "remote node unknown for pod %q", remotePodID)
	}
	m.mu.Lock()
	if l, ok := m.links[remoteNodeID]; ok {
		m.mu.Unlock()
		l.track(localPodID, remotePodID)
		return m.await(ctx, l)
	}
	l, err := m.newLink(localPodID, remotePodID, remoteNodeID, true)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.links[remoteNodeID] = l
	m.mu.Unlock()

	dc, err := l.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		m.dropNode(remoteNodeID)
		return nil, errors.Wrap(errors.KindInternal, err, "creating data channel")
	}
	m.attach(l, dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		m.dropNode(remoteNodeID)
		return nil, errors.Wrap(errors.KindInternal, err, "creating offer")
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		m.dropNode(remoteNodeID)
		return nil, errors.Wrap(errors.KindInternal, err, "setting local description")
	}
	if err := m.signal(protocol.TypeSignalOffer, localPodID, remotePodID, offer); err != nil {
		m.dropNode(remoteNodeID)
		return nil, err
	}
	return m.await(ctx, l)
}

func (m *PeerManager) await(ctx context.Context, l *peerLink) (*peerLink, error) {
	timer := time.NewTimer(m.connectTimeout)
	defer timer.Stop()
	select {
	case <-l.ready:
		return l, nil
	case <-timer.C:
		m.dropNode(l.remoteNodeID)
		return nil, errors.New(errors.KindTimeout, "link to node %q not established within %s", l.remoteNodeID, m.connectTimeout)
	case <-ctx.Done():
		return nil, errors.Wrap(errors.KindCancelled, ctx.Err(), "awaiting peer connection")
	}
}

func (m *PeerManager) newLink(localPodID, remotePodID, remoteNodeID string, offered bool) (*peerLink, error) {
	pc, err := m.api.NewPeerConnection(m.config)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "creating peer connection")
	}
	l := &peerLink{
		remoteNodeID: remoteNodeID,
		pc:           pc,
		localPodID:   localPodID,
		remotePodID:  remotePodID,
		offered:      offered,
		state:        core.PeerConnecting,
		lastActivity: m.clock.Now(),
		localPods:    sets.New(localPodID),
		remotePods:   sets.New(remotePodID),
		ready:        make(chan struct{}),
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := m.signal(protocol.TypeSignalICE, l.localPodID, l.remotePodID, c.ToJSON()); err != nil {
			m.log.V(1).Info("sending ice candidate", "node", remoteNodeID, "error", err.Error())
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			l.mu.Lock()
			l.state = core.PeerFailed
			l.mu.Unlock()
			m.dropNode(remoteNodeID)
		}
	})
	return l, nil
}

func (m *PeerManager) attach(l *peerLink, dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()
	dc.OnOpen(l.markReady)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.touch(m.clock.Now())
		m.onFrame(l.remoteNodeID, msg.Data)
	})
}

// sendTo writes one frame on the established link to the node.
func (m *PeerManager) sendTo(remoteNodeID string, data []byte) error {
	m.mu.Lock()
	l, ok := m.links[remoteNodeID]
	m.mu.Unlock()
	if !ok {
		return errors.New(errors.KindNotFound, "no link to node %q", remoteNodeID)
	}
	if err := l.send(data); err != nil {
		return err
	}
	l.touch(m.clock.Now())
	return nil
}

func (m *PeerManager) dropNode(remoteNodeID string) {
	m.mu.Lock()
	l, ok := m.links[remoteNodeID]
	if ok {
		delete(m.links, remoteNodeID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	l.mu.Lock()
	if l.state != core.PeerFailed {
		l.state = core.PeerClosed
	}
	l.mu.Unlock()
	_ = l.pc.Close()
}

// dropPod removes the pod from every link; a link left with no local
// pods is torn down.
func (m *PeerManager) dropPod(podID string) {
	m.mu.Lock()
	var orphaned []string
	for nodeID, l := range m.links {
		l.mu.Lock()
		l.localPods.Delete(podID)
		l.remotePods.Delete(podID)
		if l.localPods.Len() == 0 {
			orphaned = append(orphaned, nodeID)
		}
		l.mu.Unlock()
	}
	m.mu.Unlock()
	for _, nodeID := range orphaned {
		m.dropNode(nodeID)
	}
}

// Peers snapshots every live node link.
func (m *PeerManager) Peers() []PeerInfo {
	m.mu.Lock()
	links := make([]*peerLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()
	out := make([]PeerInfo, 0, len(links))
	for _, l := range links {
		l.mu.Lock()
		out = append(out, PeerInfo{
			RemoteNodeID: l.remoteNodeID,
			RemotePodIDs: sets.List(l.remotePods),
			State:        l.state,
			LastActivity: l.lastActivity,
		})
		l.mu.Unlock()
	}
	return out
}

// HandleSignal processes a relayed signaling frame addressed to a local
// pod. Offers build the answering side of a node link; answers and
// candidates feed an in-flight negotiation, matched by the origin node
// the relay stamped on the frame.
func (m *PeerManager) HandleSignal(t protocol.MessageType, payload protocol.SignalPayload) error {
	if payload.FromNodeID == "" {
		return errors.New(errors.KindInvalid, "signal frame carries no origin node")
	}
	localPodID, remotePodID, remoteNodeID := payload.ToPodID, payload.FromPodID, payload.FromNodeID

	switch t {
	case protocol.TypeSignalOffer:
		m.mu.Lock()
		existing := m.links[remoteNodeID]
		if existing != nil && existing.offered && m.localNodeID != "" && m.localNodeID < remoteNodeID {
			// both sides offered at once; the lower node id keeps its
			// offer and the remote answers it instead
			m.mu.Unlock()
			existing.track(localPodID, remotePodID)
			return nil
		}
		l, err := m.newLink(localPodID, remotePodID, remoteNodeID, false)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.links[remoteNodeID] = l
		m.mu.Unlock()
		if existing != nil {
			_ = existing.pc.Close()
		}
		l.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			m.attach(l, dc)
		})
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(payload.Data, &offer); err != nil {
			return errors.Wrap(errors.KindInvalid, err, "decoding offer")
		}
		if err := l.pc.SetRemoteDescription(offer); err != nil {
			return errors.Wrap(errors.KindInternal, err, "applying offer")
		}
		answer, err := l.pc.CreateAnswer(nil)
		if err != nil {
			return errors.Wrap(errors.KindInternal, err, "creating answer")
		}
		if err := l.pc.SetLocalDescription(answer); err != nil {
			return errors.Wrap(errors.KindInternal, err, "setting local description")
		}
		return m.signal(protocol.TypeSignalAnswer, localPodID, remotePodID, answer)

	case protocol.TypeSignalAnswer:
		l, err := m.lookup(remoteNodeID)
		if err != nil {
			return err
		}
		l.track(localPodID, remotePodID)
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(payload.Data, &answer); err != nil {
			return errors.Wrap(errors.KindInvalid, err, "decoding answer")
		}
		return l.pc.SetRemoteDescription(answer)

	case protocol.TypeSignalICE:
		l, err := m.lookup(remoteNodeID)
		if err != nil {
			return err
		}
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(payload.Data, &candidate); err != nil {
			return errors.Wrap(errors.KindInvalid, err, "decoding ice candidate")
		}
		return l.pc.AddICECandidate(candidate)
	}
	return errors.New(errors.KindInvalid, "unexpected signal type %q", t)
}

func (m *PeerManager) lookup(remoteNodeID string) (*peerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remoteNodeID]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "no negotiation in flight with node %q", remoteNodeID)
	}
	return l, nil
}
