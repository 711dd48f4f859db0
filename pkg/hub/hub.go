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

// Package hub accepts agent sessions, authenticates them, keeps liveness,
// and routes typed messages. Other planes (signaling, podgroup) register
// handlers rather than owning connections.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/auth"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/metrics"
	"github.com/stark-run/stark/pkg/protocol"
	"github.com/stark-run/stark/pkg/registry"
)

// Handler processes one inbound message. A non-nil reply is written back
// under the inbound correlation ID.
type Handler func(ctx context.Context, s *Session, msg protocol.Message) (*protocol.Message, error)

type Hub struct {
	log      logr.Logger
	verifier auth.Verifier
	nodes    *registry.NodeRegistry
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
	handlers map[protocol.MessageType]Handler
	onClose  []func(nodeID string)

	requestTimeout time.Duration
}

func NewHub(log logr.Logger, verifier auth.Verifier, nodes *registry.NodeRegistry, requestTimeout time.Duration) *Hub {
	return &Hub{
		log:            log.WithName("hub"),
		verifier:       verifier,
		nodes:          nodes,
		upgrader:       websocket.Upgrader{ReadBufferSize: 1 << 16, WriteBufferSize: 1 << 16},
		sessions:       map[string]*Session{},
		handlers:       map[protocol.MessageType]Handler{},
		requestTimeout: requestTimeout,
	}
}

// RegisterHandler wires a message type to its processor. Registration
// happens at wiring time, before any session is accepted.
func (h *Hub) RegisterHandler(t protocol.MessageType, fn Handler) {
	h.handlers[t] = fn
}

// OnSessionClosed adds a callback fired after a session is removed.
func (h *Hub) OnSessionClosed(fn func(nodeID string)) {
	h.onClose = append(h.onClose, fn)
}

// Session returns the live session for a node.
func (h *Hub) Session(nodeID string) (*Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[nodeID]
	if !ok {
		return nil, errors.New(errors.KindTransportClosed, "no session for node %q", nodeID)
	}
	return s, nil
}

// Request routes a correlated request to a node's session.
func (h *Hub) Request(ctx context.Context, nodeID string, msg protocol.Message) (protocol.Message, error) {
	s, err := h.Session(nodeID)
	if err != nil {
		return protocol.Message{}, err
	}
	return s.Request(ctx, msg, h.requestTimeout)
}

// Send routes a fire-and-forget message to a node's session.
func (h *Hub) Send(nodeID string, msg protocol.Message) error {
	s, err := h.Session(nodeID)
	if err != nil {
		return err
	}
	return s.Send(msg)
}

// ServeHTTP upgrades an agent connection and runs its session until EOF.
// The first frame must be auth; the second must be register.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "upgrading session")
		return
	}
	s := newSession(conn)
	go s.writeLoop()

	if err := h.handshake(r.Context(), s); err != nil {
		h.log.V(1).Info("session handshake rejected", "error", err.Error())
		_ = s.Send(protocol.NewMessage(protocol.TypeError, "", protocol.ErrorPayload{
			Kind:    string(errors.KindOf(err)),
			Message: err.Error(),
		}))
		// give the writer a beat to flush the rejection
		time.Sleep(50 * time.Millisecond)
		s.close()
		return
	}

	h.mu.Lock()
	if old, ok := h.sessions[s.NodeID]; ok {
		old.close()
	}
	h.sessions[s.NodeID] = s
	h.mu.Unlock()
	metrics.ActiveSessions.Inc()
	h.log.Info("agent session established", "node", s.NodeID, "user", s.User.ID)

	h.readLoop(r.Context(), s)

	h.mu.Lock()
	if h.sessions[s.NodeID] == s {
		delete(h.sessions, s.NodeID)
	}
	h.mu.Unlock()
	metrics.ActiveSessions.Dec()
	s.close()
	h.log.Info("agent session closed", "node", s.NodeID)
	for _, fn := range h.onClose {
		fn(s.NodeID)
	}
}

func (h *Hub) handshake(ctx context.Context, s *Session) error {
	var msg protocol.Message
	if err := s.conn.ReadJSON(&msg); err != nil || msg.Type != protocol.TypeAuth {
		return errors.New(errors.KindAuth, "expected auth frame")
	}
	var authPayload protocol.AuthPayload
	if err := json.Unmarshal(msg.Payload, &authPayload); err != nil {
		return errors.Wrap(errors.KindInvalid, err, "decoding auth payload")
	}
	user, err := h.verifier.VerifyToken(authPayload.Token)
	if err != nil {
		return err
	}
	s.User = user

	if err := s.conn.ReadJSON(&msg); err != nil || msg.Type != protocol.TypeRegister {
		return errors.New(errors.KindInvalid, "expected register frame")
	}
	var reg protocol.RegisterPayload
	if err := json.Unmarshal(msg.Payload, &reg); err != nil {
		return errors.Wrap(errors.KindInvalid, err, "decoding register payload")
	}
	node, err := h.nodes.Register(&core.Node{
		Name:         reg.NodeName,
		RuntimeType:  reg.RuntimeType,
		Capabilities: reg.Capabilities,
		Allocatable:  reg.Allocatable,
		Labels:       reg.Labels,
		Taints:       reg.Taints,
	})
	if err != nil {
		return err
	}
	s.NodeID = node.ID
	return s.Send(protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, protocol.RegisterAck{NodeID: node.ID}))
}

func (h *Hub) readLoop(ctx context.Context, s *Session) {
	for {
		var msg protocol.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		// replies to our own outbound requests
		if msg.CorrelationID != "" && s.resolve(msg) {
			continue
		}
		handler, ok := h.handlers[msg.Type]
		if !ok {
			h.log.V(1).Info("no handler for message", "type", msg.Type, "node", s.NodeID)
			continue
		}
		// handlers run inline so a session's messages are processed in the
		// order they arrived
		reply, err := handler(ctx, s, msg)
		if err != nil {
			if msg.CorrelationID != "" {
				_ = s.Send(protocol.NewMessage(protocol.TypeError, msg.CorrelationID, protocol.ErrorPayload{
					Kind:    string(errors.KindOf(err)),
					Message: err.Error(),
				}))
			}
			continue
		}
		if reply != nil {
			reply.CorrelationID = msg.CorrelationID
			_ = s.Send(*reply)
		}
	}
}
