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

package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/protocol"
)

// Handler processes one inbound message; a non-nil reply is sent back
// with the request's correlation ID.
type Handler func(ctx context.Context, msg protocol.Message) (*protocol.Message, error)

// Reporter supplies the payload for each heartbeat.
type Reporter interface {
	UsedResources() core.Resources
	PodStatuses() []protocol.PodRuntimeStatus
}

// SessionConfig describes how the agent introduces itself.
type SessionConfig struct {
	URL               string
	Token             string
	NodeName          string
	RuntimeType       core.RuntimeType
	Capabilities      []string
	Labels            map[string]string
	Allocatable       core.Resources
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
}

// SessionClient maintains the persistent control connection to the
// orchestrator, reconnecting with backoff when it drops. A single writer
// goroutine preserves message order.
type SessionClient struct {
	log logr.Logger
	cfg SessionConfig

	reporter Reporter

	onEstablished func(nodeID string)

	mu       sync.RWMutex
	conn     *websocket.Conn
	nodeID   string
	outbound chan protocol.Message
	pending  map[string]chan protocol.Message
	handlers map[protocol.MessageType]Handler
}

func NewSessionClient(log logr.Logger, cfg SessionConfig, reporter Reporter) *SessionClient {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &SessionClient{
		log:      log.WithName("session"),
		cfg:      cfg,
		reporter: reporter,
		pending:  map[string]chan protocol.Message{},
		handlers: map[protocol.MessageType]Handler{},
	}
}

// RegisterHandler must be called before Run.
func (c *SessionClient) RegisterHandler(t protocol.MessageType, fn Handler) {
	c.handlers[t] = fn
}

// OnEstablished registers a callback invoked with the assigned node id
// after every successful registration. Must be called before Run.
func (c *SessionClient) OnEstablished(fn func(nodeID string)) {
	c.onEstablished = fn
}

func (c *SessionClient) NodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeID
}

// Run connects and serves the session until ctx is cancelled, redialing
// with exponential backoff after every disconnect.
func (c *SessionClient) Run(ctx context.Context) {
	for ctx.Err() == nil {
		err := retry.Do(
			func() error { return c.connect(ctx) },
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(time.Second),
			retry.MaxDelay(30*time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.OnRetry(func(n uint, err error) {
				c.log.V(1).Info("redialing orchestrator", "attempt", n, "error", err.Error())
			}),
		)
		if err != nil && ctx.Err() == nil {
			c.log.Error(err, "session ended")
		}
	}
}

// connect dials, handshakes, and serves one connection to completion.
func (c *SessionClient) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return errors.Wrap(errors.KindTransportClosed, err, "dialing orchestrator")
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.NewMessage(protocol.TypeAuth, "", protocol.AuthPayload{Token: c.cfg.Token})); err != nil {
		return errors.Wrap(errors.KindTransportClosed, err, "sending auth")
	}
	if err := conn.WriteJSON(protocol.NewMessage(protocol.TypeRegister, uuid.NewString(), protocol.RegisterPayload{
		NodeName:     c.cfg.NodeName,
		RuntimeType:  c.cfg.RuntimeType,
		Capabilities: c.cfg.Capabilities,
		Allocatable:  c.cfg.Allocatable,
		Labels:       c.cfg.Labels,
	})); err != nil {
		return errors.Wrap(errors.KindTransportClosed, err, "sending register")
	}
	var ack protocol.Message
	if err := conn.ReadJSON(&ack); err != nil {
		return errors.Wrap(errors.KindTransportClosed, err, "reading register ack")
	}
	if ack.Type == protocol.TypeError {
		var ep protocol.ErrorPayload
		_ = json.Unmarshal(ack.Payload, &ep)
		return errors.New(errors.Kind(ep.Kind), "registration rejected, %s", ep.Message)
	}
	var reg protocol.RegisterAck
	if err := json.Unmarshal(ack.Payload, &reg); err != nil {
		return errors.Wrap(errors.KindInvalid, err, "decoding register ack")
	}

	c.mu.Lock()
	c.conn = conn
	c.nodeID = reg.NodeID
	c.outbound = make(chan protocol.Message, 64)
	c.mu.Unlock()
	c.log.Info("session established", "node", reg.NodeID)
	if c.onEstablished != nil {
		c.onEstablished(reg.NodeID)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writeLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx)

	err = c.readLoop(connCtx, conn)
	c.failPending()
	return err
}

func (c *SessionClient) writeLoop(ctx context.Context, conn *websocket.Conn) {
	c.mu.RLock()
	outbound := c.outbound
	c.mu.RUnlock()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-outbound:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (c *SessionClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Send(protocol.NewMessage(protocol.TypeHeartbeat, "", protocol.HeartbeatPayload{
				UsedResources: c.reporter.UsedResources(),
				PodStatuses:   c.reporter.PodStatuses(),
			}))
		}
	}
}

func (c *SessionClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return errors.Wrap(errors.KindTransportClosed, err, "session read")
		}
		if msg.CorrelationID != "" && c.resolve(msg) {
			continue
		}
		handler, ok := c.handlers[msg.Type]
		if !ok {
			c.log.V(1).Info("no handler for message", "type", msg.Type)
			continue
		}
		// inline dispatch keeps per-session ordering
		reply, err := handler(ctx, msg)
		if err != nil {
			if msg.CorrelationID != "" {
				c.Send(protocol.NewMessage(protocol.TypeError, msg.CorrelationID, protocol.ErrorPayload{
					Kind:    string(errors.KindOf(err)),
					Message: err.Error(),
				}))
			}
			continue
		}
		if reply != nil {
			reply.CorrelationID = msg.CorrelationID
			c.Send(*reply)
		}
	}
}

// Send enqueues a fire-and-forget message; it is dropped if no connection
// is up or the outbound queue is full.
func (c *SessionClient) Send(msg protocol.Message) {
	c.mu.RLock()
	outbound := c.outbound
	c.mu.RUnlock()
	if outbound == nil {
		return
	}
	select {
	case outbound <- msg:
	default:
		c.log.V(1).Info("outbound queue full, dropping message", "type", msg.Type)
	}
}

// Request sends a message and waits for the correlated reply. A TypeError
// reply surfaces as a typed error.
func (c *SessionClient) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	msg.CorrelationID = uuid.NewString()
	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	if c.outbound == nil {
		c.mu.Unlock()
		return protocol.Message{}, errors.New(errors.KindTransportClosed, "session not established")
	}
	c.pending[msg.CorrelationID] = ch
	outbound := c.outbound
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.CorrelationID)
		c.mu.Unlock()
	}()

	select {
	case outbound <- msg:
	default:
		return protocol.Message{}, errors.New(errors.KindResourceExhausted, "outbound queue full")
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return protocol.Message{}, errors.Wrap(errors.KindCancelled, ctx.Err(), "awaiting reply to %s", msg.Type)
	case <-timer.C:
		return protocol.Message{}, errors.New(errors.KindTimeout, "no reply to %s within %s", msg.Type, c.cfg.RequestTimeout)
	case reply, ok := <-ch:
		if !ok {
			return protocol.Message{}, errors.New(errors.KindTransportClosed, "session lost awaiting reply")
		}
		if reply.Type == protocol.TypeError {
			var ep protocol.ErrorPayload
			_ = json.Unmarshal(reply.Payload, &ep)
			return protocol.Message{}, errors.New(errors.Kind(ep.Kind), "%s", ep.Message)
		}
		return reply, nil
	}
}

func (c *SessionClient) resolve(msg protocol.Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[msg.CorrelationID]
	if ok {
		delete(c.pending, msg.CorrelationID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

// failPending closes every outstanding reply channel after a disconnect.
func (c *SessionClient) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.outbound = nil
}
