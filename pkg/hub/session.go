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

package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stark-run/stark/pkg/auth"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/protocol"
)

// Session is one agent's long-lived connection. A single writer goroutine
// drains outbound, which preserves per-session message order end-to-end.
type Session struct {
	NodeID string
	User   auth.User

	conn     *websocket.Conn
	outbound chan protocol.Message

	mu      sync.Mutex
	pending map[string]chan protocol.Message
	closed  chan struct{}
	once    sync.Once
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{
		conn:     conn,
		outbound: make(chan protocol.Message, 64),
		pending:  map[string]chan protocol.Message{},
		closed:   make(chan struct{}),
	}
}

// Send queues a fire-and-forget message. It fails fast once the session is
// closed.
func (s *Session) Send(msg protocol.Message) error {
	select {
	case <-s.closed:
		return errors.New(errors.KindTransportClosed, "session to node %q closed", s.NodeID)
	case s.outbound <- msg:
		return nil
	}
}

// Request sends a correlated message and waits for the reply or the
// timeout. Session loss fails all pending requests with TransportClosed.
func (s *Session) Request(ctx context.Context, msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	ch := make(chan protocol.Message, 1)
	s.mu.Lock()
	s.pending[msg.CorrelationID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, msg.CorrelationID)
		s.mu.Unlock()
	}()

	if err := s.Send(msg); err != nil {
		return protocol.Message{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		if reply.Type == protocol.TypeError {
			var ep protocol.ErrorPayload
			_ = json.Unmarshal(reply.Payload, &ep)
			return protocol.Message{}, errors.New(errors.Kind(ep.Kind), "%s", ep.Message)
		}
		return reply, nil
	case <-timer.C:
		return protocol.Message{}, errors.New(errors.KindTimeout, "request %s to node %q timed out", msg.Type, s.NodeID)
	case <-ctx.Done():
		return protocol.Message{}, errors.Wrap(errors.KindCancelled, ctx.Err(), "request %s to node %q", msg.Type, s.NodeID)
	case <-s.closed:
		return protocol.Message{}, errors.New(errors.KindTransportClosed, "session to node %q lost", s.NodeID)
	}
}

// resolve hands an inbound reply to the waiting Request, if any. Returns
// false when no request is pending under the correlation ID.
func (s *Session) resolve(msg protocol.Message) bool {
	s.mu.Lock()
	ch, ok := s.pending[msg.CorrelationID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
	}
	return true
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.outbound:
			if err := s.conn.WriteJSON(msg); err != nil {
				s.close()
				return
			}
		}
	}
}
