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

// Package ephemeral is the agent-side client for pod groups: TTL'd
// membership registered with the orchestrator plus direct peer-to-peer
// queries across the current member set. Nothing here is persisted;
// a group exists only as long as members keep refreshing.
package ephemeral

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/agent/netstack"
	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/podgroup"
	"github.com/stark-run/stark/pkg/protocol"
)

const (
	DefaultTTL          = 60 * time.Second
	DefaultQueryTimeout = 5 * time.Second
)

// PodQuerier is the slice of the netstack group queries travel over.
type PodQuerier interface {
	QueryPod(ctx context.Context, nodeID string, q protocol.GroupQueryEnvelope) (*protocol.GroupQueryResponse, error)
}

type Client struct {
	log     logr.Logger
	control netstack.Control
	net     PodQuerier
	queries *podgroup.QueryCorrelator
	clock   clock.Clock
}

func NewClient(log logr.Logger, control netstack.Control, net PodQuerier, clk clock.Clock) *Client {
	return &Client{
		log:     log.WithName("ephemeral"),
		control: control,
		net:     net,
		queries: podgroup.NewQueryCorrelator(clk),
		clock:   clk,
	}
}

// Join registers the pod in the group and returns a handle whose
// background loop keeps the membership alive until Leave, along with the
// membership visible at join time.
func (c *Client) Join(ctx context.Context, groupID, podID string, ttl time.Duration, metadata map[string]string) (*Handle, []core.PodGroupMembership, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	reply, err := c.control.Request(ctx, protocol.NewMessage(protocol.TypePodGroupJoin, "", protocol.PodGroupJoinPayload{
		GroupID:   groupID,
		PodID:     podID,
		TTLMillis: ttl.Milliseconds(),
		Metadata:  metadata,
	}))
	if err != nil {
		return nil, nil, err
	}
	var members protocol.PodGroupMembersPayload
	if err := json.Unmarshal(reply.Payload, &members); err != nil {
		return nil, nil, errors.Wrap(errors.KindInvalid, err, "decoding join reply")
	}

	h := &Handle{
		client:  c,
		groupID: groupID,
		podID:   podID,
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go h.refreshLoop()
	return h, members.Members, nil
}

// Handle is one pod's live membership in a group. All operations fail
// once the handle is left.
type Handle struct {
	client  *Client
	groupID string
	podID   string
	ttl     time.Duration

	mu   sync.Mutex
	left bool
	done chan struct{}
}

func (h *Handle) closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.left
}

// refreshLoop renews the membership at a third of the TTL so a single
// missed beat does not expire it.
func (h *Handle) refreshLoop() {
	ticker := time.NewTicker(h.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.ttl/3)
			if err := h.Refresh(ctx); err != nil {
				h.client.log.V(1).Info("refreshing group membership", "group", h.groupID, "pod", h.podID, "error", err.Error())
			}
			cancel()
		}
	}
}

// Refresh renews the TTL without changing metadata.
func (h *Handle) Refresh(ctx context.Context) error {
	if h.closed() {
		return errors.New(errors.KindInvalid, "group %q already left", h.groupID)
	}
	_, err := h.client.control.Request(ctx, protocol.NewMessage(protocol.TypePodGroupRefresh, "", protocol.PodGroupLeavePayload{
		GroupID: h.groupID,
		PodID:   h.podID,
	}))
	return err
}

// Members returns the group's current visible membership.
func (h *Handle) Members(ctx context.Context) ([]core.PodGroupMembership, error) {
	if h.closed() {
		return nil, errors.New(errors.KindInvalid, "group %q already left", h.groupID)
	}
	reply, err := h.client.control.Request(ctx, protocol.NewMessage(protocol.TypePodGroupMembers, "", protocol.PodGroupLeavePayload{
		GroupID: h.groupID,
		PodID:   h.podID,
	}))
	if err != nil {
		return nil, err
	}
	var members protocol.PodGroupMembersPayload
	if err := json.Unmarshal(reply.Payload, &members); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding members reply")
	}
	return members.Members, nil
}

// Leave deregisters the membership and invalidates the handle.
func (h *Handle) Leave(ctx context.Context) error {
	h.mu.Lock()
	if h.left {
		h.mu.Unlock()
		return nil
	}
	h.left = true
	close(h.done)
	h.mu.Unlock()

	_, err := h.client.control.Request(ctx, protocol.NewMessage(protocol.TypePodGroupLeave, "", protocol.PodGroupLeavePayload{
		GroupID: h.groupID,
		PodID:   h.podID,
	}))
	return err
}

// QueryPods fans one query out to every other member over peer channels
// and waits for the aggregate: responses keyed by the pods that answered,
// the rest listed as timed out. Members that fail outright count as timed
// out too; the call itself only fails when the membership cannot be
// listed.
func (h *Handle) QueryPods(ctx context.Context, path string, query map[string]string, timeout time.Duration) (podgroup.QueryResult, error) {
	if h.closed() {
		return podgroup.QueryResult{}, errors.New(errors.KindInvalid, "group %q already left", h.groupID)
	}
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	members, err := h.Members(ctx)
	if err != nil {
		return podgroup.QueryResult{}, err
	}

	queryID := uuid.NewString()
	deadline := h.client.clock.Now().Add(timeout)
	queryCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	targets := lo.Filter(members, func(m core.PodGroupMembership, _ int) bool { return m.PodID != h.podID })
	h.client.queries.Track(queryID, lo.Map(targets, func(m core.PodGroupMembership, _ int) string { return m.PodID }))

	for _, m := range targets {
		go func(m core.PodGroupMembership) {
			resp, err := h.client.net.QueryPod(queryCtx, m.NodeID, protocol.GroupQueryEnvelope{
				QueryID:     queryID,
				SourcePodID: h.podID,
				TargetPodID: m.PodID,
				Path:        path,
				Query:       query,
				Deadline:    core.Millis(deadline),
			})
			if err != nil {
				h.client.log.V(1).Info("group query target failed", "group", h.groupID, "pod", m.PodID, "error", err.Error())
				return
			}
			h.client.queries.Resolve(*resp)
		}(m)
	}
	return h.client.queries.Wait(queryCtx, queryID, timeout), nil
}
