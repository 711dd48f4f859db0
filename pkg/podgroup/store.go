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

// Package podgroup implements the ephemeral data plane's state: TTL-scoped
// group memberships and the fan-out query correlator. Nothing here is
// persisted; expiry alone garbage-collects the world.
package podgroup

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/metrics"
)

const (
	DefaultTTL          = time.Minute
	DefaultReapInterval = 10 * time.Second
)

// Store maps groupId -> memberships. Groups are created lazily on first
// join and deleted when their last membership expires or leaves.
type Store struct {
	clock      clock.Clock
	maxMembers int // 0 means unbounded

	mu     sync.RWMutex
	groups map[string]map[string]core.PodGroupMembership
}

func NewStore(clk clock.Clock, maxMembers int) *Store {
	return &Store{
		clock:      clk,
		maxMembers: maxMembers,
		groups:     map[string]map[string]core.PodGroupMembership{},
	}
}

// Join upserts a membership. Rejoining refreshes LastRefreshedAt and
// replaces node, TTL and metadata; JoinedAt is preserved.
func (s *Store) Join(groupID, podID, nodeID string, ttl time.Duration, metadata map[string]string) (core.PodGroupMembership, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := core.Millis(s.clock.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.groups[groupID]
	if !ok {
		members = map[string]core.PodGroupMembership{}
		s.groups[groupID] = members
	}
	m, exists := members[podID]
	if !exists {
		if s.maxMembers > 0 && s.visibleCountLocked(groupID) >= s.maxMembers {
			return core.PodGroupMembership{}, errors.New(errors.KindResourceExhausted, "group %q is full", groupID)
		}
		m = core.PodGroupMembership{PodID: podID, JoinedAt: now}
	}
	m.NodeID = nodeID
	m.LastRefreshedAt = now
	m.TTLMillis = ttl.Milliseconds()
	m.Metadata = metadata
	members[podID] = m
	metrics.PodGroupMembers.WithLabelValues(groupID).Set(float64(s.visibleCountLocked(groupID)))
	return m, nil
}

// Leave removes the membership immediately.
func (s *Store) Leave(groupID, podID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.groups[groupID]
	if !ok {
		return errors.NotFound("podgroup", groupID)
	}
	if _, ok := members[podID]; !ok {
		return errors.NotFound("membership", groupID+"/"+podID)
	}
	delete(members, podID)
	if len(members) == 0 {
		delete(s.groups, groupID)
		metrics.PodGroupMembers.DeleteLabelValues(groupID)
	} else {
		metrics.PodGroupMembers.WithLabelValues(groupID).Set(float64(s.visibleCountLocked(groupID)))
	}
	return nil
}

// Refresh extends an existing membership's visibility window.
func (s *Store) Refresh(groupID, podID string) (core.PodGroupMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.groups[groupID]
	if !ok {
		return core.PodGroupMembership{}, errors.NotFound("podgroup", groupID)
	}
	m, ok := members[podID]
	if !ok {
		return core.PodGroupMembership{}, errors.NotFound("membership", groupID+"/"+podID)
	}
	m.LastRefreshedAt = core.Millis(s.clock.Now())
	members[podID] = m
	return m, nil
}

// List returns exactly the memberships visible now, i.e. those with
// lastRefreshedAt + ttl >= now.
func (s *Store) List(groupID string) []core.PodGroupMembership {
	now := core.Millis(s.clock.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Filter(lo.Values(s.groups[groupID]), func(m core.PodGroupMembership, _ int) bool {
		return !m.Expired(now)
	})
}

// Groups lists the IDs of groups with at least one visible member.
func (s *Store) Groups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Filter(lo.Keys(s.groups), func(id string, _ int) bool {
		return s.visibleCountLocked(id) > 0
	})
}

func (s *Store) visibleCountLocked(groupID string) int {
	now := core.Millis(s.clock.Now())
	return lo.CountBy(lo.Values(s.groups[groupID]), func(m core.PodGroupMembership) bool {
		return !m.Expired(now)
	})
}

// Reap deletes expired memberships and empty groups, returning how many
// memberships were removed.
func (s *Store) Reap() int {
	now := core.Millis(s.clock.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for groupID, members := range s.groups {
		for podID, m := range members {
			if m.Expired(now) {
				delete(members, podID)
				removed++
			}
		}
		if len(members) == 0 {
			delete(s.groups, groupID)
			metrics.PodGroupMembers.DeleteLabelValues(groupID)
		} else {
			metrics.PodGroupMembers.WithLabelValues(groupID).Set(float64(len(members)))
		}
	}
	return removed
}

// RunReaper loops Reap on the interval until ctx is cancelled.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap()
		}
	}
}
