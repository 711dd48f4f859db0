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

package registry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/state"
)

type Strategy string

const (
	StrategyStickyRandomFirst Strategy = "sticky-random-first"
	StrategyRoundRobin        Strategy = "round-robin"
	StrategyRandom            Strategy = "random"
)

// Endpoint is one pod of a service as seen by the overlay.
type Endpoint struct {
	PodID  string
	NodeID string
	Status core.PodStatus
}

// EndpointChange is pushed to subscribers when a service's endpoint set
// mutates.
type EndpointChange struct {
	ServiceID string
	Endpoints []Endpoint
}

// ServiceRegistry is the authoritative serviceId -> endpoints index. The
// pod lifecycle controller feeds it; agents and the signaling hub read it.
type ServiceRegistry struct {
	store state.Store

	mu        sync.RWMutex
	endpoints map[string]map[string]Endpoint // serviceID -> podID -> endpoint
	rrCursor  map[string]int
	subs      map[string][]chan EndpointChange

	sticky *cache.Cache // "sourcePodID|serviceID" -> podID
	rand   *rand.Rand
}

const defaultStickyTTL = time.Minute

func NewServiceRegistry(store state.Store) *ServiceRegistry {
	return &ServiceRegistry{
		store:     store,
		endpoints: map[string]map[string]Endpoint{},
		rrCursor:  map[string]int{},
		subs:      map[string][]chan EndpointChange{},
		sticky:    cache.New(defaultStickyTTL, defaultStickyTTL),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddPodEndpoint registers or updates a pod's endpoint for its service.
func (r *ServiceRegistry) AddPodEndpoint(serviceID string, ep Endpoint) {
	r.mu.Lock()
	if r.endpoints[serviceID] == nil {
		r.endpoints[serviceID] = map[string]Endpoint{}
	}
	r.endpoints[serviceID][ep.PodID] = ep
	r.mu.Unlock()
	r.broadcast(serviceID)
}

// RemovePodEndpoint drops a pod from the index and invalidates any sticky
// selections pointing at it.
func (r *ServiceRegistry) RemovePodEndpoint(serviceID, podID string) {
	r.mu.Lock()
	delete(r.endpoints[serviceID], podID)
	if len(r.endpoints[serviceID]) == 0 {
		delete(r.endpoints, serviceID)
	}
	r.mu.Unlock()
	for key, item := range r.sticky.Items() {
		if item.Object.(string) == podID {
			r.sticky.Delete(key)
		}
	}
	r.broadcast(serviceID)
}

// StatusChanged updates the recorded status of a pod endpoint.
func (r *ServiceRegistry) StatusChanged(serviceID, podID string, status core.PodStatus) {
	r.mu.Lock()
	if ep, ok := r.endpoints[serviceID][podID]; ok {
		ep.Status = status
		r.endpoints[serviceID][podID] = ep
	}
	r.mu.Unlock()
	r.broadcast(serviceID)
}

// Endpoints returns every known endpoint of the service.
func (r *ServiceRegistry) Endpoints(serviceID string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.endpoints[serviceID])
}

// selectable filters endpoints down to running pods on Ready nodes.
func (r *ServiceRegistry) selectable(serviceID string) []Endpoint {
	eps := r.Endpoints(serviceID)
	return lo.Filter(eps, func(ep Endpoint, _ int) bool {
		if ep.Status != core.PodRunning {
			return false
		}
		node, err := r.store.GetNode(ep.NodeID)
		return err == nil && node.Status == core.NodeReady
	})
}

// SelectTarget picks a pod of the service for the given source pod.
// sticky-random-first records the first pick and returns it while it stays
// selectable; round-robin and random never record.
func (r *ServiceRegistry) SelectTarget(serviceID, sourcePodID string, strategy Strategy) (Endpoint, error) {
	candidates := r.selectable(serviceID)
	if len(candidates) == 0 {
		return Endpoint{}, errors.New(errors.KindNotFound, "no selectable endpoint for service %q", serviceID)
	}
	switch strategy {
	case StrategyRoundRobin:
		r.mu.Lock()
		cursor := r.rrCursor[serviceID]
		r.rrCursor[serviceID] = cursor + 1
		r.mu.Unlock()
		return candidates[cursor%len(candidates)], nil
	case StrategyRandom:
		return candidates[r.rand.Intn(len(candidates))], nil
	default: // sticky-random-first
		key := sourcePodID + "|" + serviceID
		if podID, ok := r.sticky.Get(key); ok {
			if ep, found := lo.Find(candidates, func(e Endpoint) bool { return e.PodID == podID.(string) }); found {
				return ep, nil
			}
			r.sticky.Delete(key)
		}
		ep := candidates[r.rand.Intn(len(candidates))]
		r.sticky.SetDefault(key, ep.PodID)
		return ep, nil
	}
}

// Subscribe returns a channel receiving endpoint changes for the service.
func (r *ServiceRegistry) Subscribe(serviceID string) <-chan EndpointChange {
	ch := make(chan EndpointChange, 16)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[serviceID] = append(r.subs[serviceID], ch)
	return ch
}

func (r *ServiceRegistry) broadcast(serviceID string) {
	r.mu.RLock()
	change := EndpointChange{ServiceID: serviceID, Endpoints: lo.Values(r.endpoints[serviceID])}
	subs := append([]chan EndpointChange(nil), r.subs[serviceID]...)
	r.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
		}
	}
}
