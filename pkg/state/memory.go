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

package state

import (
	"sort"
	"sync"

	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
)

type record[T any] interface {
	core.Object
	DeepCopy() T
}

// table is one entity's rows plus its own mutex, so writers to different
// entities never contend.
type table[T record[T]] struct {
	mu   sync.RWMutex
	kind Kind
	rows map[string]T
}

func newTable[T record[T]](kind Kind) *table[T] {
	return &table[T]{kind: kind, rows: map[string]T{}}
}

func (t *table[T]) get(id string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[id]
	if !ok {
		var zero T
		return zero, errors.NotFound(string(t.kind), id)
	}
	return row.DeepCopy(), nil
}

func (t *table[T]) list() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := lo.MapToSlice(t.rows, func(_ string, row T) T { return row.DeepCopy() })
	sort.Slice(out, func(i, j int) bool { return out[i].GetID() < out[j].GetID() })
	return out
}

func (t *table[T]) create(row T) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[row.GetID()]; ok {
		var zero T
		return zero, errors.Conflict(string(t.kind), row.GetID())
	}
	stored := row.DeepCopy()
	stored.SetResourceVersion(1)
	t.rows[row.GetID()] = stored
	return stored.DeepCopy(), nil
}

func (t *table[T]) update(row T) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	current, ok := t.rows[row.GetID()]
	if !ok {
		return zero, errors.NotFound(string(t.kind), row.GetID())
	}
	if current.GetResourceVersion() != row.GetResourceVersion() {
		return zero, errors.Conflict(string(t.kind), row.GetID())
	}
	stored := row.DeepCopy()
	stored.SetResourceVersion(current.GetResourceVersion() + 1)
	t.rows[row.GetID()] = stored
	return stored.DeepCopy(), nil
}

func (t *table[T]) delete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[id]; !ok {
		return errors.NotFound(string(t.kind), id)
	}
	delete(t.rows, id)
	return nil
}

// MemoryStore is the in-process Store implementation. It is the system of
// record in tests and single-binary deployments; a persistent row store
// slots in behind the same interface.
type MemoryStore struct {
	clock clock.Clock

	nodes       *table[*core.Node]
	pods        *table[*core.Pod]
	services    *table[*core.Service]
	deployments *table[*core.Deployment]
	packs       *table[*core.Pack]
	policies    *table[*core.NetworkPolicy]

	historyMu sync.RWMutex
	history   map[string][]core.PodHistoryEntry

	subMu sync.RWMutex
	subs  []chan Event
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:       clk,
		nodes:       newTable[*core.Node](KindNode),
		pods:        newTable[*core.Pod](KindPod),
		services:    newTable[*core.Service](KindService),
		deployments: newTable[*core.Deployment](KindDeployment),
		packs:       newTable[*core.Pack](KindPack),
		policies:    newTable[*core.NetworkPolicy](KindPolicy),
		history:     map[string][]core.PodHistoryEntry{},
	}
}

func (s *MemoryStore) notify(kind Kind, typ EventType, id string) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- Event{Kind: kind, Type: typ, ID: id}:
		default:
			// subscriber is behind; it reconciles from a snapshot anyway
		}
	}
}

func (s *MemoryStore) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, ch)
	return ch
}

func (s *MemoryStore) GetNode(id string) (*core.Node, error) { return s.nodes.get(id) }
func (s *MemoryStore) ListNodes() []*core.Node               { return s.nodes.list() }

func (s *MemoryStore) CreateNode(n *core.Node) (*core.Node, error) {
	out, err := s.nodes.create(n)
	if err == nil {
		s.notify(KindNode, EventCreated, n.ID)
	}
	return out, err
}

func (s *MemoryStore) UpdateNode(n *core.Node) (*core.Node, error) {
	out, err := s.nodes.update(n)
	if err == nil {
		s.notify(KindNode, EventUpdated, n.ID)
	}
	return out, err
}

func (s *MemoryStore) DeleteNode(id string) error {
	err := s.nodes.delete(id)
	if err == nil {
		s.notify(KindNode, EventDeleted, id)
	}
	return err
}

func (s *MemoryStore) GetPod(id string) (*core.Pod, error) { return s.pods.get(id) }
func (s *MemoryStore) ListPods() []*core.Pod               { return s.pods.list() }

func (s *MemoryStore) CreatePod(p *core.Pod) (*core.Pod, error) {
	p.CreatedAt = core.Millis(s.clock.Now())
	p.UpdatedAt = p.CreatedAt
	out, err := s.pods.create(p)
	if err == nil {
		s.notify(KindPod, EventCreated, p.ID)
	}
	return out, err
}

func (s *MemoryStore) UpdatePod(p *core.Pod) (*core.Pod, error) {
	p.UpdatedAt = core.Millis(s.clock.Now())
	out, err := s.pods.update(p)
	if err == nil {
		s.notify(KindPod, EventUpdated, p.ID)
	}
	return out, err
}

func (s *MemoryStore) DeletePod(id string) error {
	err := s.pods.delete(id)
	if err == nil {
		s.notify(KindPod, EventDeleted, id)
	}
	return err
}

func (s *MemoryStore) GetService(id string) (*core.Service, error) { return s.services.get(id) }
func (s *MemoryStore) ListServices() []*core.Service               { return s.services.list() }

func (s *MemoryStore) CreateService(svc *core.Service) (*core.Service, error) {
	out, err := s.services.create(svc)
	if err == nil {
		s.notify(KindService, EventCreated, svc.ID)
	}
	return out, err
}

func (s *MemoryStore) UpdateService(svc *core.Service) (*core.Service, error) {
	out, err := s.services.update(svc)
	if err == nil {
		s.notify(KindService, EventUpdated, svc.ID)
	}
	return out, err
}

func (s *MemoryStore) DeleteService(id string) error {
	err := s.services.delete(id)
	if err == nil {
		s.notify(KindService, EventDeleted, id)
	}
	return err
}

func (s *MemoryStore) GetDeployment(id string) (*core.Deployment, error) {
	return s.deployments.get(id)
}
func (s *MemoryStore) ListDeployments() []*core.Deployment { return s.deployments.list() }

func (s *MemoryStore) CreateDeployment(d *core.Deployment) (*core.Deployment, error) {
	out, err := s.deployments.create(d)
	if err == nil {
		s.notify(KindDeployment, EventCreated, d.ID)
	}
	return out, err
}

func (s *MemoryStore) UpdateDeployment(d *core.Deployment) (*core.Deployment, error) {
	out, err := s.deployments.update(d)
	if err == nil {
		s.notify(KindDeployment, EventUpdated, d.ID)
	}
	return out, err
}

func (s *MemoryStore) DeleteDeployment(id string) error {
	err := s.deployments.delete(id)
	if err == nil {
		s.notify(KindDeployment, EventDeleted, id)
	}
	return err
}

func (s *MemoryStore) GetPack(id string) (*core.Pack, error) { return s.packs.get(id) }
func (s *MemoryStore) ListPacks() []*core.Pack               { return s.packs.list() }

func (s *MemoryStore) CreatePack(p *core.Pack) (*core.Pack, error) {
	p.CreatedAt = core.Millis(s.clock.Now())
	out, err := s.packs.create(p)
	if err == nil {
		s.notify(KindPack, EventCreated, p.ID)
	}
	return out, err
}

func (s *MemoryStore) DeletePack(id string) error {
	err := s.packs.delete(id)
	if err == nil {
		s.notify(KindPack, EventDeleted, id)
	}
	return err
}

func (s *MemoryStore) GetPolicy(id string) (*core.NetworkPolicy, error) { return s.policies.get(id) }
func (s *MemoryStore) ListPolicies() []*core.NetworkPolicy              { return s.policies.list() }

func (s *MemoryStore) CreatePolicy(p *core.NetworkPolicy) (*core.NetworkPolicy, error) {
	out, err := s.policies.create(p)
	if err == nil {
		s.notify(KindPolicy, EventCreated, p.ID)
	}
	return out, err
}

func (s *MemoryStore) UpdatePolicy(p *core.NetworkPolicy) (*core.NetworkPolicy, error) {
	out, err := s.policies.update(p)
	if err == nil {
		s.notify(KindPolicy, EventUpdated, p.ID)
	}
	return out, err
}

func (s *MemoryStore) DeletePolicy(id string) error {
	err := s.policies.delete(id)
	if err == nil {
		s.notify(KindPolicy, EventDeleted, id)
	}
	return err
}

func (s *MemoryStore) AppendHistory(e core.PodHistoryEntry) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	if e.Timestamp == 0 {
		e.Timestamp = core.Millis(s.clock.Now())
	}
	s.history[e.PodID] = append(s.history[e.PodID], e)
}

func (s *MemoryStore) ListHistory(podID string) []core.PodHistoryEntry {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	return append([]core.PodHistoryEntry(nil), s.history[podID]...)
}
