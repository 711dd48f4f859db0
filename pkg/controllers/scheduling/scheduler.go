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

// Package scheduling reconciles desired replica counts into pod placement
// decisions. The scheduler is a singleton loop woken by a ticker, service
// mutations, pod terminal transitions and node status changes; each cycle
// works from a snapshot it treats as advisory, and the pod lifecycle
// controller enforces the final transitions.
package scheduling

import (
	"context"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/events"
	"github.com/stark-run/stark/pkg/metrics"
	"github.com/stark-run/stark/pkg/state"
)

const (
	DefaultTick             = 2 * time.Second
	DefaultFailureThreshold = 3

	// lastNodeAnnotation records the node a replacement's predecessor
	// failed on, so placement can prefer somewhere else.
	lastNodeAnnotation = "stark.last-node"

	backoffBase = 5 * time.Second
	backoffCap  = 5 * time.Minute
)

// RolloutInfo annotates a stop that is part of a rolling version change.
type RolloutInfo struct {
	PreviousVersion string
	NewVersion      string
}

// PodDriver is the scheduler's handle on the pod lifecycle controller,
// which is the sole writer of pod status.
type PodDriver interface {
	Create(pod *core.Pod) (*core.Pod, error)
	Schedule(podID, nodeID string) error
	Stop(podID, reason string, rollout *RolloutInfo) error
	Evict(podID, reason string) error
}

type backoffEntry struct {
	failures int
	until    time.Time
}

type Scheduler struct {
	log      logr.Logger
	store    state.Store
	driver   PodDriver
	recorder events.Recorder
	clock    clock.Clock

	tick             time.Duration
	failureThreshold int

	trigger chan struct{}
	backoff map[string]backoffEntry
}

func NewScheduler(log logr.Logger, store state.Store, driver PodDriver, recorder events.Recorder, clk clock.Clock) *Scheduler {
	return &Scheduler{
		log:              log.WithName("scheduler"),
		store:            store,
		driver:           driver,
		recorder:         recorder,
		clock:            clk,
		tick:             DefaultTick,
		failureThreshold: DefaultFailureThreshold,
		trigger:          make(chan struct{}, 1),
		backoff:          map[string]backoffEntry{},
	}
}

// WithTick overrides the cycle interval.
func (s *Scheduler) WithTick(d time.Duration) *Scheduler {
	s.tick = d
	return s
}

// WithFailureThreshold overrides the consecutive-failure limit.
func (s *Scheduler) WithFailureThreshold(n int) *Scheduler {
	s.failureThreshold = n
	return s
}

// Trigger requests an immediate cycle; concurrent triggers coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. Store mutations wake the loop between
// ticks.
func (s *Scheduler) Run(ctx context.Context) {
	updates := s.store.Subscribe(128)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-updates:
				s.Trigger()
			}
		}
	}()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		s.Reconcile(ctx)
	}
}

// Reconcile runs one full scheduling cycle.
func (s *Scheduler) Reconcile(ctx context.Context) {
	start := s.clock.Now()
	defer func() {
		metrics.SchedulerCycleDuration.Observe(s.clock.Since(start).Seconds())
	}()

	cluster := state.Snapshot(s.store)
	packs := map[string]*core.Pack{}
	packFor := func(id string) *core.Pack {
		if p, ok := packs[id]; ok {
			return p
		}
		p, err := s.store.GetPack(id)
		if err != nil {
			return nil
		}
		packs[id] = p
		return p
	}

	var workloads []workload
	for _, svc := range s.store.ListServices() {
		workloads = append(workloads, fromService(svc))
	}
	for _, dep := range s.store.ListDeployments() {
		workloads = append(workloads, fromDeployment(dep))
	}

	for _, w := range workloads {
		pack := packFor(w.PackID)
		if pack == nil {
			s.log.V(1).Info("skipping workload with unknown pack", "workload", w.ID, "pack", w.PackID)
			continue
		}
		if w.FollowLatest {
			if latest := s.latestPack(pack); latest.ID != pack.ID || latest.Version != w.PackVersion {
				w.PackID, w.PackVersion = latest.ID, latest.Version
				pack = latest
			}
		}
		if w.DaemonSet() {
			s.reconcileDaemonSet(w, pack, cluster)
		} else {
			s.reconcileReplicas(w, cluster)
		}
	}

	pending := lo.Filter(cluster.Pods, func(p *core.Pod, _ int) bool { return p.Status == core.PodPending })
	for _, pod := range pending {
		s.placePod(pod, cluster, packFor)
	}
	metrics.PendingPods.Set(float64(len(pending)))

	s.writeObservedCounts(cluster)
}

// latestPack returns the newest published pack sharing the pack's name
// and namespace; publication time breaks first, version string second.
// Follow-latest workloads roll to it through the ordinary rollout path.
func (s *Scheduler) latestPack(current *core.Pack) *core.Pack {
	latest := current
	for _, p := range s.store.ListPacks() {
		if p.Name != current.Name || p.Namespace != current.Namespace {
			continue
		}
		if p.CreatedAt > latest.CreatedAt ||
			(p.CreatedAt == latest.CreatedAt && p.Version > latest.Version) {
			latest = p
		}
	}
	return latest
}

// reconcileReplicas drives count(active pods) toward the desired replica
// count and advances any in-flight rollout.
func (s *Scheduler) reconcileReplicas(w workload, cluster *state.Cluster) {
	active := cluster.ActivePodsForOwner(w.ID)
	diff := w.Replicas - len(active)

	switch {
	case diff > 0:
		if !s.creationAllowed(w, cluster) {
			return
		}
		for i := 0; i < diff; i++ {
			s.createPod(w, cluster)
		}
	case diff < 0:
		// youngest first so long-lived pods keep their sticky callers
		sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt > active[j].CreatedAt })
		for _, p := range active[:(-diff)] {
			if err := s.driver.Stop(p.ID, "ScaleDown", nil); err != nil {
				s.log.V(1).Info("stopping excess pod", "pod", p.ID, "error", err.Error())
			}
		}
	}

	s.advanceRollout(w, cluster)
}

// advanceRollout gracefully stops old-version pods in batches of
// maxUnavailable, never letting running pods drop below
// replicas - maxUnavailable; replacements fall out of the replica diff on
// subsequent cycles.
func (s *Scheduler) advanceRollout(w workload, cluster *state.Cluster) {
	active := cluster.ActivePodsForOwner(w.ID)
	old := lo.Filter(active, func(p *core.Pod, _ int) bool { return p.PackVersion != w.PackVersion })
	if len(old) == 0 {
		return
	}
	running := lo.CountBy(active, func(p *core.Pod) bool { return p.Status == core.PodRunning })
	unavailable := w.Replicas - running
	canStop := w.MaxUnavailable() - unavailable
	if canStop <= 0 {
		return
	}
	// oldest first: replace the longest-running pods before their peers
	sort.Slice(old, func(i, j int) bool { return old[i].CreatedAt < old[j].CreatedAt })
	stopped := 0
	for _, p := range old {
		if stopped >= canStop {
			break
		}
		if p.Status != core.PodRunning {
			continue
		}
		info := &RolloutInfo{PreviousVersion: p.PackVersion, NewVersion: w.PackVersion}
		if err := s.driver.Stop(p.ID, "Rollout", info); err != nil {
			s.log.V(1).Info("stopping pod for rollout", "pod", p.ID, "error", err.Error())
			continue
		}
		stopped++
	}
	if stopped > 0 && w.Kind == kindService {
		if svc, err := s.store.GetService(w.ID); err == nil {
			s.recorder.RolloutProgress(svc, old[0].PackVersion, w.PackVersion, stopped)
		}
	}
}

// reconcileDaemonSet ensures exactly one pod per eligible node.
func (s *Scheduler) reconcileDaemonSet(w workload, pack *core.Pack, cluster *state.Cluster) {
	pods := cluster.ActivePodsForOwner(w.ID)
	byNode := lo.GroupBy(lo.Filter(pods, func(p *core.Pod, _ int) bool { return p.NodeID != "" }),
		func(p *core.Pod) string { return p.NodeID })

	want := sets.New[string]()
	for _, n := range eligibleNodes(w, pack, cluster) {
		want.Insert(n.Node.ID)
		if len(byNode[n.Node.ID]) > 0 {
			continue
		}
		pod := s.createPod(w, cluster)
		if pod == nil {
			continue
		}
		if err := s.driver.Schedule(pod.ID, n.Node.ID); err != nil {
			s.log.V(1).Info("scheduling daemonset pod", "pod", pod.ID, "error", err.Error())
			continue
		}
		cluster.Bind(pod, n.Node.ID)
	}
	// one pod per node: stop strays and duplicates
	for nodeID, nodePods := range byNode {
		extras := nodePods
		if want.Has(nodeID) {
			extras = nodePods[1:]
		}
		for _, p := range extras {
			if err := s.driver.Stop(p.ID, "NodeIneligible", nil); err != nil {
				s.log.V(1).Info("stopping stray daemonset pod", "pod", p.ID, "error", err.Error())
			}
		}
	}
}

// createPod persists a pending pod for the workload. Replacements after a
// failure inherit the failure count and remember the node they died on.
func (s *Scheduler) createPod(w workload, cluster *state.Cluster) *core.Pod {
	labels := map[string]string{}
	for k, v := range w.Labels {
		labels[k] = v
	}
	pod := &core.Pod{
		ID:               uuid.NewString(),
		PackID:           w.PackID,
		PackVersion:      w.PackVersion,
		Namespace:        w.Namespace,
		Status:           core.PodPending,
		ResourceRequests: w.Resources.Requests,
		ResourceLimits:   w.Resources.Limits,
		Labels:           labels,
	}
	if w.Kind == kindService {
		pod.ServiceID = w.ID
	} else {
		pod.DeploymentID = w.ID
	}
	if last := s.lastFailure(w.ID, cluster); last != nil {
		pod.ConsecutiveFailures = last.ConsecutiveFailures + 1
		if last.NodeID != "" {
			pod.Annotations = map[string]string{lastNodeAnnotation: last.NodeID}
		}
	}
	created, err := s.driver.Create(pod)
	if err != nil {
		s.log.Error(err, "creating pod", "workload", w.ID)
		return nil
	}
	cluster.Pods = append(cluster.Pods, created)
	return created
}

// lastFailure returns the most recent failed pod of the owner, if any.
func (s *Scheduler) lastFailure(ownerID string, cluster *state.Cluster) *core.Pod {
	failed := lo.Filter(cluster.PodsForOwner(ownerID), func(p *core.Pod, _ int) bool {
		return p.Status == core.PodFailed
	})
	if len(failed) == 0 {
		return nil
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].UpdatedAt > failed[j].UpdatedAt })
	return failed[0]
}

// creationAllowed gates replacement creation behind the failure threshold
// and its exponential backoff.
func (s *Scheduler) creationAllowed(w workload, cluster *state.Cluster) bool {
	last := s.lastFailure(w.ID, cluster)
	if last == nil {
		delete(s.backoff, w.ID)
		return true
	}
	if last.ConsecutiveFailures+1 >= s.failureThreshold {
		entry, ok := s.backoff[w.ID]
		now := s.clock.Now()
		if ok && now.Before(entry.until) {
			return false
		}
		entry.failures++
		delay := backoffBase * time.Duration(1<<uint(lo.Min([]int{entry.failures, 6})))
		if delay > backoffCap {
			delay = backoffCap
		}
		entry.until = now.Add(delay)
		s.backoff[w.ID] = entry
		if w.Kind == kindService {
			if svc, err := s.store.GetService(w.ID); err == nil && svc.Status != core.ServiceDegraded {
				svc.Status = core.ServiceDegraded
				if _, err := s.store.UpdateService(svc); err == nil {
					s.recorder.ServiceDegraded(svc, "pods failing repeatedly")
				}
			}
		}
	}
	return true
}

// placePod runs the placement pipeline for one pending pod and commits
// the decision through the driver.
func (s *Scheduler) placePod(pod *core.Pod, cluster *state.Cluster, packFor func(string) *core.Pack) {
	w, ok := s.workloadFor(pod)
	if !ok {
		return
	}
	pack := packFor(w.PackID)
	if pack == nil {
		return
	}

	exclude := sets.New[string]()
	if last, ok := pod.Annotations[lastNodeAnnotation]; ok {
		exclude.Insert(last)
	}
	node, err := place(w, pack, cluster, exclude)
	if err != nil && exclude.Len() > 0 {
		// a repeat of the failed node beats not running at all
		node, err = place(w, pack, cluster, nil)
	}
	if err == nil {
		if err := s.driver.Schedule(pod.ID, node.Node.ID); err != nil {
			s.log.V(1).Info("committing placement", "pod", pod.ID, "node", node.Node.ID, "error", err.Error())
			return
		}
		cluster.Bind(pod, node.Node.ID)
		return
	}

	if w.PreemptEligible() {
		if plan := planPreemption(w, pack, cluster); plan != nil {
			for _, victim := range plan.victims {
				if err := s.driver.Evict(victim.ID, "Preempted"); err != nil {
					s.log.V(1).Info("evicting victim", "pod", victim.ID, "error", err.Error())
					continue
				}
				s.recorder.PodPreempted(victim, w.ID)
				metrics.Preemptions.Inc()
			}
			// placement is retried next cycle once the victims drain
			return
		}
	}

	metrics.PlacementFailures.Inc()
	s.recorder.PodScheduleFailed(pod, err)
	if fresh, gerr := s.store.GetPod(pod.ID); gerr == nil {
		fresh.ConsecutiveFailures++
		fresh.StatusMessage = err.Error()
		if _, uerr := s.store.UpdatePod(fresh); uerr != nil && !errors.IsConflict(uerr) {
			s.log.Error(uerr, "recording placement failure", "pod", pod.ID)
		}
	}
}

func (s *Scheduler) workloadFor(pod *core.Pod) (workload, bool) {
	if pod.ServiceID != "" {
		svc, err := s.store.GetService(pod.ServiceID)
		if err != nil {
			return workload{}, false
		}
		w := fromService(svc)
		// a mid-rollout pod keeps the version it was created with
		w.PackVersion = pod.PackVersion
		return w, true
	}
	dep, err := s.store.GetDeployment(pod.DeploymentID)
	if err != nil {
		return workload{}, false
	}
	w := fromDeployment(dep)
	w.PackVersion = pod.PackVersion
	return w, true
}

// writeObservedCounts copies running counts back onto services and
// deployments.
func (s *Scheduler) writeObservedCounts(cluster *state.Cluster) {
	for _, svc := range s.store.ListServices() {
		running := lo.CountBy(cluster.PodsForOwner(svc.ID), func(p *core.Pod) bool { return p.Status == core.PodRunning })
		ready := svc.Status
		if running >= svc.Replicas && svc.Replicas > 0 && ready != core.ServiceDegraded {
			ready = core.ServiceReady
		} else if ready != core.ServiceDegraded {
			ready = core.ServiceProgressing
		}
		if svc.ReadyReplicas == running && svc.AvailableReplicas == running && svc.Status == ready {
			continue
		}
		svc.ReadyReplicas = running
		svc.AvailableReplicas = running
		svc.Status = ready
		if _, err := s.store.UpdateService(svc); err != nil && !errors.IsConflict(err) {
			s.log.Error(err, "writing observed counts", "service", svc.ID)
		}
	}
	for _, dep := range s.store.ListDeployments() {
		running := lo.CountBy(cluster.PodsForOwner(dep.ID), func(p *core.Pod) bool { return p.Status == core.PodRunning })
		if dep.ReadyReplicas == running && dep.AvailableReplicas == running {
			continue
		}
		dep.ReadyReplicas = running
		dep.AvailableReplicas = running
		if _, err := s.store.UpdateDeployment(dep); err != nil && !errors.IsConflict(err) {
			s.log.Error(err, "writing observed counts", "deployment", dep.ID)
		}
	}
}
