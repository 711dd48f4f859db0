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

// Package events records operational events about pods, services and nodes
// so actions are observable without log inspection.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"

	"github.com/stark-run/stark/pkg/apis/core"
)

type Severity string

const (
	SeverityNormal  Severity = "Normal"
	SeverityWarning Severity = "Warning"
)

type Event struct {
	Severity Severity
	Reason   string
	About    string
	Message  string
}

// Recorder is used by controllers to surface notable happenings. Repeated
// identical events within the dedupe window are suppressed.
type Recorder interface {
	PodScheduleFailed(pod *core.Pod, err error)
	PodPreempted(pod *core.Pod, byService string)
	NodeLost(node *core.Node)
	ServiceDegraded(svc *core.Service, reason string)
	RolloutProgress(svc *core.Service, oldVersion, newVersion string, replaced int)
	PolicyDenied(source, target string)
}

type recorder struct {
	log    logr.Logger
	dedupe *cache.Cache

	mu     sync.Mutex
	events []Event
}

const dedupeTTL = 2 * time.Minute

func NewRecorder(log logr.Logger) Recorder {
	return &recorder{
		log:    log,
		dedupe: cache.New(dedupeTTL, dedupeTTL),
	}
}

func (r *recorder) record(e Event) {
	key := fmt.Sprintf("%s/%s/%s", e.Reason, e.About, e.Message)
	if _, seen := r.dedupe.Get(key); seen {
		return
	}
	r.dedupe.SetDefault(key, struct{}{})
	r.mu.Lock()
	r.events = append(r.events, e)
	if len(r.events) > 1000 {
		r.events = r.events[len(r.events)-1000:]
	}
	r.mu.Unlock()
	r.log.Info(e.Message, "reason", e.Reason, "about", e.About, "severity", e.Severity)
}

func (r *recorder) PodScheduleFailed(pod *core.Pod, err error) {
	r.record(Event{
		Severity: SeverityWarning,
		Reason:   "PodScheduleFailed",
		About:    pod.ID,
		Message:  fmt.Sprintf("no node fits pod %s, %s", pod.ID, err),
	})
}

func (r *recorder) PodPreempted(pod *core.Pod, byService string) {
	r.record(Event{
		Severity: SeverityWarning,
		Reason:   "PodPreempted",
		About:    pod.ID,
		Message:  fmt.Sprintf("pod %s evicted to make room for service %s", pod.ID, byService),
	})
}

func (r *recorder) NodeLost(node *core.Node) {
	r.record(Event{
		Severity: SeverityWarning,
		Reason:   "NodeLost",
		About:    node.ID,
		Message:  fmt.Sprintf("node %s stopped heartbeating and was marked lost", node.Name),
	})
}

func (r *recorder) ServiceDegraded(svc *core.Service, reason string) {
	r.record(Event{
		Severity: SeverityWarning,
		Reason:   "ServiceDegraded",
		About:    svc.ID,
		Message:  fmt.Sprintf("service %s degraded, %s", svc.Name, reason),
	})
}

func (r *recorder) RolloutProgress(svc *core.Service, oldVersion, newVersion string, replaced int) {
	r.record(Event{
		Severity: SeverityNormal,
		Reason:   "RolloutProgress",
		About:    svc.ID,
		Message:  fmt.Sprintf("service %s rolling %s -> %s, %d replaced", svc.Name, oldVersion, newVersion, replaced),
	})
}

func (r *recorder) PolicyDenied(source, target string) {
	r.record(Event{
		Severity: SeverityWarning,
		Reason:   "PolicyDenied",
		About:    target,
		Message:  fmt.Sprintf("traffic from %s to %s denied", source, target),
	})
}

// Recent returns up to the last n recorded events, newest last.
func Recent(r Recorder, n int) []Event {
	rec, ok := r.(*recorder)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if n > len(rec.events) {
		n = len(rec.events)
	}
	return append([]Event(nil), rec.events[len(rec.events)-n:]...)
}
