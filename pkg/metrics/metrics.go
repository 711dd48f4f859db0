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

// Package metrics registers the orchestrator's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "stark"

var (
	Registry = prometheus.NewRegistry()

	SchedulerCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one scheduling cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	PendingPods = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "pending_pods",
		Help:      "Pods awaiting placement at the end of the last cycle.",
	})
	PlacementFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "placement_failures_total",
		Help:      "Placement attempts that found no fitting node.",
	})
	Preemptions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "preemptions_total",
		Help:      "Victim pods evicted to admit a higher-priority pod.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "hub",
		Name:      "active_sessions",
		Help:      "Agent sessions currently connected.",
	})
	HeartbeatAge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "hub",
		Name:      "heartbeat_age_seconds",
		Help:      "Seconds since the last heartbeat, per node.",
	}, []string{"node"})

	PolicyDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "netpolicy",
		Name:      "decisions_total",
		Help:      "Policy decisions by outcome.",
	}, []string{"outcome"})

	SignalsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "signaling",
		Name:      "frames_relayed_total",
		Help:      "Signaling frames relayed by type.",
	}, []string{"type"})

	PodGroupMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "podgroup",
		Name:      "members",
		Help:      "Visible members per group.",
	}, []string{"group"})

	PodTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "lifecycle",
		Name:      "pod_transitions_total",
		Help:      "Pod state transitions by edge.",
	}, []string{"from", "to"})
)

func init() {
	Registry.MustRegister(
		SchedulerCycleDuration,
		PendingPods,
		PlacementFailures,
		Preemptions,
		ActiveSessions,
		HeartbeatAge,
		PolicyDecisions,
		SignalsRelayed,
		PodGroupMembers,
		PodTransitions,
	)
}
