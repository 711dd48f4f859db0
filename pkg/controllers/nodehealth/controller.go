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

// Package nodehealth ages node heartbeats into status changes. A node
// that misses heartbeats turns NotReady, and after a longer silence is
// declared Lost, which fails its pods so the scheduler replaces them.
package nodehealth

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/events"
	"github.com/stark-run/stark/pkg/metrics"
	"github.com/stark-run/stark/pkg/registry"
)

const (
	DefaultNotReadyAfter = 45 * time.Second
	DefaultLostAfter     = 150 * time.Second
	DefaultInterval      = 5 * time.Second
)

// PodFailer is implemented by the lifecycle controller.
type PodFailer interface {
	FailPodsOnNode(nodeID, reason string)
}

// Waker retriggers the scheduler after pods are failed.
type Waker interface {
	Trigger()
}

type Controller struct {
	log      logr.Logger
	nodes    *registry.NodeRegistry
	pods     PodFailer
	waker    Waker
	recorder events.Recorder
	clock    clock.WithTicker

	notReadyAfter time.Duration
	lostAfter     time.Duration
	interval      time.Duration
}

func NewController(log logr.Logger, nodes *registry.NodeRegistry, pods PodFailer, waker Waker, recorder events.Recorder, clk clock.WithTicker) *Controller {
	return &Controller{
		log:           log.WithName("nodehealth"),
		nodes:         nodes,
		pods:          pods,
		waker:         waker,
		recorder:      recorder,
		clock:         clk,
		notReadyAfter: DefaultNotReadyAfter,
		lostAfter:     DefaultLostAfter,
		interval:      DefaultInterval,
	}
}

func (c *Controller) WithThresholds(notReady, lost time.Duration) *Controller {
	c.notReadyAfter = notReady
	c.lostAfter = lost
	return c
}

func (c *Controller) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.Reconcile()
		}
	}
}

// Reconcile ages every node's last heartbeat. Cordoned and draining
// nodes keep their operator-set status until they go silent long enough
// to be lost.
func (c *Controller) Reconcile() {
	now := c.clock.Now()
	for _, n := range c.nodes.List(registry.NodeFilter{}) {
		age := now.Sub(core.FromMillis(n.LastHeartbeat))
		metrics.HeartbeatAge.WithLabelValues(n.ID).Set(age.Seconds())
		switch {
		case age >= c.lostAfter && n.Status != core.NodeLost:
			c.log.Info("node lost", "node", n.Name, "heartbeatAge", age.String())
			if _, err := c.nodes.MarkLost(n.ID); err != nil {
				c.log.Error(err, "marking node lost", "node", n.ID)
				continue
			}
			c.recorder.NodeLost(n)
			c.pods.FailPodsOnNode(n.ID, "NodeLost")
			c.waker.Trigger()
		case age >= c.notReadyAfter && n.Status == core.NodeReady:
			c.log.V(1).Info("node not ready", "node", n.Name, "heartbeatAge", age.String())
			if _, err := c.nodes.UpdateStatus(n.ID, core.NodeNotReady); err != nil {
				c.log.Error(err, "marking node not ready", "node", n.ID)
			}
		}
	}
}

// OnSessionClosed marks a node NotReady as soon as its session drops,
// rather than waiting for the heartbeat to age out.
func (c *Controller) OnSessionClosed(nodeID string) {
	n, err := c.nodes.Get(nodeID)
	if err != nil || n.Status != core.NodeReady {
		return
	}
	if _, err := c.nodes.UpdateStatus(nodeID, core.NodeNotReady); err != nil {
		c.log.Error(err, "marking node not ready on disconnect", "node", nodeID)
	}
}
