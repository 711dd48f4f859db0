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

// Package agent runs one node: it keeps the orchestrator session alive,
// hosts pod processes, and serves their overlay traffic.
package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/agent/ephemeral"
	"github.com/stark-run/stark/pkg/agent/netstack"
	"github.com/stark-run/stark/pkg/agent/options"
	"github.com/stark-run/stark/pkg/agent/runtime"
	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/protocol"
)

// portMetadataKey names the pack metadata entry holding the loopback
// port the pod process serves overlay requests on.
const portMetadataKey = "port"

const tokenRefreshInterval = 20 * time.Minute

type Agent struct {
	Log       logr.Logger
	Options   *options.Options
	Session   *SessionClient
	Runtime   *runtime.Runtime
	Netstack  *netstack.Netstack
	Ephemeral *ephemeral.Client
	Proxy     *netstack.Proxy

	proxySocket string
	stopGrace   time.Duration
}

// NewLogger builds the agent's process logger.
func NewLogger(level string) logr.Logger {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	z, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return zapr.NewLogger(z)
}

func New(opts *options.Options, log logr.Logger) *Agent {
	clk := clock.RealClock{}
	a := &Agent{
		Log:         log,
		Options:     opts,
		proxySocket: filepath.Join(opts.WorkDir, "netstack.sock"),
		stopGrace:   10 * time.Second,
	}

	a.Runtime = runtime.NewRuntime(log, opts.WorkDir, clk, a.reportStatus, runtime.WithProxySocket(a.proxySocket))
	a.Session = NewSessionClient(log, SessionConfig{
		URL:          opts.OrchestratorURL,
		Token:        opts.Token,
		NodeName:     opts.NodeName,
		RuntimeType:  core.RuntimeServer,
		Capabilities: opts.CapabilityList(),
		Labels:       opts.LabelMap(),
		Allocatable: core.Resources{
			CPUMillis:   opts.CPUMillis,
			MemoryBytes: opts.MemoryBytes,
			Pods:        opts.MaxPods,
		},
		HeartbeatInterval: opts.HeartbeatInterval,
	}, a.Runtime)
	a.Netstack = netstack.NewNetstack(log, a.Session, clk)
	a.Ephemeral = ephemeral.NewClient(log, a.Session, a.Netstack, clk)
	a.Session.OnEstablished(a.Netstack.SetNodeID)
	a.Proxy = netstack.NewProxy(log, a.Netstack, a.Netstack.PodToken)

	a.Session.RegisterHandler(protocol.TypePodDeploy, a.handleDeploy)
	a.Session.RegisterHandler(protocol.TypePodStop, a.handleStop)
	for _, t := range []protocol.MessageType{protocol.TypeSignalOffer, protocol.TypeSignalAnswer, protocol.TypeSignalICE} {
		a.Session.RegisterHandler(t, a.handleSignal)
	}
	return a
}

// Run serves the node until ctx is cancelled, then drains hosted pods.
func (a *Agent) Run(ctx context.Context) {
	go a.Netstack.RunTokenRefresh(ctx, tokenRefreshInterval)
	go func() {
		if err := a.Proxy.ListenUnix(ctx, a.proxySocket); err != nil {
			a.Log.Error(err, "netstack proxy stopped")
		}
	}()
	a.Session.Run(ctx)
	a.Runtime.StopAll(a.stopGrace)
}

// reportStatus forwards runtime transitions to the orchestrator and
// keeps the overlay in sync.
func (a *Agent) reportStatus(podID string, status core.PodStatus, message string) {
	if status.Terminal() || status == core.PodStopped {
		a.Netstack.UnregisterPod(podID)
	}
	a.Session.Send(protocol.NewMessage(protocol.TypePodStatus, "", protocol.PodStatusPayload{
		PodID:   podID,
		Status:  status,
		Message: message,
	}))
}

func (a *Agent) handleDeploy(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	var payload protocol.PodDeployPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding deploy")
	}
	if payload.Pod == nil || payload.Pack == nil {
		return nil, errors.New(errors.KindInvalid, "deploy without pod or pack")
	}
	if err := a.Runtime.Deploy(ctx, payload); err != nil {
		return nil, err
	}

	port := 0
	if v, ok := payload.Pack.Metadata[portMetadataKey]; ok {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	a.Netstack.RegisterPod(netstack.LocalPod{
		PodID:        payload.Pod.ID,
		ServiceID:    payload.Pod.ServiceID,
		Namespace:    payload.Pod.Namespace,
		Token:        payload.PodToken,
		RefreshToken: payload.RefreshToken,
		Port:         port,
	})
	a.Log.Info("pod deployed", "pod", payload.Pod.ID, "pack", payload.Pack.Name, "version", payload.Pack.Version)
	reply := protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, nil)
	return &reply, nil
}

func (a *Agent) handleStop(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	var payload protocol.PodStopPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding stop")
	}
	grace := time.Duration(payload.GracePeriodMS) * time.Millisecond
	if grace <= 0 {
		grace = a.stopGrace
	}
	a.Log.Info("stopping pod", "pod", payload.PodID, "reason", payload.Reason, "grace", grace.String())
	if err := a.Runtime.Stop(payload.PodID, grace); err != nil {
		if errors.IsNotFound(err) {
			// already gone; settle the record
			a.reportStatus(payload.PodID, core.PodStopped, "")
			reply := protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, nil)
			return &reply, nil
		}
		return nil, err
	}
	reply := protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, nil)
	return &reply, nil
}

func (a *Agent) handleSignal(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	var payload protocol.SignalPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding signal")
	}
	if err := a.Netstack.HandleSignal(msg.Type, payload); err != nil {
		return nil, err
	}
	return nil, nil
}
