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

// Package operator assembles the orchestrator: state, registries, the
// session hub, the control loops, and the HTTP surfaces.
package operator

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/admin"
	"github.com/stark-run/stark/pkg/auth"
	"github.com/stark-run/stark/pkg/controllers/lifecycle"
	"github.com/stark-run/stark/pkg/controllers/nodehealth"
	"github.com/stark-run/stark/pkg/controllers/scheduling"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/events"
	"github.com/stark-run/stark/pkg/hub"
	"github.com/stark-run/stark/pkg/metrics"
	"github.com/stark-run/stark/pkg/netpolicy"
	"github.com/stark-run/stark/pkg/operator/options"
	"github.com/stark-run/stark/pkg/podgroup"
	"github.com/stark-run/stark/pkg/protocol"
	"github.com/stark-run/stark/pkg/registry"
	"github.com/stark-run/stark/pkg/signaling"
	"github.com/stark-run/stark/pkg/state"
)

type Operator struct {
	Options *options.Options
	Log     logr.Logger
	Clock   clock.Clock

	Store    state.Store
	Nodes    *registry.NodeRegistry
	Services *registry.ServiceRegistry
	Policy   *netpolicy.Engine
	Groups   *podgroup.Store
	Recorder events.Recorder

	Hub        *hub.Hub
	Scheduler  *scheduling.Scheduler
	Lifecycle  *lifecycle.Controller
	NodeHealth *nodehealth.Controller
}

// NewLogger builds the process logger in production zap config at the
// configured level.
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

func NewOperator(opts *options.Options, log logr.Logger) *Operator {
	clk := clock.RealClock{}
	store := state.NewMemoryStore(clk)
	nodes := registry.NewNodeRegistry(store, clk)
	services := registry.NewServiceRegistry(store)
	policy := netpolicy.NewEngine(store, clk)
	groups := podgroup.NewStore(clk, opts.PodGroupMaxMembers)
	recorder := events.NewRecorder(log.WithName("events"))

	verifier := auth.StaticVerifier{Token: opts.AuthSecret, User: auth.User{ID: "agent"}}
	tokens := auth.NewPodTokenIssuer([]byte(opts.AuthSecret), opts.TokenValidity, clk)

	sessions := hub.NewHub(log, verifier, nodes, opts.RequestTimeout)
	lc := lifecycle.NewController(log, store, sessions, services, tokens, clk)
	lc.RegisterHandlers(sessions)

	scheduler := scheduling.NewScheduler(log, store, lc, recorder, clk).
		WithTick(opts.SchedulerTick).
		WithFailureThreshold(opts.FailureThreshold)

	health := nodehealth.NewController(log, nodes, lc, scheduler, recorder, clk).
		WithThresholds(opts.NotReadyAfter, opts.LostAfter)
	sessions.OnSessionClosed(health.OnSessionClosed)

	signaling.NewRelay(log, sessions, store, policy, tokens)
	signaling.NewControl(store, services, policy).Register(sessions)
	podgroup.NewHandlers(groups, store, opts.PodGroupTTL).Register(sessions)

	o := &Operator{
		Options:    opts,
		Log:        log,
		Clock:      clk,
		Store:      store,
		Nodes:      nodes,
		Services:   services,
		Policy:     policy,
		Groups:     groups,
		Recorder:   recorder,
		Hub:        sessions,
		Scheduler:  scheduler,
		Lifecycle:  lc,
		NodeHealth: health,
	}
	sessions.RegisterHandler(protocol.TypeHeartbeat, o.handleHeartbeat)
	return o
}

// handleHeartbeat folds a heartbeat into the node record and reconciles
// the per-pod liveness it carries.
func (o *Operator) handleHeartbeat(ctx context.Context, s *hub.Session, msg protocol.Message) (*protocol.Message, error) {
	var p protocol.HeartbeatPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, errors.Wrap(errors.KindInvalid, err, "decoding heartbeat")
	}
	if _, err := o.Nodes.Heartbeat(s.NodeID, p.UsedResources); err != nil {
		return nil, err
	}
	o.Lifecycle.ReconcileHeartbeat(s.NodeID, p.PodStatuses)
	if msg.CorrelationID == "" {
		return nil, nil
	}
	reply := protocol.NewMessage(protocol.TypeAck, msg.CorrelationID, nil)
	return &reply, nil
}

// Start runs the control loops and HTTP servers until ctx is cancelled.
func (o *Operator) Start(ctx context.Context) error {
	go o.Scheduler.Run(ctx)
	go o.NodeHealth.Run(ctx)
	go o.Groups.RunReaper(ctx, o.Options.ReaperInterval)

	adminServer := admin.NewServer(o.Log, o.Store, o.Nodes, o.Policy, o.Groups, o.Recorder, o.Lifecycle, o.Scheduler)

	sessionMux := http.NewServeMux()
	sessionMux.Handle("/session", o.Hub)
	sessionMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	servers := []*http.Server{
		{Addr: o.Options.ListenAddr, Handler: sessionMux},
		{Addr: o.Options.MetricsAddr, Handler: metricsMux},
		{Addr: o.Options.AdminAddr, Handler: adminServer.Router()},
	}
	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}
