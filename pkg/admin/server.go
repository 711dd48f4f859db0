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

// Package admin exposes the operator-facing HTTP API: workload CRUD,
// scaling and rollouts, node administration, network policies, and
// observability endpoints.
package admin

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/events"
	"github.com/stark-run/stark/pkg/netpolicy"
	"github.com/stark-run/stark/pkg/podgroup"
	"github.com/stark-run/stark/pkg/registry"
	"github.com/stark-run/stark/pkg/state"
)

// Evictor terminates pods on behalf of operators.
type Evictor interface {
	Evict(podID, reason string) error
}

// Waker retriggers the scheduler after admin mutations.
type Waker interface {
	Trigger()
}

type Server struct {
	log      logr.Logger
	store    state.Store
	nodes    *registry.NodeRegistry
	policy   *netpolicy.Engine
	groups   *podgroup.Store
	recorder events.Recorder
	evictor  Evictor
	waker    Waker
}

func NewServer(log logr.Logger, store state.Store, nodes *registry.NodeRegistry, policy *netpolicy.Engine, groups *podgroup.Store, recorder events.Recorder, evictor Evictor, waker Waker) *Server {
	return &Server{
		log:      log.WithName("admin"),
		store:    store,
		nodes:    nodes,
		policy:   policy,
		groups:   groups,
		recorder: recorder,
		evictor:  evictor,
		waker:    waker,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/services", func(r chi.Router) {
			r.Get("/", s.listServices)
			r.Post("/", s.createService)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getService)
				r.Put("/", s.updateService)
				r.Delete("/", s.deleteService)
				r.Post("/scale", s.scaleService)
				r.Post("/rollout", s.rolloutService)
			})
		})
		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", s.listDeployments)
			r.Post("/", s.createDeployment)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getDeployment)
				r.Put("/", s.updateDeployment)
				r.Delete("/", s.deleteDeployment)
			})
		})
		r.Route("/packs", func(r chi.Router) {
			r.Get("/", s.listPacks)
			r.Post("/", s.createPack)
			r.Get("/{id}", s.getPack)
			r.Delete("/{id}", s.deletePack)
		})
		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.listNodes)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getNode)
				r.Post("/cordon", s.cordonNode)
				r.Post("/uncordon", s.uncordonNode)
				r.Post("/drain", s.drainNode)
				r.Delete("/", s.deregisterNode)
			})
		})
		r.Route("/pods", func(r chi.Router) {
			r.Get("/", s.listPods)
			r.Get("/{id}", s.getPod)
			r.Get("/{id}/history", s.podHistory)
			r.Post("/{id}/evict", s.evictPod)
		})
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", s.listPolicies)
			r.Post("/", s.putPolicy)
			r.Delete("/", s.removePolicy)
		})
		r.Get("/podgroups", s.listGroups)
		r.Get("/podgroups/{id}", s.getGroup)
		r.Get("/events", s.listEvents)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.KindOf(err) {
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindConflict:
		status = http.StatusConflict
	case errors.KindInvalid:
		status = http.StatusBadRequest
	case errors.KindAuth, errors.KindPolicyDenied:
		status = http.StatusForbidden
	case errors.KindResourceExhausted:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{
		"kind":  string(errors.KindOf(err)),
		"error": err.Error(),
	})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errors.KindInvalid, err, "decoding request body")
	}
	return nil
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListServices())
}

func (s *Server) createService(w http.ResponseWriter, r *http.Request) {
	var svc core.Service
	if err := decode(r, &svc); err != nil {
		writeError(w, err)
		return
	}
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	if svc.Namespace == "" {
		svc.Namespace = core.NamespaceUser
	}
	if svc.Visibility == "" {
		svc.Visibility = core.VisibilityPrivate
	}
	svc.Status = core.ServiceProgressing
	created, err := s.store.CreateService(&svc)
	if err != nil {
		writeError(w, err)
		return
	}
	s.waker.Trigger()
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.store.GetService(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) updateService(w http.ResponseWriter, r *http.Request) {
	var svc core.Service
	if err := decode(r, &svc); err != nil {
		writeError(w, err)
		return
	}
	svc.ID = chi.URLParam(r, "id")
	updated, err := s.store.UpdateService(&svc)
	if err != nil {
		writeError(w, err)
		return
	}
	s.policy.Invalidate()
	s.waker.Trigger()
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteService(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteService(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.policy.Invalidate()
	s.waker.Trigger()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) scaleService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Replicas int `json:"replicas"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Replicas < 0 {
		writeError(w, errors.New(errors.KindInvalid, "replicas must not be negative"))
		return
	}
	svc, err := s.store.GetService(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	svc.Replicas = req.Replicas
	updated, err := s.store.UpdateService(svc)
	if err != nil {
		writeError(w, err)
		return
	}
	s.waker.Trigger()
	writeJSON(w, http.StatusOK, updated)
}

// rolloutService moves the service to a new pack version; the scheduler
// replaces pods in maxUnavailable batches.
func (s *Server) rolloutService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PackVersion string `json:"packVersion"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PackVersion == "" {
		writeError(w, errors.New(errors.KindInvalid, "packVersion is required"))
		return
	}
	svc, err := s.store.GetService(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	svc.PackVersion = req.PackVersion
	svc.Status = core.ServiceProgressing
	updated, err := s.store.UpdateService(svc)
	if err != nil {
		writeError(w, err)
		return
	}
	s.waker.Trigger()
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListDeployments())
}

func (s *Server) createDeployment(w http.ResponseWriter, r *http.Request) {
	var dep core.Deployment
	if err := decode(r, &dep); err != nil {
		writeError(w, err)
		return
	}
	if dep.ID == "" {
		dep.ID = uuid.NewString()
	}
	if dep.Namespace == "" {
		dep.Namespace = core.NamespaceUser
	}
	dep.Status = core.ServiceProgressing
	created, err := s.store.CreateDeployment(&dep)
	if err != nil {
		writeError(w, err)
		return
	}
	s.waker.Trigger()
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.store.GetDeployment(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

func (s *Server) updateDeployment(w http.ResponseWriter, r *http.Request) {
	var dep core.Deployment
	if err := decode(r, &dep); err != nil {
		writeError(w, err)
		return
	}
	dep.ID = chi.URLParam(r, "id")
	updated, err := s.store.UpdateDeployment(&dep)
	if err != nil {
		writeError(w, err)
		return
	}
	s.waker.Trigger()
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteDeployment(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDeployment(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.waker.Trigger()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPacks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListPacks())
}

func (s *Server) createPack(w http.ResponseWriter, r *http.Request) {
	var pack core.Pack
	if err := decode(r, &pack); err != nil {
		writeError(w, err)
		return
	}
	if pack.ID == "" {
		pack.ID = uuid.NewString()
	}
	if pack.Namespace == "" {
		pack.Namespace = core.NamespaceUser
	}
	if pack.RuntimeTag == "" {
		pack.RuntimeTag = core.RuntimeTagUniversal
	}
	created, err := s.store.CreatePack(&pack)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getPack(w http.ResponseWriter, r *http.Request) {
	pack, err := s.store.GetPack(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pack)
}

func (s *Server) deletePack(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePack(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	filter := registry.NodeFilter{
		Status:      core.NodeStatus(r.URL.Query().Get("status")),
		RuntimeType: core.RuntimeType(r.URL.Query().Get("runtime")),
	}
	writeJSON(w, http.StatusOK, s.nodes.List(filter))
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.nodes.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) cordonNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.nodes.Cordon(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) uncordonNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.nodes.Uncordon(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.waker.Trigger()
	writeJSON(w, http.StatusOK, n)
}

// drainNode cordons the node and evicts its pods so the scheduler moves
// them elsewhere.
func (s *Server) drainNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.nodes.Drain(id)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, pod := range s.store.ListPods() {
		if pod.NodeID != id || pod.Status.Terminal() {
			continue
		}
		if err := s.evictor.Evict(pod.ID, "NodeDrained"); err != nil {
			s.log.V(1).Info("evicting pod during drain", "pod", pod.ID, "error", err.Error())
		}
	}
	s.waker.Trigger()
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) deregisterNode(w http.ResponseWriter, r *http.Request) {
	if err := s.nodes.Deregister(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	s.waker.Trigger()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listPods(w http.ResponseWriter, r *http.Request) {
	pods := s.store.ListPods()
	if owner := r.URL.Query().Get("owner"); owner != "" {
		filtered := pods[:0:0]
		for _, p := range pods {
			if p.OwnerID() == owner {
				filtered = append(filtered, p)
			}
		}
		pods = filtered
	}
	writeJSON(w, http.StatusOK, pods)
}

func (s *Server) getPod(w http.ResponseWriter, r *http.Request) {
	pod, err := s.store.GetPod(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pod)
}

func (s *Server) podHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListHistory(chi.URLParam(r, "id")))
}

func (s *Server) evictPod(w http.ResponseWriter, r *http.Request) {
	if err := s.evictor.Evict(chi.URLParam(r, "id"), "OperatorEvicted"); err != nil {
		writeError(w, err)
		return
	}
	s.waker.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListPolicies())
}

func (s *Server) putPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceServiceID string            `json:"sourceServiceId"`
		TargetServiceID string            `json:"targetServiceId"`
		Namespace       core.Namespace    `json:"namespace"`
		Action          core.PolicyAction `json:"action"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Namespace == "" {
		req.Namespace = core.NamespaceUser
	}
	pol, err := s.policy.AddPolicy(req.SourceServiceID, req.TargetServiceID, req.Namespace, req.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

func (s *Server) removePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceServiceID string         `json:"sourceServiceId"`
		TargetServiceID string         `json:"targetServiceId"`
		Namespace       core.Namespace `json:"namespace"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Namespace == "" {
		req.Namespace = core.NamespaceUser
	}
	if err := s.policy.RemovePolicy(req.SourceServiceID, req.TargetServiceID, req.Namespace); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	ids := s.groups.Groups()
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"groupId": id,
		"members": s.groups.List(id),
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	type event struct {
		Severity events.Severity `json:"severity"`
		Reason   string          `json:"reason"`
		About    string          `json:"about"`
		Message  string          `json:"message"`
	}
	var out []event
	for _, e := range events.Recent(s.recorder, 200) {
		out = append(out, event{Severity: e.Severity, Reason: e.Reason, About: e.About, Message: e.Message})
	}
	writeJSON(w, http.StatusOK, out)
}
