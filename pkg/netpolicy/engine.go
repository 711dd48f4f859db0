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

// Package netpolicy evaluates whether overlay traffic between two services
// is allowed. Two models coexist: explicit allow/deny rules
// (deny-by-default when any rule exists in the namespace) and the
// visibility/exposed model, which applies only when the namespace has no
// explicit rules. Evaluation is a pure function of current rows; a short
// TTL cache fronts it and is flushed on every policy mutation.
package netpolicy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/metrics"
	"github.com/stark-run/stark/pkg/state"
)

const decisionTTL = 30 * time.Second

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

type Engine struct {
	store state.Store
	clock clock.Clock
	cache *cache.Cache
}

func NewEngine(store state.Store, clk clock.Clock) *Engine {
	return &Engine{
		store: store,
		clock: clk,
		cache: cache.New(decisionTTL, decisionTTL),
	}
}

// IsAllowed runs the two-step evaluation for source -> target in ns.
// Ingress traffic is gated by the target's exposed flag alone. Enforcement
// is centralized here and duplicated defensively at the agents; pods are
// never the sole enforcement point.
func (e *Engine) IsAllowed(sourceServiceID, targetServiceID string, ns core.Namespace, ingress bool) Decision {
	key := fmt.Sprintf("%s|%s|%s|%t", sourceServiceID, targetServiceID, ns, ingress)
	if d, ok := e.cache.Get(key); ok {
		return d.(Decision)
	}
	d := e.evaluate(sourceServiceID, targetServiceID, ns, ingress)
	e.cache.SetDefault(key, d)
	if d.Allowed {
		metrics.PolicyDecisions.WithLabelValues("allow").Inc()
	} else {
		metrics.PolicyDecisions.WithLabelValues("deny").Inc()
	}
	return d
}

func (e *Engine) evaluate(source, target string, ns core.Namespace, ingress bool) Decision {
	tgt, err := e.store.GetService(target)
	if err != nil {
		return Decision{Allowed: false, Reason: fmt.Sprintf("target service %q not found", target)}
	}

	// Ingress step: exposure alone gates external traffic; visibility is
	// ignored.
	if ingress {
		if tgt.Exposed {
			return Decision{Allowed: true, Reason: "target exposed to ingress"}
		}
		return Decision{Allowed: false, Reason: "target not exposed to ingress"}
	}

	// Explicit rules win whenever any exist in the namespace,
	// deny-by-default among them.
	rules := lo.Filter(e.store.ListPolicies(), func(p *core.NetworkPolicy, _ int) bool {
		return p.Namespace == ns
	})
	if len(rules) > 0 {
		for _, r := range rules {
			if r.SourceService == source && r.TargetService == target {
				if r.Action == core.PolicyAllow {
					return Decision{Allowed: true, Reason: "explicit allow rule"}
				}
				return Decision{Allowed: false, Reason: "explicit deny rule"}
			}
		}
		return Decision{Allowed: false, Reason: "no matching rule, deny by default"}
	}

	// Internal step of the expose model.
	switch tgt.Visibility {
	case core.VisibilityPublic:
		return Decision{Allowed: true, Reason: "target is public"}
	case core.VisibilityPrivate, core.VisibilitySystem:
		if sets.New(tgt.AllowedSources...).Has(source) {
			return Decision{Allowed: true, Reason: "source in allowlist"}
		}
		return Decision{Allowed: false, Reason: "source not in allowlist"}
	}
	return Decision{Allowed: false, Reason: fmt.Sprintf("unknown visibility %q", tgt.Visibility)}
}

// Meta returns the expose-model view of a service.
func (e *Engine) Meta(serviceID string) (core.ServiceNetworkMeta, error) {
	svc, err := e.store.GetService(serviceID)
	if err != nil {
		return core.ServiceNetworkMeta{}, err
	}
	return core.ServiceNetworkMeta{
		ServiceID:      svc.ID,
		Namespace:      svc.Namespace,
		Visibility:     svc.Visibility,
		Exposed:        svc.Exposed,
		AllowedSources: append([]string(nil), svc.AllowedSources...),
	}, nil
}

// AddPolicy upserts an explicit rule on its (source, target, namespace)
// pair key; adding the same rule twice is a no-op beyond refreshing it.
func (e *Engine) AddPolicy(source, target string, ns core.Namespace, action core.PolicyAction) (*core.NetworkPolicy, error) {
	defer e.cache.Flush()
	key := core.PolicyPairKey(source, target, ns)
	existing, found := lo.Find(e.store.ListPolicies(), func(p *core.NetworkPolicy) bool {
		return p.PairKey() == key
	})
	if found {
		existing.Action = action
		return e.store.UpdatePolicy(existing)
	}
	return e.store.CreatePolicy(&core.NetworkPolicy{
		ID:            fmt.Sprintf("netpol-%s", uuid.NewString()),
		SourceService: source,
		TargetService: target,
		Action:        action,
		Namespace:     ns,
		CreatedAt:     core.Millis(e.clock.Now()),
	})
}

// RemovePolicy deletes the rule with the given pair key.
func (e *Engine) RemovePolicy(source, target string, ns core.Namespace) error {
	defer e.cache.Flush()
	key := core.PolicyPairKey(source, target, ns)
	existing, found := lo.Find(e.store.ListPolicies(), func(p *core.NetworkPolicy) bool {
		return p.PairKey() == key
	})
	if !found {
		return errors.NotFound("networkpolicy", key)
	}
	return e.store.DeletePolicy(existing.ID)
}

// Invalidate flushes cached decisions; callers mutate policy-relevant
// service fields (visibility, exposed, allowedSources) through paths that
// call this.
func (e *Engine) Invalidate() {
	e.cache.Flush()
}
