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

package core

import (
	"fmt"
	"strconv"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/sets"
)

type Operator string

const (
	OpIn           Operator = "In"
	OpNotIn        Operator = "NotIn"
	OpExists       Operator = "Exists"
	OpDoesNotExist Operator = "DoesNotExist"
	OpGt           Operator = "Gt"
	OpLt           Operator = "Lt"
)

// Requirement is a single label constraint evaluated against a label set.
type Requirement struct {
	Key      string   `json:"key"`
	Operator Operator `json:"operator"`
	Values   []string `json:"values,omitempty"`
}

// Matches evaluates the requirement against labels.
func (r Requirement) Matches(labels map[string]string) bool {
	v, ok := labels[r.Key]
	switch r.Operator {
	case OpIn:
		return ok && sets.New(r.Values...).Has(v)
	case OpNotIn:
		return !ok || !sets.New(r.Values...).Has(v)
	case OpExists:
		return ok
	case OpDoesNotExist:
		return !ok
	case OpGt, OpLt:
		if !ok || len(r.Values) != 1 {
			return false
		}
		have, err1 := strconv.ParseInt(v, 10, 64)
		want, err2 := strconv.ParseInt(r.Values[0], 10, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if r.Operator == OpGt {
			return have > want
		}
		return have < want
	}
	return false
}

// Requirements is a conjunction of label constraints.
type Requirements []Requirement

func (rs Requirements) Matches(labels map[string]string) bool {
	for _, r := range rs {
		if !r.Matches(labels) {
			return false
		}
	}
	return true
}

type TaintEffect string

const (
	TaintNoSchedule TaintEffect = "NoSchedule"
	TaintNoExecute  TaintEffect = "NoExecute"
)

type Taint struct {
	Key    string      `json:"key"`
	Value  string      `json:"value,omitempty"`
	Effect TaintEffect `json:"effect"`
}

type TolerationOperator string

const (
	TolerationOpEqual  TolerationOperator = "Equal"
	TolerationOpExists TolerationOperator = "Exists"
)

type Toleration struct {
	Key      string             `json:"key,omitempty"`
	Operator TolerationOperator `json:"operator,omitempty"`
	Value    string             `json:"value,omitempty"`
	Effect   TaintEffect        `json:"effect,omitempty"`
}

// ToleratesTaint reports whether the toleration matches the taint. An empty
// key with Exists tolerates everything; an empty effect matches all effects.
func (t Toleration) ToleratesTaint(taint Taint) bool {
	if len(t.Effect) > 0 && t.Effect != taint.Effect {
		return false
	}
	if len(t.Key) > 0 && t.Key != taint.Key {
		return false
	}
	switch t.Operator {
	case "", TolerationOpEqual:
		return t.Value == taint.Value
	case TolerationOpExists:
		return true
	}
	return false
}

// Taints is a decorated alias for []Taint.
type Taints []Taint

// Tolerates returns nil if the tolerations cover every taint; otherwise an
// aggregate error naming each intolerable taint.
func (ts Taints) Tolerates(tolerations []Toleration) (errs error) {
	for _, taint := range ts {
		tolerated := false
		for _, tol := range tolerations {
			tolerated = tolerated || tol.ToleratesTaint(taint)
		}
		if !tolerated {
			errs = multierr.Append(errs, fmt.Errorf("did not tolerate %s=%s:%s", taint.Key, taint.Value, taint.Effect))
		}
	}
	return errs
}

// PreferredTerm is a weighted soft constraint.
type PreferredTerm struct {
	Weight       int32        `json:"weight"`
	Requirements Requirements `json:"requirements"`
}

// NodeAffinity mirrors the required/preferred split: Required filters,
// Preferred contributes to scoring.
type NodeAffinity struct {
	Required  Requirements    `json:"required,omitempty"`
	Preferred []PreferredTerm `json:"preferred,omitempty"`
}

// PodAffinityTerm scores (or, for anti-affinity, penalizes) co-location
// with pods whose labels match the selector.
type PodAffinityTerm struct {
	Weight   int32        `json:"weight"`
	Selector Requirements `json:"selector"`
}

// SchedulingSpec is the placement constraint block shared by services and
// deployments.
type SchedulingSpec struct {
	NodeSelector    map[string]string `json:"nodeSelector,omitempty"`
	Affinity        *NodeAffinity     `json:"affinity,omitempty"`
	PodAffinity     []PodAffinityTerm `json:"podAffinity,omitempty"`
	PodAntiAffinity []PodAffinityTerm `json:"podAntiAffinity,omitempty"`
	Tolerations     []Toleration      `json:"tolerations,omitempty"`
}

func (s SchedulingSpec) DeepCopy() SchedulingSpec {
	out := s
	out.NodeSelector = copyMap(s.NodeSelector)
	if s.Affinity != nil {
		aff := *s.Affinity
		aff.Required = append(Requirements(nil), s.Affinity.Required...)
		aff.Preferred = append([]PreferredTerm(nil), s.Affinity.Preferred...)
		out.Affinity = &aff
	}
	out.PodAffinity = append([]PodAffinityTerm(nil), s.PodAffinity...)
	out.PodAntiAffinity = append([]PodAffinityTerm(nil), s.PodAntiAffinity...)
	out.Tolerations = append([]Toleration(nil), s.Tolerations...)
	return out
}
