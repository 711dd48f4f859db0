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

import "fmt"

type PolicyAction string

const (
	PolicyAllow PolicyAction = "allow"
	PolicyDeny  PolicyAction = "deny"
)

// NetworkPolicy is the legacy explicit-rule form. The pair key
// (source, target, namespace) is unique; AddPolicy upserts on it.
type NetworkPolicy struct {
	ID            string       `json:"id"`
	SourceService string       `json:"sourceService"`
	TargetService string       `json:"targetService"`
	Action        PolicyAction `json:"action"`
	Namespace     Namespace    `json:"namespace"`
	CreatedAt     int64        `json:"createdAt"`

	ResourceVersion int64 `json:"resourceVersion"`
}

func (p *NetworkPolicy) GetID() string              { return p.ID }
func (p *NetworkPolicy) GetResourceVersion() int64  { return p.ResourceVersion }
func (p *NetworkPolicy) SetResourceVersion(v int64) { p.ResourceVersion = v }

// PairKey identifies the upsert key for explicit rules.
func (p *NetworkPolicy) PairKey() string {
	return PolicyPairKey(p.SourceService, p.TargetService, p.Namespace)
}

func PolicyPairKey(source, target string, ns Namespace) string {
	return fmt.Sprintf("%s|%s|%s", source, target, ns)
}

func (p *NetworkPolicy) DeepCopy() *NetworkPolicy {
	out := *p
	return &out
}

// ServiceNetworkMeta is the expose-model policy view of a service.
type ServiceNetworkMeta struct {
	ServiceID      string     `json:"serviceId"`
	Namespace      Namespace  `json:"namespace"`
	Visibility     Visibility `json:"visibility"`
	Exposed        bool       `json:"exposed"`
	AllowedSources []string   `json:"allowedSources,omitempty"`
}
