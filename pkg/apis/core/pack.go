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

type RuntimeTag string

const (
	RuntimeTagServer    RuntimeTag = "server"
	RuntimeTagBrowser   RuntimeTag = "browser"
	RuntimeTagUniversal RuntimeTag = "universal"
)

// CompatibleWith reports whether a pack carrying this tag may run on a node
// of the given runtime type.
func (t RuntimeTag) CompatibleWith(rt RuntimeType) bool {
	switch t {
	case RuntimeTagUniversal:
		return true
	case RuntimeTagServer:
		return rt == RuntimeServer
	case RuntimeTagBrowser:
		return rt == RuntimeBrowser
	}
	return false
}

// Pack is an immutable published code bundle. Either Bundle carries the
// bytes inline or BundleRef points at them.
type Pack struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Version             string            `json:"version"`
	RuntimeTag          RuntimeTag        `json:"runtimeTag"`
	Namespace           Namespace         `json:"namespace"`
	Bundle              []byte            `json:"bundle,omitempty"`
	BundleRef           string            `json:"bundleRef,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	GrantedCapabilities []string          `json:"grantedCapabilities,omitempty"`

	CreatedAt       int64 `json:"createdAt"`
	ResourceVersion int64 `json:"resourceVersion"`
}

func (p *Pack) GetID() string              { return p.ID }
func (p *Pack) GetResourceVersion() int64  { return p.ResourceVersion }
func (p *Pack) SetResourceVersion(v int64) { p.ResourceVersion = v }

// EnableEphemeral reports whether the pack opted into the ephemeral plane.
func (p *Pack) EnableEphemeral() bool {
	return p.Metadata["enableEphemeral"] == "true"
}

func (p *Pack) DeepCopy() *Pack {
	out := *p
	out.Bundle = append([]byte(nil), p.Bundle...)
	out.Metadata = copyMap(p.Metadata)
	out.GrantedCapabilities = append([]string(nil), p.GrantedCapabilities...)
	return &out
}
