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

package protocol

import (
	"net/url"
	"strings"

	"github.com/stark-run/stark/pkg/errors"
)

// RequestEnvelope frames one overlay request on a peer data channel.
type RequestEnvelope struct {
	EnvelopeID  string              `json:"envelopeId"`
	SourcePodID string              `json:"sourcePodId"`
	TargetPodID string              `json:"targetPodId"`
	Method      string              `json:"method"`
	Path        string              `json:"path"`
	Headers     map[string][]string `json:"headers,omitempty"`
	Body        []byte              `json:"body,omitempty"`
	Deadline    int64               `json:"deadline"`
}

// ResponseEnvelope mirrors the request envelope back to the caller.
type ResponseEnvelope struct {
	EnvelopeID string              `json:"envelopeId"`
	Status     int                 `json:"status"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       []byte              `json:"body,omitempty"`
}

// GroupQueryEnvelope is the lightweight fan-out form used by the ephemeral
// plane; it reuses the peer channels but never persists.
type GroupQueryEnvelope struct {
	QueryID     string            `json:"queryId"`
	SourcePodID string            `json:"sourcePodId"`
	TargetPodID string            `json:"targetPodId"`
	Path        string            `json:"path"`
	Query       map[string]string `json:"query,omitempty"`
	Deadline    int64             `json:"deadline"`
}

type GroupQueryResponse struct {
	QueryID string `json:"queryId"`
	PodID   string `json:"podId"`
	Status  int    `json:"status"`
	Body    []byte `json:"body,omitempty"`
}

const internalSuffix = ".internal"

// VirtualAddress is a parsed serviceId.internal URL.
type VirtualAddress struct {
	ServiceID string
	Port      string
	Path      string
	TLS       bool
}

// ParseVirtualURL parses http(s)://<serviceId>.internal[:port]/<path>.
// The host is case-insensitive; the path is opaque. Non-overlay URLs
// return Invalid.
func ParseVirtualURL(raw string) (VirtualAddress, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return VirtualAddress{}, errors.Wrap(errors.KindInvalid, err, "parsing virtual url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return VirtualAddress{}, errors.New(errors.KindInvalid, "unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if !strings.HasSuffix(host, internalSuffix) {
		return VirtualAddress{}, errors.New(errors.KindInvalid, "host %q is not an overlay address", u.Hostname())
	}
	serviceID := strings.TrimSuffix(host, internalSuffix)
	if serviceID == "" {
		return VirtualAddress{}, errors.New(errors.KindInvalid, "empty service id in %q", raw)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return VirtualAddress{
		ServiceID: serviceID,
		Port:      u.Port(),
		Path:      path,
		TLS:       u.Scheme == "https",
	}, nil
}

// IsVirtualHost reports whether host names an overlay service.
func IsVirtualHost(host string) bool {
	h := strings.ToLower(host)
	if i := strings.LastIndex(h, ":"); i >= 0 {
		h = h[:i]
	}
	return strings.HasSuffix(h, internalSuffix) && len(h) > len(internalSuffix)
}
