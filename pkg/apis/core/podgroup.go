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

// PodGroupMembership is one pod's presence in a group. A membership with
// TTL > 0 is visible iff now <= LastRefreshedAt + TTL. NodeID is recorded
// at join time so members can dial each other without a target lookup.
type PodGroupMembership struct {
	PodID           string            `json:"podId"`
	NodeID          string            `json:"nodeId,omitempty"`
	JoinedAt        int64             `json:"joinedAt"`
	LastRefreshedAt int64             `json:"lastRefreshedAt"`
	TTLMillis       int64             `json:"ttl"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the membership is no longer visible at nowMillis.
func (m PodGroupMembership) Expired(nowMillis int64) bool {
	return m.TTLMillis > 0 && nowMillis > m.LastRefreshedAt+m.TTLMillis
}

// PodGroup is a transient TTL-scoped membership set. Groups are created
// lazily on first join and deleted when the last membership expires.
type PodGroup struct {
	GroupID string                        `json:"groupId"`
	Members map[string]PodGroupMembership `json:"members"`
}

// PeerState tracks one agent-to-agent connection.
type PeerState string

const (
	PeerConnecting PeerState = "Connecting"
	PeerConnected  PeerState = "Connected"
	PeerFailed     PeerState = "Failed"
	PeerClosed     PeerState = "Closed"
)
