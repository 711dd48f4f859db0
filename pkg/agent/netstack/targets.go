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

package netstack

import (
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/stark-run/stark/pkg/protocol"
)

// TargetCache memoizes target selections per (source pod, service) so a
// chatty caller keeps hitting the same replica until the server-assigned
// TTL lapses.
type TargetCache struct {
	cache *cache.Cache
}

func NewTargetCache() *TargetCache {
	return &TargetCache{cache: cache.New(time.Minute, 30*time.Second)}
}

func targetKey(sourcePodID, serviceID string) string {
	return fmt.Sprintf("%s|%s", sourcePodID, serviceID)
}

func (t *TargetCache) Get(sourcePodID, serviceID string) (protocol.SelectTargetReply, bool) {
	v, ok := t.cache.Get(targetKey(sourcePodID, serviceID))
	if !ok {
		return protocol.SelectTargetReply{}, false
	}
	return v.(protocol.SelectTargetReply), true
}

func (t *TargetCache) Put(sourcePodID, serviceID string, reply protocol.SelectTargetReply) {
	ttl := time.Duration(reply.TTLMillis) * time.Millisecond
	if ttl <= 0 {
		ttl = time.Minute
	}
	t.cache.Set(targetKey(sourcePodID, serviceID), reply, ttl)
}

// Drop forgets one selection, used after a delivery failure so the next
// call re-selects.
func (t *TargetCache) Drop(sourcePodID, serviceID string) {
	t.cache.Delete(targetKey(sourcePodID, serviceID))
}

// DropPod forgets every selection that resolved to the pod.
func (t *TargetCache) DropPod(podID string) {
	for key, item := range t.cache.Items() {
		if reply, ok := item.Object.(protocol.SelectTargetReply); ok && reply.PodID == podID {
			t.cache.Delete(key)
		}
	}
}

// DropService forgets every selection for the service.
func (t *TargetCache) DropService(serviceID string) {
	suffix := "|" + serviceID
	for key := range t.cache.Items() {
		if strings.HasSuffix(key, suffix) {
			t.cache.Delete(key)
		}
	}
}
