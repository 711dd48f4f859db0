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

// Package core defines the typed records shared by the orchestrator and the
// agents. All timestamps are milliseconds since epoch; IDs are opaque
// strings. Records handed out by the state store are deep copies, so
// mutating a returned value never leaks into the store.
package core

import (
	"time"

	"github.com/samber/lo"
)

// Object is implemented by every record the state store manages.
// ResourceVersion backs optimistic concurrency: an update whose version
// does not match the stored one fails with a Conflict error.
type Object interface {
	GetID() string
	GetResourceVersion() int64
	SetResourceVersion(v int64)
}

// Namespace partitions user-facing records from infrastructure ones.
type Namespace string

const (
	NamespaceUser   Namespace = "user"
	NamespaceSystem Namespace = "system"
)

// Millis converts a wall-clock time to the wire representation.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts the wire representation back to wall-clock time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	return lo.Assign(map[string]string{}, m)
}
