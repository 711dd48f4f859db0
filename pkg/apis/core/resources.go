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

// Resources is the allocatable/requested resource vector for nodes and pods.
type Resources struct {
	CPUMillis    int64 `json:"cpuMillis"`
	MemoryBytes  int64 `json:"memBytes"`
	StorageBytes int64 `json:"storageBytes"`
	Pods         int64 `json:"pods"`
}

// ResourceRequirements pairs the scheduler-visible request with the
// runtime-enforced limit.
type ResourceRequirements struct {
	Requests Resources `json:"requests"`
	Limits   Resources `json:"limits"`
}

func (r Resources) Add(o Resources) Resources {
	return Resources{
		CPUMillis:    r.CPUMillis + o.CPUMillis,
		MemoryBytes:  r.MemoryBytes + o.MemoryBytes,
		StorageBytes: r.StorageBytes + o.StorageBytes,
		Pods:         r.Pods + o.Pods,
	}
}

func (r Resources) Sub(o Resources) Resources {
	return Resources{
		CPUMillis:    r.CPUMillis - o.CPUMillis,
		MemoryBytes:  r.MemoryBytes - o.MemoryBytes,
		StorageBytes: r.StorageBytes - o.StorageBytes,
		Pods:         r.Pods - o.Pods,
	}
}

// Fits reports whether r fits entirely within capacity.
func (r Resources) Fits(capacity Resources) bool {
	return r.CPUMillis <= capacity.CPUMillis &&
		r.MemoryBytes <= capacity.MemoryBytes &&
		r.StorageBytes <= capacity.StorageBytes &&
		r.Pods <= capacity.Pods
}

func (r Resources) IsZero() bool {
	return r == Resources{}
}

// Utilization returns used/capacity across the dominant dimension, in
// [0,1]. Dimensions with zero capacity are ignored.
func (r Resources) Utilization(capacity Resources) float64 {
	max := 0.0
	for _, pair := range [][2]int64{
		{r.CPUMillis, capacity.CPUMillis},
		{r.MemoryBytes, capacity.MemoryBytes},
		{r.StorageBytes, capacity.StorageBytes},
		{r.Pods, capacity.Pods},
	} {
		if pair[1] == 0 {
			continue
		}
		if u := float64(pair[0]) / float64(pair[1]); u > max {
			max = u
		}
	}
	return max
}
