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

package events_test

import (
	stderrors "errors"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/events"
)

var _ = Describe("Recorder", func() {
	var recorder events.Recorder

	BeforeEach(func() {
		recorder = events.NewRecorder(logr.Discard())
	})

	It("should record events newest last", func() {
		recorder.NodeLost(&core.Node{ID: "n-1", Name: "worker-1"})
		recorder.PodPreempted(&core.Pod{ID: "p-1"}, "web")

		recent := events.Recent(recorder, 10)
		Expect(recent).To(HaveLen(2))
		Expect(recent[0].Reason).To(Equal("NodeLost"))
		Expect(recent[1].Reason).To(Equal("PodPreempted"))
		Expect(recent[1].Severity).To(Equal(events.SeverityWarning))
		Expect(recent[1].About).To(Equal("p-1"))
	})

	It("should suppress repeated identical events", func() {
		pod := &core.Pod{ID: "p-1"}
		err := stderrors.New("no node fits")
		recorder.PodScheduleFailed(pod, err)
		recorder.PodScheduleFailed(pod, err)

		Expect(events.Recent(recorder, 10)).To(HaveLen(1))
	})

	It("should keep distinct events for distinct subjects", func() {
		recorder.PolicyDenied("web", "db")
		recorder.PolicyDenied("web", "cache")

		Expect(events.Recent(recorder, 10)).To(HaveLen(2))
	})

	It("should cap the returned slice at n", func() {
		recorder.NodeLost(&core.Node{ID: "n-1", Name: "worker-1"})
		recorder.NodeLost(&core.Node{ID: "n-2", Name: "worker-2"})
		recorder.NodeLost(&core.Node{ID: "n-3", Name: "worker-3"})

		recent := events.Recent(recorder, 2)
		Expect(recent).To(HaveLen(2))
		Expect(recent[0].About).To(Equal("n-2"))
	})
})
