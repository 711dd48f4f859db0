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

package options_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stark-run/stark/pkg/agent/options"
)

var _ = Describe("Options", func() {
	It("should apply defaults when nothing is set", func() {
		opts := options.New()
		Expect(opts.Parse("--token", "node-token")).To(Succeed())

		Expect(opts.OrchestratorURL).To(Equal("ws://localhost:8080/session"))
		Expect(opts.MaxPods).To(Equal(int64(64)))
		Expect(opts.HeartbeatInterval).To(Equal(15 * time.Second))
		Expect(opts.CPUMillis).To(BeNumerically(">", 0))
	})

	It("should require a token", func() {
		opts := options.New()
		Expect(opts.Parse()).ToNot(Succeed())
	})

	It("should seed defaults from the environment", func() {
		os.Setenv("STARK_ORCHESTRATOR_URL", "wss://stark.example.com/session")
		os.Setenv("STARK_MAX_PODS", "8")
		DeferCleanup(os.Unsetenv, "STARK_ORCHESTRATOR_URL")
		DeferCleanup(os.Unsetenv, "STARK_MAX_PODS")

		opts := options.New()
		Expect(opts.Parse("--token", "node-token")).To(Succeed())
		Expect(opts.OrchestratorURL).To(Equal("wss://stark.example.com/session"))
		Expect(opts.MaxPods).To(Equal(int64(8)))
	})

	It("should split capability lists", func() {
		opts := options.New()
		Expect(opts.Parse("--token", "t", "--capabilities", "gpu,avx512")).To(Succeed())
		Expect(opts.CapabilityList()).To(Equal([]string{"gpu", "avx512"}))

		bare := options.New()
		Expect(bare.Parse("--token", "t")).To(Succeed())
		Expect(bare.CapabilityList()).To(BeNil())
	})

	It("should parse label pairs and skip malformed ones", func() {
		opts := options.New()
		Expect(opts.Parse("--token", "t", "--labels", "zone=eu-1,tier=edge,malformed")).To(Succeed())
		Expect(opts.LabelMap()).To(Equal(map[string]string{"zone": "eu-1", "tier": "edge"}))
	})
})
