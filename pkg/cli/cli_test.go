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

package cli_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/cli"
)

var _ = Describe("CLI", func() {
	manifest := func(content string) string {
		path := filepath.Join(GinkgoT().TempDir(), "manifest.json")
		Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())
		return path
	}

	Describe("services", func() {
		It("should create a service from a manifest", func() {
			code := run("services", "create", "-f", manifest(`{"name": "web", "replicas": 2}`))
			Expect(code).To(Equal(cli.ExitOK))

			listed := store.ListServices()
			Expect(listed).To(HaveLen(1))
			Expect(listed[0].Name).To(Equal("web"))
			Expect(listed[0].Replicas).To(Equal(2))
		})

		It("should require a manifest file", func() {
			Expect(run("services", "create")).To(Equal(cli.ExitUsage))
		})

		It("should scale a service", func() {
			_, err := store.CreateService(&core.Service{ID: "svc-1", Name: "web", Replicas: 1})
			Expect(err).ToNot(HaveOccurred())

			Expect(run("services", "scale", "svc-1", "--replicas", "4")).To(Equal(cli.ExitOK))

			svc, err := store.GetService("svc-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(svc.Replicas).To(Equal(4))
		})

		It("should map missing resources to the not-found exit code", func() {
			Expect(run("services", "get", "missing")).To(Equal(cli.ExitNotFound))
		})

		It("should roll a service to a new version", func() {
			_, err := store.CreateService(&core.Service{ID: "svc-1", Name: "web", PackVersion: "v1"})
			Expect(err).ToNot(HaveOccurred())

			Expect(run("services", "rollout", "svc-1", "--version", "v2")).To(Equal(cli.ExitOK))

			svc, err := store.GetService("svc-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(svc.PackVersion).To(Equal("v2"))
		})

		It("should require a version for rollouts", func() {
			Expect(run("services", "rollout", "svc-1")).To(Equal(cli.ExitUsage))
		})

		It("should delete a service", func() {
			_, err := store.CreateService(&core.Service{ID: "svc-1", Name: "web"})
			Expect(err).ToNot(HaveOccurred())

			Expect(run("services", "delete", "svc-1")).To(Equal(cli.ExitOK))
			Expect(store.ListServices()).To(BeEmpty())
		})
	})

	Describe("packs", func() {
		It("should publish a pack from a manifest", func() {
			code := run("packs", "publish", "-f", manifest(`{"name": "web", "version": "v1"}`))
			Expect(code).To(Equal(cli.ExitOK))

			packs := store.ListPacks()
			Expect(packs).To(HaveLen(1))
			Expect(packs[0].Version).To(Equal("v1"))
		})
	})

	Describe("nodes", func() {
		It("should cordon a node", func() {
			node, err := nodes.Register(&core.Node{Name: "worker-1"})
			Expect(err).ToNot(HaveOccurred())

			Expect(run("nodes", "cordon", node.ID)).To(Equal(cli.ExitOK))

			got, err := nodes.Get(node.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Status).To(Equal(core.NodeCordoned))
		})

		It("should exit not-found for unknown nodes", func() {
			Expect(run("nodes", "cordon", "missing")).To(Equal(cli.ExitNotFound))
		})
	})

	Describe("policies", func() {
		It("should create an allow rule", func() {
			Expect(run("policies", "allow", "web", "db")).To(Equal(cli.ExitOK))

			policies := store.ListPolicies()
			Expect(policies).To(HaveLen(1))
			Expect(policies[0].Action).To(Equal(core.PolicyAllow))
		})
	})

	Describe("transport failures", func() {
		It("should exit with the generic error code when the server is down", func() {
			server.Close()
			Expect(run("services", "list")).To(Equal(cli.ExitError))
		})
	})
})
