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

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
)

type clientFunc func() *Client

func newServicesCmd(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "services", Short: "Manage services"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List services",
		RunE: func(c *cobra.Command, args []string) error {
			var out []core.Service
			if err := client().Get("/v1/services", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one service",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var out core.Service
			if err := client().Get("/v1/services/"+args[0], &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})

	create := &cobra.Command{
		Use:   "create -f <file>",
		Short: "Create a service from a JSON manifest",
		RunE: func(c *cobra.Command, args []string) error {
			file, _ := c.Flags().GetString("file")
			if file == "" {
				return errors.New(errors.KindInvalid, "a manifest file is required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return errors.Wrap(errors.KindInvalid, err, "reading manifest")
			}
			var out core.Service
			if err := client().do("POST", "/v1/services", rawJSON(raw), &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	create.Flags().StringP("file", "f", "", "Path to the service manifest")
	cmd.AddCommand(create)

	scale := &cobra.Command{
		Use:   "scale <id> --replicas <n>",
		Short: "Change a service's replica count",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			replicas, _ := c.Flags().GetInt("replicas")
			var out core.Service
			if err := client().Post("/v1/services/"+args[0]+"/scale", map[string]int{"replicas": replicas}, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	scale.Flags().Int("replicas", 1, "Desired replica count")
	cmd.AddCommand(scale)

	rollout := &cobra.Command{
		Use:   "rollout <id> --version <v>",
		Short: "Roll the service to a new pack version",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			version, _ := c.Flags().GetString("version")
			if version == "" {
				return errors.New(errors.KindInvalid, "--version is required")
			}
			var out core.Service
			if err := client().Post("/v1/services/"+args[0]+"/rollout", map[string]string{"packVersion": version}, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	rollout.Flags().String("version", "", "Target pack version")
	cmd.AddCommand(rollout)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return client().Delete("/v1/services/" + args[0])
		},
	})
	return cmd
}

func newDeploymentsCmd(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "deployments", Short: "Manage deployments"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List deployments",
		RunE: func(c *cobra.Command, args []string) error {
			var out []core.Deployment
			if err := client().Get("/v1/deployments", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var out core.Deployment
			if err := client().Get("/v1/deployments/"+args[0], &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return client().Delete("/v1/deployments/" + args[0])
		},
	})
	return cmd
}

func newPacksCmd(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "packs", Short: "Manage published packs"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List packs",
		RunE: func(c *cobra.Command, args []string) error {
			var out []core.Pack
			if err := client().Get("/v1/packs", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})
	publish := &cobra.Command{
		Use:   "publish -f <file>",
		Short: "Publish a pack from a JSON manifest",
		RunE: func(c *cobra.Command, args []string) error {
			file, _ := c.Flags().GetString("file")
			if file == "" {
				return errors.New(errors.KindInvalid, "a manifest file is required")
			}
			raw, err := os.ReadFile(file)
			if err != nil {
				return errors.Wrap(errors.KindInvalid, err, "reading manifest")
			}
			var out core.Pack
			if err := client().do("POST", "/v1/packs", rawJSON(raw), &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	publish.Flags().StringP("file", "f", "", "Path to the pack manifest")
	cmd.AddCommand(publish)
	return cmd
}

func newNodesCmd(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "nodes", Short: "Manage nodes"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List nodes",
		RunE: func(c *cobra.Command, args []string) error {
			var out []core.Node
			if err := client().Get("/v1/nodes", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})
	for _, verb := range []string{"cordon", "uncordon", "drain"} {
		verb := verb
		cmd.AddCommand(&cobra.Command{
			Use:   verb + " <id>",
			Short: fmt.Sprintf("%s a node", verb),
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				var out core.Node
				if err := client().Post("/v1/nodes/"+args[0]+"/"+verb, nil, &out); err != nil {
					return err
				}
				printJSON(out)
				return nil
			},
		})
	}
	return cmd
}

func newPodsCmd(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "pods", Short: "Inspect pods"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List pods, optionally by owner",
		RunE: func(c *cobra.Command, args []string) error {
			owner, _ := c.Flags().GetString("owner")
			path := "/v1/pods"
			if owner != "" {
				path += "?owner=" + owner
			}
			var out []core.Pod
			if err := client().Get(path, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	list.Flags().String("owner", "", "Filter by owning service or deployment")
	cmd.AddCommand(list)
	cmd.AddCommand(&cobra.Command{
		Use:   "history <id>",
		Short: "Show a pod's transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var out []core.PodHistoryEntry
			if err := client().Get("/v1/pods/"+args[0]+"/history", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "evict <id>",
		Short: "Evict a pod",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return client().Post("/v1/pods/"+args[0]+"/evict", nil, nil)
		},
	})
	return cmd
}

func newPoliciesCmd(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "policies", Short: "Manage network policies"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List network policies",
		RunE: func(c *cobra.Command, args []string) error {
			var out []core.NetworkPolicy
			if err := client().Get("/v1/policies", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})
	for _, action := range []core.PolicyAction{core.PolicyAllow, core.PolicyDeny} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   string(action) + " <source> <target>",
			Short: fmt.Sprintf("%s traffic from source to target service", action),
			Args:  cobra.ExactArgs(2),
			RunE: func(c *cobra.Command, args []string) error {
				var out core.NetworkPolicy
				err := client().Post("/v1/policies", map[string]interface{}{
					"sourceServiceId": args[0],
					"targetServiceId": args[1],
					"action":          action,
				}, &out)
				if err != nil {
					return err
				}
				printJSON(out)
				return nil
			},
		})
	}
	return cmd
}

func newGroupsCmd(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "groups", Short: "Inspect pod groups"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active pod groups",
		RunE: func(c *cobra.Command, args []string) error {
			var out []string
			if err := client().Get("/v1/podgroups", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a group's membership",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var out map[string]interface{}
			if err := client().Get("/v1/podgroups/"+args[0], &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	})
	return cmd
}

func newEventsCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Show recent orchestrator events",
		RunE: func(c *cobra.Command, args []string) error {
			var out []map[string]interface{}
			if err := client().Get("/v1/events", &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}
