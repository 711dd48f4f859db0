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

// Package cli implements the stark command line, a thin client over the
// orchestrator's admin API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/utils/env"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitUsage    = 2
	ExitNotFound = 3
	ExitDenied   = 4
)

func exitCode(err error) int {
	switch errors.KindOf(err) {
	case errors.KindNotFound:
		return ExitNotFound
	case errors.KindAuth, errors.KindPolicyDenied:
		return ExitDenied
	case errors.KindInvalid:
		return ExitUsage
	default:
		return ExitError
	}
}

// Execute runs the root command and returns a process exit code.
func Execute(args []string) int {
	var server string
	root := &cobra.Command{
		Use:           "stark",
		Short:         "stark controls the workload orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&server, "server", env.WithDefaultString("STARK_SERVER", "http://localhost:8082"), "Admin API base URL")

	client := func() *Client { return NewClient(server) }
	root.AddCommand(
		newServicesCmd(client),
		newDeploymentsCmd(client),
		newPacksCmd(client),
		newNodesCmd(client),
		newPodsCmd(client),
		newPoliciesCmd(client),
		newGroupsCmd(client),
		newEventsCmd(client),
	)

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err.Error())
		return exitCode(err)
	}
	return ExitOK
}
