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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stark-run/stark/pkg/operator"
	"github.com/stark-run/stark/pkg/operator/options"
)

func main() {
	opts := options.MustParse(os.Args[1:]...)
	log := operator.NewLogger(opts.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	op := operator.NewOperator(opts, log)
	log.Info("orchestrator starting", "listen", opts.ListenAddr, "admin", opts.AdminAddr, "metrics", opts.MetricsAddr)
	if err := op.Start(ctx); err != nil {
		log.Error(err, "orchestrator exited")
		os.Exit(1)
	}
}
