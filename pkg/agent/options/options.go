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

// Package options holds the agent's process configuration.
package options

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/stark-run/stark/pkg/utils/env"
)

type Options struct {
	*flag.FlagSet

	OrchestratorURL   string
	Token             string
	NodeName          string
	Capabilities      string
	Labels            string
	WorkDir           string
	CPUMillis         int64
	MemoryBytes       int64
	MaxPods           int64
	HeartbeatInterval time.Duration
	LogLevel          string
}

func New() *Options {
	hostname, _ := os.Hostname()
	o := &Options{FlagSet: flag.NewFlagSet("agent", flag.ContinueOnError)}
	o.StringVar(&o.OrchestratorURL, "orchestrator-url", env.WithDefaultString("STARK_ORCHESTRATOR_URL", "ws://localhost:8080/session"), "WebSocket URL of the orchestrator session endpoint.")
	o.StringVar(&o.Token, "token", env.WithDefaultString("STARK_TOKEN", ""), "Bearer token presented at session handshake.")
	o.StringVar(&o.NodeName, "node-name", env.WithDefaultString("STARK_NODE_NAME", hostname), "Stable node name; re-registration under the same name reuses the node identity.")
	o.StringVar(&o.Capabilities, "capabilities", env.WithDefaultString("STARK_CAPABILITIES", ""), "Comma-separated capabilities this node offers.")
	o.StringVar(&o.Labels, "labels", env.WithDefaultString("STARK_LABELS", ""), "Comma-separated key=value node labels.")
	o.StringVar(&o.WorkDir, "work-dir", env.WithDefaultString("STARK_WORK_DIR", os.TempDir()), "Directory pod bundles are unpacked into.")
	o.Int64Var(&o.CPUMillis, "cpu-millis", env.WithDefaultInt64("STARK_CPU_MILLIS", int64(runtime.NumCPU())*1000), "Allocatable CPU in millicores.")
	o.Int64Var(&o.MemoryBytes, "memory-bytes", env.WithDefaultInt64("STARK_MEMORY_BYTES", 4<<30), "Allocatable memory in bytes.")
	o.Int64Var(&o.MaxPods, "max-pods", env.WithDefaultInt64("STARK_MAX_PODS", 64), "Maximum pods hosted concurrently.")
	o.DurationVar(&o.HeartbeatInterval, "heartbeat-interval", env.WithDefaultDuration("STARK_HEARTBEAT_INTERVAL", 15*time.Second), "Interval between heartbeats.")
	o.StringVar(&o.LogLevel, "log-level", env.WithDefaultString("STARK_LOG_LEVEL", "info"), "Log level: debug, info, or error.")
	return o
}

func (o *Options) Parse(args ...string) error {
	if err := o.FlagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		return fmt.Errorf("parsing flags, %w", err)
	}
	if o.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

func MustParse(args ...string) *Options {
	o := New()
	if err := o.Parse(args...); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	return o
}

func (o *Options) CapabilityList() []string {
	if o.Capabilities == "" {
		return nil
	}
	return strings.Split(o.Capabilities, ",")
}

func (o *Options) LabelMap() map[string]string {
	if o.Labels == "" {
		return nil
	}
	out := map[string]string{}
	for _, pair := range strings.Split(o.Labels, ",") {
		if k, v, ok := strings.Cut(pair, "="); ok {
			out[k] = v
		}
	}
	return out
}
