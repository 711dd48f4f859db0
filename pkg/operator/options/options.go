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

// Package options holds the orchestrator's process configuration,
// resolved from flags, environment variables, and an optional TOML file,
// in that order of precedence.
package options

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/stark-run/stark/pkg/utils/env"
)

type Options struct {
	*flag.FlagSet

	ListenAddr     string
	MetricsAddr    string
	AdminAddr      string
	LogLevel       string
	AuthSecret     string
	TokenValidity  time.Duration
	RequestTimeout time.Duration

	SchedulerTick    time.Duration
	FailureThreshold int

	HeartbeatInterval time.Duration
	NotReadyAfter     time.Duration
	LostAfter         time.Duration

	PodGroupTTL        time.Duration
	PodGroupMaxMembers int
	ReaperInterval     time.Duration

	ConfigFile string
}

// fileConfig mirrors the subset of Options settable from a TOML file.
type fileConfig struct {
	ListenAddr        string `toml:"listen_addr"`
	MetricsAddr       string `toml:"metrics_addr"`
	AdminAddr         string `toml:"admin_addr"`
	LogLevel          string `toml:"log_level"`
	AuthSecret        string `toml:"auth_secret"`
	TokenValidity     string `toml:"token_validity"`
	SchedulerTick     string `toml:"scheduler_tick"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
}

func New() *Options {
	o := &Options{FlagSet: flag.NewFlagSet("orchestrator", flag.ContinueOnError)}
	o.StringVar(&o.ListenAddr, "listen-addr", env.WithDefaultString("STARK_LISTEN_ADDR", ":8080"), "Address the session and data endpoints listen on.")
	o.StringVar(&o.MetricsAddr, "metrics-addr", env.WithDefaultString("STARK_METRICS_ADDR", ":8081"), "Address the metrics endpoint listens on.")
	o.StringVar(&o.AdminAddr, "admin-addr", env.WithDefaultString("STARK_ADMIN_ADDR", ":8082"), "Address the admin API listens on.")
	o.StringVar(&o.LogLevel, "log-level", env.WithDefaultString("STARK_LOG_LEVEL", "info"), "Log level: debug, info, or error.")
	o.StringVar(&o.AuthSecret, "auth-secret", env.WithDefaultString("STARK_AUTH_SECRET", ""), "HMAC secret for node and pod tokens.")
	o.DurationVar(&o.TokenValidity, "token-validity", env.WithDefaultDuration("STARK_TOKEN_VALIDITY", time.Hour), "Validity window for minted pod tokens.")
	o.DurationVar(&o.RequestTimeout, "request-timeout", env.WithDefaultDuration("STARK_REQUEST_TIMEOUT", 30*time.Second), "Timeout for request/reply exchanges with agents.")
	o.DurationVar(&o.SchedulerTick, "scheduler-tick", env.WithDefaultDuration("STARK_SCHEDULER_TICK", 2*time.Second), "Interval between forced scheduler reconciles.")
	o.IntVar(&o.FailureThreshold, "failure-threshold", env.WithDefaultInt("STARK_FAILURE_THRESHOLD", 3), "Consecutive pod failures before replacements back off.")
	o.DurationVar(&o.HeartbeatInterval, "heartbeat-interval", env.WithDefaultDuration("STARK_HEARTBEAT_INTERVAL", 15*time.Second), "Heartbeat interval agents are expected to honor.")
	o.DurationVar(&o.NotReadyAfter, "not-ready-after", env.WithDefaultDuration("STARK_NOT_READY_AFTER", 45*time.Second), "Heartbeat silence before a node turns NotReady.")
	o.DurationVar(&o.LostAfter, "lost-after", env.WithDefaultDuration("STARK_LOST_AFTER", 150*time.Second), "Heartbeat silence before a node is declared Lost.")
	o.DurationVar(&o.PodGroupTTL, "podgroup-ttl", env.WithDefaultDuration("STARK_PODGROUP_TTL", 60*time.Second), "Default pod group membership TTL.")
	o.IntVar(&o.PodGroupMaxMembers, "podgroup-max-members", env.WithDefaultInt("STARK_PODGROUP_MAX_MEMBERS", 256), "Maximum members per pod group.")
	o.DurationVar(&o.ReaperInterval, "reaper-interval", env.WithDefaultDuration("STARK_REAPER_INTERVAL", 10*time.Second), "Interval between pod group expiry sweeps.")
	o.StringVar(&o.ConfigFile, "config", env.WithDefaultString("STARK_CONFIG", ""), "Optional TOML config file; flags and env take precedence.")
	return o
}

func (o *Options) Parse(args ...string) error {
	if err := o.FlagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		return fmt.Errorf("parsing flags, %w", err)
	}
	if o.ConfigFile != "" {
		if err := o.loadFile(); err != nil {
			return err
		}
	}
	if err := o.Validate(); err != nil {
		return fmt.Errorf("validating options, %w", err)
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

// loadFile fills in values the user did not set on the command line.
func (o *Options) loadFile() error {
	raw, err := os.ReadFile(o.ConfigFile)
	if err != nil {
		return fmt.Errorf("reading config file, %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parsing config file, %w", err)
	}
	set := map[string]bool{}
	o.Visit(func(f *flag.Flag) { set[f.Name] = true })
	apply := func(name, value string, dst *string) {
		if value != "" && !set[name] {
			*dst = value
		}
	}
	apply("listen-addr", fc.ListenAddr, &o.ListenAddr)
	apply("metrics-addr", fc.MetricsAddr, &o.MetricsAddr)
	apply("admin-addr", fc.AdminAddr, &o.AdminAddr)
	apply("log-level", fc.LogLevel, &o.LogLevel)
	apply("auth-secret", fc.AuthSecret, &o.AuthSecret)
	for name, pair := range map[string]struct {
		raw string
		dst *time.Duration
	}{
		"token-validity":     {fc.TokenValidity, &o.TokenValidity},
		"scheduler-tick":     {fc.SchedulerTick, &o.SchedulerTick},
		"heartbeat-interval": {fc.HeartbeatInterval, &o.HeartbeatInterval},
	} {
		if pair.raw == "" || set[name] {
			continue
		}
		d, err := time.ParseDuration(pair.raw)
		if err != nil {
			return fmt.Errorf("parsing %s from config file, %w", name, err)
		}
		*pair.dst = d
	}
	return nil
}

func (o *Options) Validate() error {
	if o.AuthSecret == "" {
		return fmt.Errorf("auth-secret is required")
	}
	if o.NotReadyAfter >= o.LostAfter {
		return fmt.Errorf("not-ready-after (%s) must be below lost-after (%s)", o.NotReadyAfter, o.LostAfter)
	}
	if o.FailureThreshold < 1 {
		return fmt.Errorf("failure-threshold must be at least 1")
	}
	return nil
}
