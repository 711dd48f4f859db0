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

// Package runtime hosts pod processes on a server node. Each pod runs as
// a subprocess started from its unpacked bundle, with its output tagged
// and forwarded to the agent log.
package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/stark-run/stark/pkg/apis/core"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/protocol"
)

// commandMetadataKey names the pack metadata entry holding the command
// line used to start the pod process.
const commandMetadataKey = "command"

// StatusFunc receives pod status transitions observed by the runtime.
type StatusFunc func(podID string, status core.PodStatus, message string)

type isolate struct {
	pod    *core.Pod
	cmd    *exec.Cmd
	cancel context.CancelFunc

	mu       sync.Mutex
	status   core.PodStatus
	message  string
	stopping bool
}

func (i *isolate) setStatus(status core.PodStatus, message string) {
	i.mu.Lock()
	i.status = status
	i.message = message
	i.mu.Unlock()
}

// Runtime manages the isolates of one node.
type Runtime struct {
	log         logr.Logger
	workDir     string
	proxySocket string
	clock       clock.Clock
	status      StatusFunc

	mu       sync.RWMutex
	isolates map[string]*isolate
}

// Option adjusts runtime construction.
type Option func(*Runtime)

// WithProxySocket points pod processes at the node's netstack proxy
// socket via their environment.
func WithProxySocket(path string) Option {
	return func(r *Runtime) { r.proxySocket = path }
}

func NewRuntime(log logr.Logger, workDir string, clk clock.Clock, status StatusFunc, opts ...Option) *Runtime {
	r := &Runtime{
		log:      log.WithName("runtime"),
		workDir:  workDir,
		clock:    clk,
		status:   status,
		isolates: map[string]*isolate{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PackContext is the environment a pod process starts with.
type PackContext struct {
	PodID        string
	ServiceID    string
	Namespace    core.Namespace
	PodToken     string
	RefreshToken string
	ProxySocket  string
	Capabilities []string
}

func (p PackContext) environ() []string {
	env := append(os.Environ(),
		"STARK_POD_ID="+p.PodID,
		"STARK_NAMESPACE="+string(p.Namespace),
		"STARK_POD_TOKEN="+p.PodToken,
		"STARK_REFRESH_TOKEN="+p.RefreshToken,
	)
	if p.ServiceID != "" {
		env = append(env, "STARK_SERVICE_ID="+p.ServiceID)
	}
	if p.ProxySocket != "" {
		env = append(env, "STARK_NETSTACK_SOCKET="+p.ProxySocket)
	}
	for _, c := range p.Capabilities {
		env = append(env, "STARK_CAP_"+c+"=granted")
	}
	return env
}

// Deploy unpacks the bundle and starts the pod process. The pod is
// reported running once the process is up; its exit is reported as
// stopped or failed depending on whether a stop was requested.
func (r *Runtime) Deploy(ctx context.Context, payload protocol.PodDeployPayload) error {
	pod, pack := payload.Pod, payload.Pack
	r.mu.Lock()
	if _, exists := r.isolates[pod.ID]; exists {
		r.mu.Unlock()
		return errors.New(errors.KindConflict, "pod %q is already deployed", pod.ID)
	}
	r.mu.Unlock()

	dir := filepath.Join(r.workDir, pod.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.KindInternal, err, "creating pod directory")
	}
	bundle := filepath.Join(dir, "bundle")
	if err := os.WriteFile(bundle, pack.Bundle, 0o755); err != nil {
		return errors.Wrap(errors.KindInternal, err, "writing bundle")
	}

	command := pack.Metadata[commandMetadataKey]
	if command == "" {
		command = bundle
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = PackContext{
		PodID:        pod.ID,
		ServiceID:    pod.ServiceID,
		Namespace:    pod.Namespace,
		PodToken:     payload.PodToken,
		RefreshToken: payload.RefreshToken,
		ProxySocket:  r.proxySocket,
		Capabilities: payload.Capabilities,
	}.environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return errors.Wrap(errors.KindInternal, err, "piping stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return errors.Wrap(errors.KindInternal, err, "piping stderr")
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return errors.Wrap(errors.KindInternal, err, "starting pod process")
	}

	iso := &isolate{pod: pod, cmd: cmd, cancel: cancel, status: core.PodRunning}
	r.mu.Lock()
	r.isolates[pod.ID] = iso
	r.mu.Unlock()

	go r.tagOutput(pod.ID, "out", stdout)
	go r.tagOutput(pod.ID, "err", stderr)
	go r.await(iso)

	r.status(pod.ID, core.PodRunning, "")
	return nil
}

// tagOutput forwards one process stream line by line, prefixed with
// timestamp and pod identity.
func (r *Runtime) tagOutput(podID, stream string, src io.Reader) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintf(os.Stdout, "[%s][%s:%s] %s\n", r.clock.Now().Format(time.RFC3339), podID, stream, scanner.Text())
	}
}

// await reaps the process and reports the terminal status.
func (r *Runtime) await(iso *isolate) {
	err := iso.cmd.Wait()
	iso.mu.Lock()
	stopping := iso.stopping
	iso.mu.Unlock()

	switch {
	case stopping:
		iso.setStatus(core.PodStopped, "")
		r.status(iso.pod.ID, core.PodStopped, "")
	case err != nil:
		iso.setStatus(core.PodFailed, err.Error())
		r.status(iso.pod.ID, core.PodFailed, err.Error())
	default:
		// a service process exiting on its own is a failure
		iso.setStatus(core.PodFailed, "process exited unexpectedly")
		r.status(iso.pod.ID, core.PodFailed, "process exited unexpectedly")
	}

	r.mu.Lock()
	delete(r.isolates, iso.pod.ID)
	r.mu.Unlock()
	_ = os.RemoveAll(filepath.Join(r.workDir, iso.pod.ID))
}

// Stop terminates a pod, SIGTERM first, SIGKILL once the grace period
// elapses.
func (r *Runtime) Stop(podID string, grace time.Duration) error {
	r.mu.RLock()
	iso, ok := r.isolates[podID]
	r.mu.RUnlock()
	if !ok {
		return errors.NotFound("pod", podID)
	}
	iso.mu.Lock()
	iso.stopping = true
	iso.mu.Unlock()

	// negative pid signals the process group
	_ = syscall.Kill(-iso.cmd.Process.Pid, syscall.SIGTERM)
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		<-timer.C
		iso.cancel()
	}()
	return nil
}

// StopAll terminates every isolate, used at agent shutdown.
func (r *Runtime) StopAll(grace time.Duration) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.isolates))
	for id := range r.isolates {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Stop(id, grace)
	}
}

// UsedResources sums the requests of hosted pods.
func (r *Runtime) UsedResources() core.Resources {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var used core.Resources
	for _, iso := range r.isolates {
		req := iso.pod.ResourceRequests
		req.Pods = 1
		used = used.Add(req)
	}
	return used
}

// PodStatuses reports per-pod liveness for the heartbeat.
func (r *Runtime) PodStatuses() []protocol.PodRuntimeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.PodRuntimeStatus, 0, len(r.isolates))
	for id, iso := range r.isolates {
		iso.mu.Lock()
		out = append(out, protocol.PodRuntimeStatus{PodID: id, Status: iso.status, Message: iso.message})
		iso.mu.Unlock()
	}
	return out
}

// Hosted reports whether the pod currently runs here.
func (r *Runtime) Hosted(podID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.isolates[podID]
	return ok
}
