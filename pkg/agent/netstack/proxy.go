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

package netstack

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/go-logr/logr"

	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/protocol"
)

// Fetcher is the slice of the netstack the proxy forwards into.
type Fetcher interface {
	Fetch(ctx context.Context, sourcePodID, method, rawURL string, headers map[string][]string, body []byte) (*protocol.ResponseEnvelope, error)
}

// ProxyHello opens one isolate connection; the pod token proves the
// caller is the pod it claims to be.
type ProxyHello struct {
	PodID    string `json:"podId"`
	PodToken string `json:"podToken"`
}

// ProxyRequest is one fetch an isolate asks the node's netstack to
// perform on its behalf.
type ProxyRequest struct {
	ID      string              `json:"id"`
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// ProxyResponse answers a ProxyRequest, matched by id. Responses may
// arrive out of order.
type ProxyResponse struct {
	ID      string                 `json:"id"`
	Status  int                    `json:"status,omitempty"`
	Headers map[string][]string    `json:"headers,omitempty"`
	Body    []byte                 `json:"body,omitempty"`
	Error   *protocol.ErrorPayload `json:"error,omitempty"`
}

// Proxy serves overlay fetches to isolates that cannot own peer
// connections themselves. Each isolate dials the node's unix socket,
// authenticates with its pod token, and streams newline-delimited JSON
// requests; the proxy fans them into the netstack concurrently.
type Proxy struct {
	log     logr.Logger
	fetcher Fetcher
	tokens  TokenSource
}

func NewProxy(log logr.Logger, fetcher Fetcher, tokens TokenSource) *Proxy {
	return &Proxy{
		log:     log.WithName("proxy"),
		fetcher: fetcher,
		tokens:  tokens,
	}
}

// ListenUnix accepts isolate connections on the socket until ctx is
// cancelled. A stale socket file from a previous run is replaced.
func (p *Proxy) ListenUnix(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "listening on netstack socket")
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	p.log.Info("netstack proxy listening", "socket", socketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(errors.KindTransportClosed, err, "accepting proxy connection")
		}
		go p.Serve(ctx, conn)
	}
}

// Serve handles one isolate connection to completion: a hello naming the
// pod, then a stream of requests answered as their fetches finish.
func (p *Proxy) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	var writeMu sync.Mutex
	reply := func(resp ProxyResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(resp); err != nil {
			p.log.V(1).Info("writing proxy response", "error", err.Error())
		}
	}

	var hello ProxyHello
	if err := dec.Decode(&hello); err != nil {
		return
	}
	token, ok := p.tokens(hello.PodID)
	if !ok || token != hello.PodToken {
		reply(ProxyResponse{Error: &protocol.ErrorPayload{
			Kind:    string(errors.KindAuth),
			Message: "pod token does not match a hosted pod",
		}})
		return
	}

	for {
		var req ProxyRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		go func(req ProxyRequest) {
			reply(p.dispatch(ctx, hello.PodID, req))
		}(req)
	}
}

func (p *Proxy) dispatch(ctx context.Context, podID string, req ProxyRequest) ProxyResponse {
	out := ProxyResponse{ID: req.ID}
	env, err := p.fetcher.Fetch(ctx, podID, req.Method, req.URL, req.Headers, req.Body)
	if err != nil {
		out.Error = &protocol.ErrorPayload{
			Kind:    string(errors.KindOf(err)),
			Message: err.Error(),
		}
		return out
	}
	out.Status = env.Status
	out.Headers = env.Headers
	out.Body = env.Body
	return out
}
