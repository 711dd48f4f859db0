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

package netstack_test

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stark-run/stark/pkg/agent/netstack"
	"github.com/stark-run/stark/pkg/errors"
	"github.com/stark-run/stark/pkg/protocol"
)

// fakeFetcher answers overlay fetches from a canned table, optionally
// holding one URL until released.
type fakeFetcher struct {
	mu        sync.Mutex
	sources   []string
	responses map[string]*protocol.ResponseEnvelope
	errs      map[string]error
	slowURL   string
	release   chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, sourcePodID, method, rawURL string, headers map[string][]string, body []byte) (*protocol.ResponseEnvelope, error) {
	f.mu.Lock()
	f.sources = append(f.sources, sourcePodID)
	slow := rawURL == f.slowURL
	err := f.errs[rawURL]
	resp, ok := f.responses[rawURL]
	f.mu.Unlock()
	if slow {
		<-f.release
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return &protocol.ResponseEnvelope{Status: 200}, nil
	}
	return resp, nil
}

func (f *fakeFetcher) sourcePods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sources...)
}

var _ = Describe("Proxy", func() {
	var (
		fetcher *fakeFetcher
		proxy   *netstack.Proxy
		client  net.Conn
		server  net.Conn
		cancel  context.CancelFunc
		enc     *json.Encoder
		dec     *json.Decoder
	)

	hello := func(podID, token string) {
		Expect(enc.Encode(netstack.ProxyHello{PodID: podID, PodToken: token})).To(Succeed())
	}

	BeforeEach(func() {
		fetcher = &fakeFetcher{
			responses: map[string]*protocol.ResponseEnvelope{},
			errs:      map[string]error{},
			release:   make(chan struct{}),
		}
		tokens := func(podID string) (string, bool) {
			if podID == "p-1" {
				return "tok-1", true
			}
			return "", false
		}
		proxy = netstack.NewProxy(logr.Discard(), fetcher, tokens)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		client, server = net.Pipe()
		go proxy.Serve(ctx, server)
		enc = json.NewEncoder(client)
		dec = json.NewDecoder(client)
	})

	AfterEach(func() {
		cancel()
		client.Close()
		server.Close()
	})

	It("should forward an isolate's fetch into the netstack", func() {
		fetcher.responses["stark://db/users"] = &protocol.ResponseEnvelope{
			Status: 200,
			Body:   []byte(`[{"id":1}]`),
		}
		hello("p-1", "tok-1")
		Expect(enc.Encode(netstack.ProxyRequest{ID: "r-1", Method: "GET", URL: "stark://db/users"})).To(Succeed())

		var resp netstack.ProxyResponse
		Expect(dec.Decode(&resp)).To(Succeed())
		Expect(resp.ID).To(Equal("r-1"))
		Expect(resp.Status).To(Equal(200))
		Expect(resp.Body).To(Equal([]byte(`[{"id":1}]`)))
		Expect(resp.Error).To(BeNil())
		Expect(fetcher.sourcePods()).To(ConsistOf("p-1"))
	})

	It("should answer fast requests past a slow one", func() {
		fetcher.slowURL = "stark://reports/all"
		hello("p-1", "tok-1")
		Expect(enc.Encode(netstack.ProxyRequest{ID: "r-slow", Method: "GET", URL: "stark://reports/all"})).To(Succeed())
		Expect(enc.Encode(netstack.ProxyRequest{ID: "r-fast", Method: "GET", URL: "stark://db/ping"})).To(Succeed())

		var first netstack.ProxyResponse
		Expect(dec.Decode(&first)).To(Succeed())
		Expect(first.ID).To(Equal("r-fast"))

		close(fetcher.release)
		var second netstack.ProxyResponse
		Expect(dec.Decode(&second)).To(Succeed())
		Expect(second.ID).To(Equal("r-slow"))
	})

	It("should surface fetch errors in-band", func() {
		fetcher.errs["stark://secret/x"] = errors.PolicyDenied("web", "secret")
		hello("p-1", "tok-1")
		Expect(enc.Encode(netstack.ProxyRequest{ID: "r-1", Method: "GET", URL: "stark://secret/x"})).To(Succeed())

		var resp netstack.ProxyResponse
		Expect(dec.Decode(&resp)).To(Succeed())
		Expect(resp.ID).To(Equal("r-1"))
		Expect(resp.Error).ToNot(BeNil())
		Expect(resp.Error.Kind).To(Equal("PolicyDenied"))
	})

	It("should close a connection whose hello carries the wrong token", func() {
		hello("p-1", "tok-wrong")

		var resp netstack.ProxyResponse
		Expect(dec.Decode(&resp)).To(Succeed())
		Expect(resp.Error).ToNot(BeNil())
		Expect(resp.Error.Kind).To(Equal("Auth"))
		Expect(dec.Decode(&resp)).ToNot(Succeed())
	})

	It("should close a connection from an unknown pod", func() {
		hello("p-ghost", "tok-1")

		var resp netstack.ProxyResponse
		Expect(dec.Decode(&resp)).To(Succeed())
		Expect(resp.Error).ToNot(BeNil())
		Expect(resp.Error.Kind).To(Equal("Auth"))
	})
})
