// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package completion

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"
)

const maxRedirects = 10

// tracer records connection phase timings for one request. Callbacks may
// run on transport goroutines.
type tracer struct {
	mu sync.Mutex

	diag TransportDiagnostics

	start     time.Time
	dnsStart  time.Time
	connStart time.Time
	tlsStart  time.Time
	firstByte time.Time
}

func newTracer(endpoint string, payloadBytes int) *tracer {
	return &tracer{
		diag:  TransportDiagnostics{Endpoint: endpoint, PayloadBytes: payloadBytes},
		start: time.Now(),
	}
}

func (t *tracer) attach(ctx context.Context) context.Context {
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			t.mu.Lock()
			t.dnsStart = time.Now()
			t.mu.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			t.mu.Lock()
			t.diag.DNS = time.Since(t.dnsStart)
			t.mu.Unlock()
		},
		ConnectStart: func(string, string) {
			t.mu.Lock()
			t.connStart = time.Now()
			t.mu.Unlock()
		},
		ConnectDone: func(string, string, error) {
			t.mu.Lock()
			t.diag.Connect = time.Since(t.connStart)
			t.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			t.mu.Lock()
			t.tlsStart = time.Now()
			t.mu.Unlock()
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			t.mu.Lock()
			t.diag.TLS = time.Since(t.tlsStart)
			t.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			t.mu.Lock()
			t.firstByte = time.Now()
			t.mu.Unlock()
		},
	})
}

func (t *tracer) checkRedirect(_ *http.Request, via []*http.Request) error {
	t.mu.Lock()
	t.diag.Redirects = len(via)
	t.mu.Unlock()
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	return nil
}

// finish snapshots the diagnostics for a failed request.
func (t *tracer) finish(err error) *TransportDiagnostics {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.diag
	d.Total = time.Since(t.start)
	if !t.firstByte.IsZero() {
		d.TimeToFirstByte = t.firstByte.Sub(t.start)
	}
	d.Timeout = isTimeout(err)
	return &d
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
