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
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a gateway failure.
type Kind int

const (
	KindTransport Kind = iota + 1
	KindHTTPStatus
	KindMalformedResponse
	KindMultipleCompletions
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindHTTPStatus:
		return "http_status"
	case KindMalformedResponse:
		return "malformed_response"
	case KindMultipleCompletions:
		return "multiple_completions"
	default:
		return "unknown"
	}
}

// GatewayError is returned for every failed completion call. All kinds are
// fatal for the run that caused them.
type GatewayError struct {
	Kind       Kind
	AuditLogID int64

	// StatusCode and Body are set for KindHTTPStatus and KindMalformedResponse.
	StatusCode int
	Body       string

	// Transport is set for KindTransport.
	Transport *TransportDiagnostics

	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "completion gateway %s", e.Kind)
	switch e.Kind {
	case KindHTTPStatus:
		fmt.Fprintf(&b, ": HTTP %d: %s", e.StatusCode, e.Body)
	case KindTransport:
		if e.Transport != nil {
			fmt.Fprintf(&b, " (%s)", e.Transport)
		}
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsKind reports whether err is a *GatewayError of kind k.
func IsKind(err error, k Kind) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Kind == k
}

// TransportDiagnostics describes a request that never produced an HTTP
// response.
type TransportDiagnostics struct {
	Endpoint        string
	PayloadBytes    int
	DNS             time.Duration
	Connect         time.Duration
	TLS             time.Duration
	TimeToFirstByte time.Duration
	Total           time.Duration
	Redirects       int
	Timeout         bool
}

func (d *TransportDiagnostics) String() string {
	return fmt.Sprintf("endpoint=%s payload_bytes=%d dns=%s connect=%s tls=%s ttfb=%s total=%s redirects=%d timeout=%t",
		d.Endpoint, d.PayloadBytes, d.DNS, d.Connect, d.TLS, d.TimeToFirstByte, d.Total, d.Redirects, d.Timeout)
}
