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

// Package completion sends prompts to the hosted completion API. Every
// call is recorded in the audit log before it leaves the process and the
// entry is closed with whatever came back, including transport failures.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bcem/mailextract/internal/auditlog"
	"github.com/bcem/mailextract/internal/prompts"
)

const (
	DefaultEndpoint = "https://api.openai.com/v1/responses"
	DefaultTimeout  = 120 * time.Second

	// auditCloseTimeout bounds the audit update after the request context
	// may already be cancelled.
	auditCloseTimeout = 5 * time.Second
)

// Recorder is the audit log as seen by the client.
type Recorder interface {
	Open(ctx context.Context, source, endpoint, request string) (int64, error)
	Close(ctx context.Context, id int64, r auditlog.Result) error
}

// Config controls a Client.
type Config struct {
	Endpoint string
	Timeout  time.Duration

	// HTTPClient carries authentication, see NewHTTPClient.
	HTTPClient *http.Client
}

// Client posts completion requests and records them in the audit log.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	audit    Recorder
}

// NewClient creates a completion client. Zero config values take defaults.
func NewClient(cfg Config, audit Recorder) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		http:     cfg.HTTPClient,
		audit:    audit,
	}
}

// Endpoint returns the URL requests are posted to.
func (c *Client) Endpoint() string { return c.endpoint }

// Send posts one completion request. schema may be nil for free text
// output. source tags the audit entry.
func (c *Client) Send(ctx context.Context, messages []prompts.Message, schema *prompts.Schema, model, source string) (*Response, error) {
	req := request{Model: model, Input: messages}
	if schema != nil {
		req.Text = &textOptions{Format: schema}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	auditID, err := c.audit.Open(ctx, source, c.endpoint, string(payload))
	if err != nil {
		return nil, fmt.Errorf("open audit entry: %w", err)
	}

	status, body, diag, err := c.post(ctx, payload)
	if err != nil {
		c.closeAudit(ctx, auditID, auditlog.Result{Response: diag.String(), Code: 0})
		slog.Warn("completion transport failure",
			"source", source,
			"audit_log_id", auditID,
			"diagnostics", diag.String(),
			"error", err,
		)
		return nil, &GatewayError{
			Kind:       KindTransport,
			AuditLogID: auditID,
			Transport:  diag,
			Err:        err,
		}
	}

	c.closeAudit(ctx, auditID, resultFromBody(status, body))

	if status >= http.StatusBadRequest {
		return nil, &GatewayError{
			Kind:       KindHTTPStatus,
			AuditLogID: auditID,
			StatusCode: status,
			Body:       string(body),
		}
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &GatewayError{
			Kind:       KindMalformedResponse,
			AuditLogID: auditID,
			StatusCode: status,
			Body:       string(body),
			Err:        err,
		}
	}
	resp.AuditLogID = auditID
	return &resp, nil
}

// post performs the HTTP exchange. A non-nil error means no complete HTTP
// response was received.
func (c *Client) post(ctx context.Context, payload []byte) (int, []byte, *TransportDiagnostics, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tr := newTracer(c.endpoint, len(payload))
	ctx = tr.attach(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, tr.finish(err), fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	hc := *c.http
	hc.CheckRedirect = tr.checkRedirect

	resp, err := hc.Do(req)
	if err != nil {
		return 0, nil, tr.finish(err), err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, tr.finish(err), fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, body, nil, nil
}

func (c *Client) closeAudit(ctx context.Context, id int64, r auditlog.Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditCloseTimeout)
	defer cancel()
	if err := c.audit.Close(ctx, id, r); err != nil {
		slog.Error("failed to close audit entry", "audit_log_id", id, "error", err)
	}
}

// resultFromBody extracts usage, model and status from a response body when
// they are present. The body need not be valid JSON.
func resultFromBody(code int, body []byte) auditlog.Result {
	r := auditlog.Result{Response: string(body), Code: code}
	if v := gjson.GetBytes(body, "usage.input_tokens"); v.Exists() {
		n := int(v.Int())
		r.TokensInput = &n
	}
	if v := gjson.GetBytes(body, "usage.output_tokens"); v.Exists() {
		n := int(v.Int())
		r.TokensOutput = &n
	}
	if v := gjson.GetBytes(body, "model"); v.Exists() && v.Type == gjson.String {
		s := v.String()
		r.Model = &s
	}
	if v := gjson.GetBytes(body, "status"); v.Exists() && v.Type == gjson.String {
		s := v.String()
		r.Status = &s
	}
	return r
}
