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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailextract/internal/auditlog"
	"github.com/bcem/mailextract/internal/prompts"
)

// fakeRecorder is an in-memory audit log.
type fakeRecorder struct {
	mu      sync.Mutex
	nextID  int64
	sources map[int64]string
	closed  map[int64][]auditlog.Result
	openErr error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		sources: make(map[int64]string),
		closed:  make(map[int64][]auditlog.Result),
	}
}

func (f *fakeRecorder) Open(_ context.Context, source, _, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return 0, f.openErr
	}
	f.nextID++
	f.sources[f.nextID] = source
	return f.nextID, nil
}

func (f *fakeRecorder) Close(_ context.Context, id int64, r auditlog.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[id] = append(f.closed[id], r)
	return nil
}

func (f *fakeRecorder) results(id int64) []auditlog.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[id]
}

var testMessages = []prompts.Message{
	{Role: "system", Content: "Be brief."},
	{Role: "user", Content: "Hei"},
}

const okBody = `{
	"model": "gpt-4o-mini-2024-07-18",
	"status": "completed",
	"usage": {"input_tokens": 12, "output_tokens": 34},
	"output": [
		{"type": "message", "status": "completed", "content": [{"type": "output_text", "text": "Svar"}]}
	]
}`

func TestSend_Success(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = io.WriteString(w, okBody)
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	c := NewClient(Config{Endpoint: srv.URL, HTTPClient: srv.Client()}, rec)

	schema := &prompts.Schema{Type: "json_schema", Name: "s", Schema: map[string]any{"type": "object"}, Strict: true}
	resp, err := c.Send(context.Background(), testMessages, schema, "gpt-4o-mini-2024-07-18", "prompt_x")
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini-2024-07-18", got["model"])
	assert.Len(t, got["input"], 2)
	text, ok := got["text"].(map[string]any)
	require.True(t, ok, "text.format should be sent with a schema")
	assert.Equal(t, "json_schema", text["format"].(map[string]any)["type"])

	assert.Equal(t, int64(1), resp.AuditLogID)
	out, err := resp.CompletedText()
	require.NoError(t, err)
	assert.Equal(t, "Svar", out)

	closed := rec.results(1)
	require.Len(t, closed, 1)
	assert.Equal(t, 200, closed[0].Code)
	require.NotNil(t, closed[0].TokensInput)
	assert.Equal(t, 12, *closed[0].TokensInput)
	assert.Equal(t, 34, *closed[0].TokensOutput)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", *closed[0].Model)
	assert.Equal(t, "completed", *closed[0].Status)
	assert.Equal(t, "prompt_x", rec.sources[1])
}

func TestSend_NoSchemaOmitsText(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = io.WriteString(w, okBody)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, HTTPClient: srv.Client()}, newFakeRecorder())
	_, err := c.Send(context.Background(), testMessages, nil, "m", "prompt_x")
	require.NoError(t, err)
	_, hasText := got["text"]
	assert.False(t, hasText)
}

func TestSend_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"boom"}`)
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	c := NewClient(Config{Endpoint: srv.URL, HTTPClient: srv.Client()}, rec)
	_, err := c.Send(context.Background(), testMessages, nil, "m", "prompt_x")

	var ge *GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, KindHTTPStatus, ge.Kind)
	assert.Equal(t, 500, ge.StatusCode)
	assert.Equal(t, `{"error":"boom"}`, ge.Body)
	assert.Equal(t, int64(1), ge.AuditLogID)

	closed := rec.results(1)
	require.Len(t, closed, 1)
	assert.Equal(t, 500, closed[0].Code)
	assert.Equal(t, `{"error":"boom"}`, closed[0].Response)
}

func TestSend_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "not json")
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	c := NewClient(Config{Endpoint: srv.URL, HTTPClient: srv.Client()}, rec)
	_, err := c.Send(context.Background(), testMessages, nil, "m", "prompt_x")

	assert.True(t, IsKind(err, KindMalformedResponse))
	closed := rec.results(1)
	require.Len(t, closed, 1)
	assert.Equal(t, 200, closed[0].Code)
	assert.Nil(t, closed[0].TokensInput)
}

func TestSend_TimeoutIsTransport(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := newFakeRecorder()
	c := NewClient(Config{Endpoint: srv.URL, HTTPClient: srv.Client(), Timeout: 50 * time.Millisecond}, rec)
	_, err := c.Send(context.Background(), testMessages, nil, "m", "prompt_x")

	var ge *GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, KindTransport, ge.Kind)
	require.NotNil(t, ge.Transport)
	assert.True(t, ge.Transport.Timeout)
	assert.Equal(t, srv.URL, ge.Transport.Endpoint)
	assert.Greater(t, ge.Transport.PayloadBytes, 0)

	closed := rec.results(1)
	require.Len(t, closed, 1)
	assert.Equal(t, 0, closed[0].Code)
	assert.Contains(t, closed[0].Response, "timeout=true")
}

func TestSend_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rec := newFakeRecorder()
	c := NewClient(Config{Endpoint: url, Timeout: time.Second}, rec)
	_, err := c.Send(context.Background(), testMessages, nil, "m", "prompt_x")

	assert.True(t, IsKind(err, KindTransport))
	closed := rec.results(1)
	require.Len(t, closed, 1)
	assert.Equal(t, 0, closed[0].Code)
}

func TestSend_AuditOpenFailureSendsNothing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, okBody)
	}))
	defer srv.Close()

	rec := newFakeRecorder()
	rec.openErr = errors.New("db down")
	c := NewClient(Config{Endpoint: srv.URL, HTTPClient: srv.Client()}, rec)
	_, err := c.Send(context.Background(), testMessages, nil, "m", "prompt_x")

	require.Error(t, err)
	assert.Equal(t, int32(0), hits.Load())
}

func TestCompletedText(t *testing.T) {
	tests := []struct {
		name    string
		output  []Output
		want    string
		wantErr bool
	}{
		{name: "none", output: nil, want: ""},
		{
			name: "skips incomplete",
			output: []Output{
				{Status: "in_progress", Content: []Content{{Text: "draft"}}},
				{Status: StatusCompleted, Content: []Content{{Text: "final"}}},
			},
			want: "final",
		},
		{
			name:   "completed without content",
			output: []Output{{Status: StatusCompleted}},
			want:   "",
		},
		{
			name: "two completed",
			output: []Output{
				{Status: StatusCompleted, Content: []Content{{Text: "a"}}},
				{Status: StatusCompleted, Content: []Content{{Text: "b"}}},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Response{Output: tt.output, AuditLogID: 7}
			got, err := r.CompletedText()
			if tt.wantErr {
				var ge *GatewayError
				require.True(t, errors.As(err, &ge))
				assert.Equal(t, KindMultipleCompletions, ge.Kind)
				assert.Equal(t, int64(7), ge.AuditLogID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResultFromBody_PartialFields(t *testing.T) {
	r := resultFromBody(200, []byte(`{"usage":{"input_tokens":5}}`))
	require.NotNil(t, r.TokensInput)
	assert.Equal(t, 5, *r.TokensInput)
	assert.Nil(t, r.TokensOutput)
	assert.Nil(t, r.Model)
	assert.Nil(t, r.Status)
}

func TestNewHTTPClient_StaticKey(t *testing.T) {
	var authz string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, okBody)
	}))
	defer srv.Close()

	hc, err := NewHTTPClient(context.Background(), AuthConfig{APIKey: "sk-test"})
	require.NoError(t, err)

	c := NewClient(Config{Endpoint: srv.URL, HTTPClient: hc}, newFakeRecorder())
	_, err = c.Send(context.Background(), testMessages, nil, "m", "prompt_x")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", authz)
}

func TestNewHTTPClient_MissingKey(t *testing.T) {
	_, err := NewHTTPClient(context.Background(), AuthConfig{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "API key"))
}
