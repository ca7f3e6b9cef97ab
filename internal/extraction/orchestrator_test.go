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

package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailextract/internal/completion"
	"github.com/bcem/mailextract/internal/models"
	"github.com/bcem/mailextract/internal/prompts"
)

// memRepo is an in-memory Repository.
type memRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*models.Extraction
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[int64]*models.Extraction)}
}

func (m *memRepo) Create(_ context.Context, n NewExtraction) (*models.Extraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e := &models.Extraction{
		ExtractionID:  m.nextID,
		EmailID:       n.EmailID,
		AttachmentID:  n.AttachmentID,
		PromptID:      n.PromptID,
		PromptText:    n.PromptText,
		PromptService: n.PromptService,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	m.rows[e.ExtractionID] = e
	cp := *e
	return &cp, nil
}

func (m *memRepo) AttachAudit(_ context.Context, id, auditLogID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("extraction %d not found", id)
	}
	e.AuditLogID = &auditLogID
	return nil
}

func (m *memRepo) Complete(_ context.Context, id int64, text string) (*models.Extraction, error) {
	return m.finish(id, &text, nil)
}

func (m *memRepo) Fail(_ context.Context, id int64, message string) (*models.Extraction, error) {
	return m.finish(id, nil, &message)
}

func (m *memRepo) finish(id int64, text, message *string) (*models.Extraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("extraction %d not found", id)
	}
	e.ExtractedText = text
	e.ErrorMessage = message
	cp := *e
	return &cp, nil
}

func (m *memRepo) get(id int64) models.Extraction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

// stubGateway returns a canned response or error and records the call.
type stubGateway struct {
	resp *completion.Response
	err  error

	messages []prompts.Message
	schema   *prompts.Schema
	model    string
	source   string
}

func (g *stubGateway) Send(_ context.Context, messages []prompts.Message, schema *prompts.Schema, model, source string) (*completion.Response, error) {
	g.messages, g.schema, g.model, g.source = messages, schema, model, source
	return g.resp, g.err
}

func textResponse(auditID int64, text string) *completion.Response {
	return &completion.Response{
		AuditLogID: auditID,
		Output: []completion.Output{{
			Status:  completion.StatusCompleted,
			Content: []completion.Content{{Type: "output_text", Text: text}},
		}},
	}
}

func TestRun_Completed(t *testing.T) {
	repo := newMemRepo()
	gw := &stubGateway{resp: textResponse(41, "  Kort sammendrag.  ")}
	o := NewOrchestrator(repo, gw)
	task := prompts.NewThreadSummaryTask()
	emailID := uuid.New()

	ext, err := o.Run(context.Background(), task, RunInput{EmailID: emailID, Text: "Hei"})
	require.NoError(t, err)

	require.NotNil(t, ext.ExtractedText)
	assert.Equal(t, "Kort sammendrag.", *ext.ExtractedText)
	assert.Nil(t, ext.ErrorMessage)
	assert.Equal(t, emailID, ext.EmailID)
	assert.Equal(t, prompts.ThreadSummaryTaskID, ext.PromptID)
	assert.Equal(t, task.PromptText(), ext.PromptText)
	assert.Equal(t, models.ServiceOpenAI, ext.PromptService)
	require.NotNil(t, ext.AuditLogID)
	assert.Equal(t, int64(41), *ext.AuditLogID)

	assert.Equal(t, "prompt_thread-email-summary", gw.source)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", gw.model)
	assert.Nil(t, gw.schema)
	require.Len(t, gw.messages, 2)
	assert.Equal(t, "Hei", gw.messages[1].Content)
}

func TestRun_StoresFilterOutputVerbatim(t *testing.T) {
	repo := newMemRepo()
	raw := `{"found_case_number":true,"case_numbers":[{"case_number":"2025/1","document_number":"-","entity_name":"Bø kommune <post>"}]}`
	gw := &stubGateway{resp: textResponse(1, raw)}
	o := NewOrchestrator(repo, gw)
	task := prompts.NewCaseNumberTask()

	want, err := task.FilterOutput(raw)
	require.NoError(t, err)

	ext, err := o.Run(context.Background(), task, RunInput{EmailID: uuid.New(), Text: "Sak 2025/1"})
	require.NoError(t, err)
	stored := repo.get(ext.ExtractionID)
	require.NotNil(t, stored.ExtractedText)
	assert.Equal(t, want, *stored.ExtractedText)
	assert.NotNil(t, gw.schema)
	assert.Equal(t, "gpt-4o", gw.model)
}

func TestRun_NotFoundIsCompletedWithEmptyText(t *testing.T) {
	repo := newMemRepo()
	gw := &stubGateway{resp: textResponse(1, `{"found_case_number":false,"case_numbers":[]}`)}
	o := NewOrchestrator(repo, gw)

	ext, err := o.Run(context.Background(), prompts.NewCaseNumberTask(), RunInput{EmailID: uuid.New(), Text: "x"})
	require.NoError(t, err)
	require.NotNil(t, ext.ExtractedText)
	assert.Equal(t, "", *ext.ExtractedText)
	assert.False(t, ext.Failed())
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name      string
		gw        *stubGateway
		task      prompts.Task
		wantAudit int64
		check     func(t *testing.T, err error)
	}{
		{
			name:      "gateway http status",
			gw:        &stubGateway{err: &completion.GatewayError{Kind: completion.KindHTTPStatus, StatusCode: 500, AuditLogID: 9}},
			task:      prompts.NewLatestReplyTask(),
			wantAudit: 9,
			check: func(t *testing.T, err error) {
				assert.True(t, completion.IsKind(err, completion.KindHTTPStatus))
			},
		},
		{
			name:      "transport",
			gw:        &stubGateway{err: &completion.GatewayError{Kind: completion.KindTransport, AuditLogID: 3}},
			task:      prompts.NewLatestReplyTask(),
			wantAudit: 3,
			check: func(t *testing.T, err error) {
				assert.True(t, completion.IsKind(err, completion.KindTransport))
			},
		},
		{
			name: "multiple completions",
			gw: &stubGateway{resp: &completion.Response{AuditLogID: 5, Output: []completion.Output{
				{Status: completion.StatusCompleted, Content: []completion.Content{{Text: "a"}}},
				{Status: completion.StatusCompleted, Content: []completion.Content{{Text: "b"}}},
			}}},
			task:      prompts.NewLatestReplyTask(),
			wantAudit: 5,
			check: func(t *testing.T, err error) {
				assert.True(t, completion.IsKind(err, completion.KindMultipleCompletions))
			},
		},
		{
			name:      "empty completion",
			gw:        &stubGateway{resp: &completion.Response{AuditLogID: 6}},
			task:      prompts.NewLatestReplyTask(),
			wantAudit: 6,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrEmptyCompletion)
			},
		},
		{
			name:      "whitespace completion",
			gw:        &stubGateway{resp: textResponse(7, " \n ")},
			task:      prompts.NewLatestReplyTask(),
			wantAudit: 7,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrEmptyCompletion)
			},
		},
		{
			name:      "contradictory case number output",
			gw:        &stubGateway{resp: textResponse(8, `{"found_case_number":false,"case_numbers":[{"case_number":"2025/1"}]}`)},
			task:      prompts.NewCaseNumberTask(),
			wantAudit: 8,
			check: func(t *testing.T, err error) {
				var ve *prompts.OutputValidationError
				assert.True(t, errors.As(err, &ve))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			o := NewOrchestrator(repo, tt.gw)

			ext, err := o.Run(context.Background(), tt.task, RunInput{EmailID: uuid.New(), Text: "tekst"})
			require.Error(t, err)
			tt.check(t, err)

			require.NotNil(t, ext)
			stored := repo.get(ext.ExtractionID)
			assert.Nil(t, stored.ExtractedText)
			require.NotNil(t, stored.ErrorMessage)
			assert.NotEmpty(t, *stored.ErrorMessage)
			assert.True(t, stored.Failed())
			require.NotNil(t, stored.AuditLogID)
			assert.Equal(t, tt.wantAudit, *stored.AuditLogID)
		})
	}
}

func TestRun_GatewayErrorWithoutAudit(t *testing.T) {
	repo := newMemRepo()
	gw := &stubGateway{err: errors.New("open audit entry: db down")}
	o := NewOrchestrator(repo, gw)

	ext, err := o.Run(context.Background(), prompts.NewLatestReplyTask(), RunInput{EmailID: uuid.New(), Text: "x"})
	require.Error(t, err)
	stored := repo.get(ext.ExtractionID)
	assert.Nil(t, stored.AuditLogID)
	require.NotNil(t, stored.ErrorMessage)
	assert.True(t, strings.Contains(*stored.ErrorMessage, "db down"))
}

func TestRun_KeepsAttachmentID(t *testing.T) {
	repo := newMemRepo()
	o := NewOrchestrator(repo, &stubGateway{resp: textResponse(1, "svar")})
	att := int64(77)

	ext, err := o.Run(context.Background(), prompts.NewLatestReplyTask(), RunInput{EmailID: uuid.New(), AttachmentID: &att, Text: "x"})
	require.NoError(t, err)
	require.NotNil(t, ext.AttachmentID)
	assert.Equal(t, att, *ext.AttachmentID)
}

func TestPrepareInput(t *testing.T) {
	c := SourceContext{
		Thread: models.Thread{
			Title:    "Test Thread",
			EntityID: "test-entity-id",
			MyName:   "Test User",
			MyEmail:  "test@example.com",
		},
		Email: models.EmailRecord{
			EmailType:        "IN",
			DatetimeReceived: time.Date(2025, 4, 21, 12, 0, 0, 0, time.UTC),
		},
		Kind: SourceEmailBody,
	}
	want := "Thread Details:\n- Thread title: Test Thread\n- Thread entity ID: test-entity-id\n- Thread my name: Test User\n- Thread my email: test@example.com\nEmail Details:\n- Date: 2025-04-21 12:00:00\n- Direction: IN\n- Source: Email body\n\nThis is the extracted text from the email body"
	assert.Equal(t, want, PrepareInput(c, "This is the extracted text from the email body"))

	c.Kind = SourceAttachmentPDF
	assert.Contains(t, PrepareInput(c, "pdf"), "- Source: PDF Attachment\n\npdf")

	c.Kind = ""
	assert.NotContains(t, PrepareInput(c, "x"), "- Source:")
}
