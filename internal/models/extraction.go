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

package models

import (
	"time"

	"github.com/google/uuid"
)

// Prompt services. "code" marks extractions produced without a model
// (plain body text, PDF text) which feed the model-backed tasks.
const (
	ServiceCode   = "code"
	ServiceOpenAI = "openai"
)

// Extraction is the persisted result of running one task against one
// email or attachment. Once a run has finished exactly one of
// ExtractedText and ErrorMessage is set.
type Extraction struct {
	ExtractionID  int64     `json:"extraction_id"`
	EmailID       uuid.UUID `json:"email_id"`
	AttachmentID  *int64    `json:"attachment_id"`
	PromptID      string    `json:"prompt_id"`
	PromptText    string    `json:"prompt_text"`
	PromptService string    `json:"prompt_service"`
	ExtractedText *string   `json:"extracted_text"`
	ErrorMessage  *string   `json:"error_message"`
	AuditLogID    *int64    `json:"audit_log_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Failed reports whether the run recorded an error instead of a result.
func (e *Extraction) Failed() bool {
	return e.ErrorMessage != nil && *e.ErrorMessage != ""
}

// AuditEntry is one outbound completion request and its eventual outcome.
// Response fields stay nil until the request is closed.
type AuditEntry struct {
	ID           int64     `json:"id"`
	Source       string    `json:"source"`
	Endpoint     string    `json:"endpoint"`
	Request      string    `json:"request"`
	Response     *string   `json:"response"`
	ResponseCode *int      `json:"response_code"`
	TokensInput  *int      `json:"tokens_input"`
	TokensOutput *int      `json:"tokens_output"`
	Model        *string   `json:"model"`
	Status       *string   `json:"status"`
	Time         time.Time `json:"time"`
}

// TokenUsage aggregates token counts over a set of audit entries.
type TokenUsage struct {
	Requests     int64 `json:"requests"`
	TokensInput  int64 `json:"tokens_input"`
	TokensOutput int64 `json:"tokens_output"`
}

// ExtractionEvent announces a finished run to downstream consumers.
type ExtractionEvent struct {
	ExtractionID int64     `json:"extraction_id"`
	EmailID      uuid.UUID `json:"email_id"`
	AttachmentID *int64    `json:"attachment_id,omitempty"`
	PromptID     string    `json:"prompt_id"`
	Status       string    `json:"status"` // "completed" or "failed"
	AuditLogID   *int64    `json:"audit_log_id,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// NewExtractionEvent describes the outcome stored on e.
func NewExtractionEvent(e *Extraction) *ExtractionEvent {
	status := "completed"
	if e.Failed() {
		status = "failed"
	}
	return &ExtractionEvent{
		ExtractionID: e.ExtractionID,
		EmailID:      e.EmailID,
		AttachmentID: e.AttachmentID,
		PromptID:     e.PromptID,
		Status:       status,
		AuditLogID:   e.AuditLogID,
		FinishedAt:   e.UpdatedAt,
	}
}
