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
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/bcem/mailextract/internal/completion"
	"github.com/bcem/mailextract/internal/models"
	"github.com/bcem/mailextract/internal/prompts"
)

// ErrEmptyCompletion is recorded when the provider returns no completed
// text.
var ErrEmptyCompletion = errors.New("empty completion")

// Repository is the part of Store the orchestrator writes through.
type Repository interface {
	Create(ctx context.Context, n NewExtraction) (*models.Extraction, error)
	AttachAudit(ctx context.Context, id, auditLogID int64) error
	Complete(ctx context.Context, id int64, text string) (*models.Extraction, error)
	Fail(ctx context.Context, id int64, message string) (*models.Extraction, error)
}

// Gateway sends one completion request.
type Gateway interface {
	Send(ctx context.Context, messages []prompts.Message, schema *prompts.Schema, model, source string) (*completion.Response, error)
}

// RunInput is the text a task runs against and the entity it belongs to.
type RunInput struct {
	EmailID      uuid.UUID
	AttachmentID *int64
	Text         string
}

// Orchestrator runs a single task against a single input.
type Orchestrator struct {
	repo    Repository
	gateway Gateway
}

func NewOrchestrator(repo Repository, gateway Gateway) *Orchestrator {
	return &Orchestrator{repo: repo, gateway: gateway}
}

// Run executes task against in and persists the outcome. On failure the
// failed extraction is returned together with the error, unless the row
// could not be created in the first place.
func (o *Orchestrator) Run(ctx context.Context, task prompts.Task, in RunInput) (*models.Extraction, error) {
	// Pending
	ext, err := o.repo.Create(ctx, NewExtraction{
		EmailID:       in.EmailID,
		AttachmentID:  in.AttachmentID,
		PromptID:      task.ID(),
		PromptText:    task.PromptText(),
		PromptService: task.Service(),
	})
	if err != nil {
		return nil, fmt.Errorf("create extraction: %w", err)
	}
	messages := task.BuildInput(in.Text)
	model := task.SelectModel(in.Text)

	// Sent
	resp, err := o.gateway.Send(ctx, messages, task.OutputSchema(), model, prompts.AuditSource(task.ID()))
	if auditID := auditLogID(resp, err); auditID != 0 {
		if aerr := o.repo.AttachAudit(ctx, ext.ExtractionID, auditID); aerr != nil {
			slog.Warn("failed to link audit entry",
				"extraction_id", ext.ExtractionID,
				"audit_log_id", auditID,
				"error", aerr,
			)
		}
	}
	if err != nil {
		return fail(ctx, o.repo, ext, err)
	}

	raw, err := resp.CompletedText()
	if err != nil {
		return fail(ctx, o.repo, ext, err)
	}
	if strings.TrimSpace(raw) == "" {
		return fail(ctx, o.repo, ext, ErrEmptyCompletion)
	}

	// Completed
	out, err := task.FilterOutput(raw)
	if err != nil {
		return fail(ctx, o.repo, ext, err)
	}
	done, err := o.repo.Complete(ctx, ext.ExtractionID, out)
	if err != nil {
		return nil, fmt.Errorf("store result of extraction %d: %w", ext.ExtractionID, err)
	}
	return done, nil
}

// fail persists cause on the extraction and returns it wrapped.
func fail(ctx context.Context, repo Repository, ext *models.Extraction, cause error) (*models.Extraction, error) {
	label := ext.PromptID
	if label == "" {
		label = ext.PromptText
	}
	runErr := fmt.Errorf("extraction %d (%s): %w", ext.ExtractionID, label, cause)
	failed, err := repo.Fail(context.WithoutCancel(ctx), ext.ExtractionID, cause.Error())
	if err != nil {
		return ext, errors.Join(runErr, fmt.Errorf("record failure: %w", err))
	}
	return failed, runErr
}

func auditLogID(resp *completion.Response, err error) int64 {
	if resp != nil {
		return resp.AuditLogID
	}
	var ge *completion.GatewayError
	if errors.As(err, &ge) {
		return ge.AuditLogID
	}
	return 0
}
