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

	"github.com/google/uuid"

	"github.com/bcem/mailextract/internal/mailparse"
	"github.com/bcem/mailextract/internal/models"
)

// ErrNoContent is recorded when an email has no stored raw message.
var ErrNoContent = errors.New("no raw content stored for email")

// RawContent reads the stored raw message of an email.
type RawContent interface {
	EmailContent(ctx context.Context, threadID, emailID uuid.UUID) ([]byte, error)
}

// BodyExtractor produces the code email_body extraction that every task
// reads its input from.
type BodyExtractor struct {
	repo    Repository
	content RawContent
}

func NewBodyExtractor(repo Repository, content RawContent) *BodyExtractor {
	return &BodyExtractor{repo: repo, content: content}
}

// Run parses the raw message of email and stores its body text. As with
// Orchestrator.Run, a failed extraction is returned with the error once
// the row exists.
func (b *BodyExtractor) Run(ctx context.Context, email models.EmailRecord) (*models.Extraction, error) {
	ext, err := b.repo.Create(ctx, NewExtraction{
		EmailID:       email.ID,
		PromptText:    SourceEmailBody,
		PromptService: models.ServiceCode,
	})
	if err != nil {
		return nil, fmt.Errorf("create extraction: %w", err)
	}

	raw, err := b.content.EmailContent(ctx, email.ThreadID, email.ID)
	if err != nil {
		return fail(ctx, b.repo, ext, err)
	}
	if len(raw) == 0 {
		return fail(ctx, b.repo, ext, ErrNoContent)
	}

	done, err := b.repo.Complete(ctx, ext.ExtractionID, BodyText(mailparse.Parse(raw)))
	if err != nil {
		return nil, fmt.Errorf("store result of extraction %d: %w", ext.ExtractionID, err)
	}
	return done, nil
}

// BodyText is the plain text body of msg followed by the text of its HTML
// part when that says something else.
func BodyText(msg *mailparse.ParsedMessage) string {
	body := strings.TrimSpace(msg.Body)
	html := strings.TrimSpace(msg.HTMLText)
	if html == "" || html == body {
		return body
	}
	if body == "" {
		return html
	}
	return body + "\n\n" + html
}
