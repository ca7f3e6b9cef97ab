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
	"fmt"

	"github.com/bcem/mailextract/internal/prompts"
)

// StatusCompleted marks a finished output entry.
const StatusCompleted = "completed"

type request struct {
	Model string            `json:"model"`
	Input []prompts.Message `json:"input"`
	Text  *textOptions      `json:"text,omitempty"`
}

type textOptions struct {
	Format *prompts.Schema `json:"format"`
}

// Response is the decoded completion API response.
type Response struct {
	Model  string   `json:"model"`
	Status string   `json:"status"`
	Usage  Usage    `json:"usage"`
	Output []Output `json:"output"`

	// AuditLogID is the audit entry recording this exchange.
	AuditLogID int64 `json:"-"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Output struct {
	Type    string    `json:"type"`
	Status  string    `json:"status"`
	Content []Content `json:"content"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CompletedText returns the text of the single completed output, or ""
// when there is none. More than one completed output is ambiguous and
// fails with KindMultipleCompletions.
func (r *Response) CompletedText() (string, error) {
	var found *Output
	count := 0
	for i := range r.Output {
		if r.Output[i].Status != StatusCompleted {
			continue
		}
		count++
		if found == nil {
			found = &r.Output[i]
		}
	}
	if count > 1 {
		return "", &GatewayError{
			Kind:       KindMultipleCompletions,
			AuditLogID: r.AuditLogID,
			Message:    fmt.Sprintf("%d outputs with status completed", count),
		}
	}
	if found == nil || len(found.Content) == 0 {
		return "", nil
	}
	return found.Content[0].Text, nil
}
