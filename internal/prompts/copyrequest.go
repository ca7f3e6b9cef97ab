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

package prompts

import (
	"encoding/json"
	"fmt"
	"strings"
)

const CopyRequestTaskID = "copy-asking-for"

const copyRequestPrompt = `You analyze emails. Decide whether the sender explicitly asks to receive a copy of something, most often the original request or a document mentioned earlier in the thread.
Answer true only for a clear and direct request, for example:
- asking for a copy of the original request
- asking for a copy of a document, letter or decision
- "Can you send me what you sent us?", "Please forward the initial request"
Answer false when the email only mentions a case or document without asking for it, or when the request is vague.
When a copy is requested, describe briefly what is asked for, e.g. "copy of initial request". Answer with the structured JSON only.`

// CopyRequest is the structured answer of the copy request task.
type CopyRequest struct {
	IsRequestingCopy       bool   `json:"is_requesting_copy"`
	CopyRequestDescription string `json:"copy_request_description"`
}

// CopyRequestTask detects emails asking for a copy of earlier correspondence.
type CopyRequestTask struct {
	descriptor
}

func NewCopyRequestTask() *CopyRequestTask {
	return &CopyRequestTask{descriptor{
		id:     CopyRequestTaskID,
		text:   copyRequestPrompt,
		model:  "gpt-4o-mini-2024-07-18",
		limit:  3000,
		marker: "... [Text truncated - showing approximately 1 page]",
	}}
}

func (t *CopyRequestTask) OutputSchema() *Schema {
	return &Schema{
		Type:   "json_schema",
		Name:   "copy_request_schema",
		Strict: true,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"is_requesting_copy":       map[string]any{"type": "boolean"},
				"copy_request_description": map[string]any{"type": "string"},
			},
			"required":             []string{"is_requesting_copy", "copy_request_description"},
			"additionalProperties": false,
		},
	}
}

// FilterOutput validates the JSON answer and re-encodes it in canonical
// form. A negative answer never carries a description.
func (t *CopyRequestTask) FilterOutput(raw string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &fields); err != nil {
		return "", &OutputValidationError{TaskID: t.ID(), Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if _, ok := fields["is_requesting_copy"]; !ok {
		return "", &OutputValidationError{TaskID: t.ID(), Reason: "is_requesting_copy missing"}
	}

	var req CopyRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return "", &OutputValidationError{TaskID: t.ID(), Reason: fmt.Sprintf("unexpected field types: %v", err)}
	}
	req.CopyRequestDescription = strings.TrimSpace(req.CopyRequestDescription)
	if !req.IsRequestingCopy {
		req.CopyRequestDescription = ""
	}

	out, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode copy request: %w", err)
	}
	return string(out), nil
}
