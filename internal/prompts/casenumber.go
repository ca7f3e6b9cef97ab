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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// CaseNumberTaskID is the catalog key of the case number task.
const CaseNumberTaskID = "saksnummer"

const caseNumberPrompt = `You analyze emails sent to or from public bodies.
Find the case number referenced in the email. Only answer with a case number that appears literally in the input in one of the formats below. Never guess from nearby numbers or context and never construct a number yourself. A wrong number is much worse than no number.

Case number formats:
- 2025/123 : case 123 of year 2025.
Document number formats:
- 2025/123-2 : document 2 in case 2025/123.

Case numbers belong to a public entity. Include the entity name when the email states it. Leave the entity name or document number empty when they are not present.`

// CaseNumber is one case reference found in an email.
type CaseNumber struct {
	CaseNumber     string `json:"case_number,omitempty"`
	DocumentNumber string `json:"document_number,omitempty"`
	EntityName     string `json:"entity_name,omitempty"`
}

// CaseNumberOutcome tags a parsed case number completion.
type CaseNumberOutcome int

const (
	CaseNumbersFound CaseNumberOutcome = iota + 1
	CaseNumbersNotFound
	CaseNumbersInvalid
)

func (o CaseNumberOutcome) String() string {
	switch o {
	case CaseNumbersFound:
		return "found"
	case CaseNumbersNotFound:
		return "not_found"
	case CaseNumbersInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// CaseNumberResult is the tagged outcome of a case number completion.
// CaseNumbers is set for Found, Reason for Invalid.
type CaseNumberResult struct {
	Outcome     CaseNumberOutcome
	CaseNumbers []CaseNumber
	Reason      string
}

// CaseNumberTask extracts public-sector case and document numbers.
type CaseNumberTask struct {
	descriptor
}

func NewCaseNumberTask() *CaseNumberTask {
	return &CaseNumberTask{descriptor{
		id:     CaseNumberTaskID,
		text:   caseNumberPrompt,
		model:  "gpt-4o",
		limit:  3000,
		marker: "... [Text truncated - showing approximately 1 page]",
	}}
}

func (t *CaseNumberTask) OutputSchema() *Schema {
	return &Schema{
		Type:   "json_schema",
		Name:   "case_number_schema",
		Strict: true,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"found_case_number": map[string]any{"type": "boolean"},
				"case_numbers": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"case_number":     map[string]any{"type": "string"},
							"document_number": map[string]any{"type": "string"},
							"entity_name":     map[string]any{"type": "string"},
						},
						"required":             []string{"case_number", "document_number", "entity_name"},
						"additionalProperties": false,
					},
				},
			},
			"required":             []string{"found_case_number", "case_numbers"},
			"additionalProperties": false,
		},
	}
}

// FilterOutput returns the found case numbers as a JSON array, "" when
// none were found, or an *OutputValidationError for contradictory output.
func (t *CaseNumberTask) FilterOutput(raw string) (string, error) {
	res := ParseCaseNumbers(raw)
	switch res.Outcome {
	case CaseNumbersNotFound:
		return "", nil
	case CaseNumbersFound:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(res.CaseNumbers); err != nil {
			return "", fmt.Errorf("encode case numbers: %w", err)
		}
		return strings.TrimSuffix(buf.String(), "\n"), nil
	default:
		return "", &OutputValidationError{TaskID: t.ID(), Reason: res.Reason}
	}
}

// ParseCaseNumbers classifies a raw case number completion.
func ParseCaseNumbers(raw string) CaseNumberResult {
	var out struct {
		Found       *bool        `json:"found_case_number"`
		CaseNumbers []CaseNumber `json:"case_numbers"`
		// Older completions put a single result at the top level.
		CaseNumber string `json:"case_number"`
		EntityName string `json:"entity_name"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return CaseNumberResult{Outcome: CaseNumbersInvalid, Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if out.Found == nil {
		return CaseNumberResult{Outcome: CaseNumbersInvalid, Reason: "found_case_number missing"}
	}

	if !*out.Found {
		if strings.TrimSpace(out.CaseNumber) != "" || strings.TrimSpace(out.EntityName) != "" {
			return CaseNumberResult{Outcome: CaseNumbersInvalid, Reason: "found_case_number is false but a case number or entity name is present"}
		}
		for _, cn := range out.CaseNumbers {
			if strings.TrimSpace(cn.CaseNumber) != "" {
				return CaseNumberResult{Outcome: CaseNumbersInvalid, Reason: "found_case_number is false but case_numbers is not empty"}
			}
		}
		return CaseNumberResult{Outcome: CaseNumbersNotFound}
	}

	cleaned := make([]CaseNumber, 0, len(out.CaseNumbers))
	for _, cn := range out.CaseNumbers {
		cn.CaseNumber = strings.TrimSpace(cn.CaseNumber)
		cn.DocumentNumber = strings.TrimSpace(cn.DocumentNumber)
		cn.EntityName = strings.TrimSpace(cn.EntityName)
		if cn.DocumentNumber == "-" {
			cn.DocumentNumber = ""
		}
		if cn == (CaseNumber{}) {
			continue
		}
		cleaned = append(cleaned, cn)
	}
	if len(cleaned) == 0 {
		return CaseNumberResult{Outcome: CaseNumbersInvalid, Reason: "found_case_number is true but no case numbers were returned"}
	}
	return CaseNumberResult{Outcome: CaseNumbersFound, CaseNumbers: cleaned}
}
