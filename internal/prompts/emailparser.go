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
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const EmailParserTaskID = "email-parser"

// emailParserLimit caps the raw message in bytes.
const emailParserLimit = 100000

const emailParserPrompt = `You are an email parser. Extract the following from the raw email:
- headers: from, to, subject, date, cc, reply_to
- body: plain_text (the text/plain part) and html_as_text (the text/html part rendered as readable text)
Decode any transfer or header encodings. If a field is not present, use null.`

const emailParserTruncatedNote = "\n\nNote: This email was truncated due to size. Extract what you can from the available content."

// mimeBase64Block is a run of full-width base64 lines as MIME wraps them,
// closed by a short final line.
var mimeBase64Block = regexp.MustCompile(`(?:[A-Za-z0-9+/]{60,76}\r?\n)+[A-Za-z0-9+/]+=*`)

// ParsedEmail is the structured answer of the email parser task.
type ParsedEmail struct {
	Headers ParsedHeaders `json:"headers"`
	Body    ParsedBody    `json:"body"`
}

type ParsedHeaders struct {
	From    string  `json:"from"`
	To      string  `json:"to"`
	Subject string  `json:"subject"`
	Date    string  `json:"date"`
	Cc      *string `json:"cc"`
	ReplyTo *string `json:"reply_to"`
}

type ParsedBody struct {
	PlainText  *string `json:"plain_text"`
	HTMLAsText *string `json:"html_as_text"`
}

// Text returns the plain text body, or the HTML text when there is none.
func (p *ParsedEmail) Text() string {
	if p.Body.PlainText != nil && strings.TrimSpace(*p.Body.PlainText) != "" {
		return *p.Body.PlainText
	}
	if p.Body.HTMLAsText != nil {
		return *p.Body.HTMLAsText
	}
	return ""
}

// EmailParserTask asks the model to split a raw message into headers and
// body when local parsing fails.
type EmailParserTask struct {
	descriptor
}

func NewEmailParserTask() *EmailParserTask {
	return &EmailParserTask{descriptor{
		id:    EmailParserTaskID,
		text:  emailParserPrompt,
		model: "gpt-4o-mini",
	}}
}

func (t *EmailParserTask) BuildInput(input string) []Message {
	input = mimeBase64Block.ReplaceAllLiteralString(input, "[Base64 content removed]")
	input, truncated := truncateAtLine(input, emailParserLimit)
	system := t.text
	if truncated {
		system += emailParserTruncatedNote
	}
	return []Message{
		{Role: "system", Content: system},
		{Role: "user", Content: "Parse this email:\n\n" + input},
	}
}

func (t *EmailParserTask) OutputSchema() *Schema {
	str := map[string]any{"type": "string"}
	nullable := map[string]any{"type": []string{"string", "null"}}
	return &Schema{
		Type:   "json_schema",
		Name:   "parsed_email",
		Strict: true,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"headers": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"from":     str,
						"to":       str,
						"subject":  str,
						"date":     str,
						"cc":       nullable,
						"reply_to": nullable,
					},
					"required":             []string{"from", "to", "subject", "date", "cc", "reply_to"},
					"additionalProperties": false,
				},
				"body": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"plain_text":   nullable,
						"html_as_text": nullable,
					},
					"required":             []string{"plain_text", "html_as_text"},
					"additionalProperties": false,
				},
			},
			"required":             []string{"headers", "body"},
			"additionalProperties": false,
		},
	}
}

// FilterOutput checks the answer against the parsed_email schema and
// re-encodes it in canonical form.
func (t *EmailParserTask) FilterOutput(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !gjson.Valid(raw) {
		return "", &OutputValidationError{TaskID: t.ID(), Reason: "malformed JSON"}
	}
	for _, path := range []string{"headers.from", "headers.to", "headers.subject", "headers.date"} {
		if v := gjson.Get(raw, path); v.Type != gjson.String {
			return "", &OutputValidationError{TaskID: t.ID(), Reason: path + " missing or not a string"}
		}
	}
	for _, path := range []string{"headers.cc", "headers.reply_to", "body.plain_text", "body.html_as_text"} {
		v := gjson.Get(raw, path)
		if !v.Exists() || (v.Type != gjson.String && v.Type != gjson.Null) {
			return "", &OutputValidationError{TaskID: t.ID(), Reason: path + " missing or not a string or null"}
		}
	}

	var p ParsedEmail
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return "", &OutputValidationError{TaskID: t.ID(), Reason: fmt.Sprintf("unexpected field types: %v", err)}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return "", fmt.Errorf("encode parsed email: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// truncateAtLine caps s at limit bytes. The cut is made after the last
// line break when that lies within the last 10% of the limit, otherwise at
// the last rune boundary before it.
func truncateAtLine(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	cut := limit
	if nl := strings.LastIndexByte(s[:limit], '\n'); nl > limit*9/10 {
		cut = nl
	} else {
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut], true
}
