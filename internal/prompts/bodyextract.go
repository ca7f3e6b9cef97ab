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
	"fmt"
	"regexp"
	"strings"
)

const BodyExtractionTaskID = "email-body-extraction"

const bodyExtractionPrompt = `You receive a raw email, possibly with broken MIME structure or encodings.
Return the readable text content of the email body only. Decode encodings, drop markup, headers and attachment data, and keep the original wording and line breaks.`

var (
	// A base64 encoded MIME part: the transfer encoding header, the rest
	// of the part header, a blank line and at least 1000 encoded chars.
	base64PartBody = regexp.MustCompile(`(?i)(content-transfer-encoding:[ \t]*base64[^\n]*\n(?:[^\n]*\S[^\n]*\n)*?\r?\n)([A-Za-z0-9+/=\r\n]{1000,})`)

	blankLines = regexp.MustCompile(`\n{3,}`)
)

// BodyExtractionTask asks the model to recover body text from raw EML
// when local parsing produced nothing usable.
type BodyExtractionTask struct {
	descriptor
}

func NewBodyExtractionTask() *BodyExtractionTask {
	return &BodyExtractionTask{descriptor{
		id:    BodyExtractionTaskID,
		text:  bodyExtractionPrompt,
		model: "gpt-4o-mini",
		limit: 100000,
	}}
}

func (t *BodyExtractionTask) BuildInput(input string) []Message {
	input = stripBase64Parts(input)
	return []Message{
		{Role: "system", Content: t.text},
		{Role: "user", Content: "Extract the text content from this raw email:\n\n" + t.shape(input)},
	}
}

// FilterOutput normalises line endings and collapses runs of blank lines.
func (t *BodyExtractionTask) FilterOutput(raw string) (string, error) {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s), nil
}

// stripBase64Parts replaces encoded attachment bodies with a note of their
// approximate decoded size.
func stripBase64Parts(s string) string {
	return base64PartBody.ReplaceAllStringFunc(s, func(m string) string {
		parts := base64PartBody.FindStringSubmatch(m)
		encoded := strings.NewReplacer("\r", "", "\n", "").Replace(parts[2])
		kb := len(encoded) * 3 / 4 / 1024
		trailer := ""
		if strings.HasSuffix(parts[2], "\n") {
			trailer = "\n"
		}
		return parts[1] + fmt.Sprintf("[Base64 attachment removed - approximately %d KB]", kb) + trailer
	})
}
