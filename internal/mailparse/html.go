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

package mailparse

import (
	"html"
	"regexp"
	"strings"
)

var (
	htmlInvisible = regexp.MustCompile(`(?is)<(script|style|head|title)\b.*?</(script|style|head|title)\s*>`)
	htmlComment   = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlLineBreak = regexp.MustCompile(`(?i)<br\s*/?>`)
	htmlBlockEnd  = regexp.MustCompile(`(?i)</(p|div|h[1-6]|tr|table|blockquote|ul|ol)\s*>`)
	htmlListItem  = regexp.MustCompile(`(?i)<li\b[^>]*>`)
	htmlTag       = regexp.MustCompile(`(?s)<[^>]*>`)
	horizontalRun = regexp.MustCompile(`[ \t\f\v]+`)
	blankLineRun  = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText renders an HTML mail body as plain text: invisible elements
// and comments are dropped, block elements become line breaks, remaining
// tags are stripped and entities decoded.
func HTMLToText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = htmlInvisible.ReplaceAllString(s, "")
	s = htmlComment.ReplaceAllString(s, "")
	s = htmlLineBreak.ReplaceAllString(s, "\n")
	s = htmlBlockEnd.ReplaceAllString(s, "\n\n")
	s = htmlListItem.ReplaceAllString(s, "\n- ")
	s = htmlTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(horizontalRun.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLineRun.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
