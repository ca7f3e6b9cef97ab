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
	"regexp"
	"strings"
	"unicode"
)

const (
	// DefaultTruncationMarker is appended to input cut by Truncate.
	DefaultTruncationMarker = "\n[truncated]"

	// Base64Placeholder replaces base64-looking runs in outgoing input.
	Base64Placeholder = "[base64 content removed]"

	// DataURIPlaceholder replaces inline data: URIs.
	DataURIPlaceholder = "[inline base64 data removed]"
)

var (
	// At least 40 base64 characters, optionally continued on further
	// lines of the same shape as MIME wraps them, with a short padded
	// final line.
	base64Run = regexp.MustCompile(`[A-Za-z0-9+/=]{40,}(?:\r?\n[A-Za-z0-9+/=]{40,})*(?:\r?\n[A-Za-z0-9+/]{0,39}={1,2})?`)

	dataURI = regexp.MustCompile(`data:[A-Za-z0-9.+\-/]+(?:;[A-Za-z0-9=.\-]+)*;base64,[A-Za-z0-9+/=\r\n]+`)
)

// Sanitize replaces inline data URIs and base64-looking runs with
// placeholders so attachment payloads are never sent to the model.
func Sanitize(s string) string {
	s = dataURI.ReplaceAllLiteralString(s, DataURIPlaceholder)
	return base64Run.ReplaceAllLiteralString(s, Base64Placeholder)
}

// Truncate caps s at limit runes. When the nearest whitespace before the
// limit lies within the last 10% of it the cut is made there instead of
// mid-word. The marker is appended to truncated output. The second return
// value reports whether s was cut.
func Truncate(s string, limit int, marker string) (string, bool) {
	if limit <= 0 {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s, false
	}
	if marker == "" {
		marker = DefaultTruncationMarker
	}

	cut := limit
	floor := limit - limit/10
	for i := limit; i >= floor; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace) + marker, true
}
