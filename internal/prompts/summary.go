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
	"unicode/utf8"
)

const ThreadSummaryTaskID = "thread-email-summary"

// SummaryMaxRunes is the hard ceiling on a filtered summary.
const SummaryMaxRunes = 200

const summaryPrompt = `Du analyserer e-poster skrevet på norsk.
Lag et kort sammendrag som lar en saksbehandler forstå e-posten raskt. Skriv på norsk, høyst 2-3 setninger.
Få med hovedbudskapet, viktige datoer og hva avsenderen ber om eller informerer om.
Svar bare med selve sammendraget, uten forklaring eller formatering.`

var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// ThreadSummaryTask writes a short Norwegian summary of one email.
type ThreadSummaryTask struct {
	descriptor
}

func NewThreadSummaryTask() *ThreadSummaryTask {
	return &ThreadSummaryTask{descriptor{
		id:     ThreadSummaryTaskID,
		text:   summaryPrompt,
		model:  "gpt-4o-mini-2024-07-18",
		limit:  2000,
		marker: "... [Tekst forkortet]",
	}}
}

// FilterOutput trims the summary and enforces SummaryMaxRunes, keeping
// whole sentences when at least one fits and otherwise cutting hard with
// an ellipsis.
func (t *ThreadSummaryTask) FilterOutput(raw string) (string, error) {
	return clampSummary(strings.TrimSpace(raw), SummaryMaxRunes), nil
}

func clampSummary(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	var kept string
	for _, sentence := range splitSentences(s) {
		next := sentence
		if kept != "" {
			next = kept + " " + sentence
		}
		if utf8.RuneCountInString(next) > limit {
			break
		}
		kept = next
	}
	if kept != "" {
		return kept
	}
	return string([]rune(s)[:limit-3]) + "..."
}

func splitSentences(s string) []string {
	var out []string
	start := 0
	for _, m := range sentenceEnd.FindAllStringIndex(s, -1) {
		out = append(out, s[start:m[0]+1])
		start = m[1]
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
