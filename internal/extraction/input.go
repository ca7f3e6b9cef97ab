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
	"strings"

	"github.com/bcem/mailextract/internal/models"
)

const dateLayout = "2006-01-02 15:04:05"

// SourceContext describes where a piece of source text came from.
type SourceContext struct {
	Thread models.Thread
	Email  models.EmailRecord
	Kind   string // SourceEmailBody or SourceAttachmentPDF
}

// PrepareInput prefixes text with the thread and email details a task
// needs to interpret it.
func PrepareInput(c SourceContext, text string) string {
	lines := []string{
		"Thread Details:",
		"- Thread title: " + c.Thread.Title,
		"- Thread entity ID: " + c.Thread.EntityID,
		"- Thread my name: " + c.Thread.MyName,
		"- Thread my email: " + c.Thread.MyEmail,
		"Email Details:",
		"- Date: " + c.Email.DatetimeReceived.Format(dateLayout),
		"- Direction: " + c.Email.EmailType,
	}
	switch c.Kind {
	case SourceAttachmentPDF:
		lines = append(lines, "- Source: PDF Attachment")
	case SourceEmailBody:
		lines = append(lines, "- Source: Email body")
	}
	return strings.Join(lines, "\n") + "\n\n" + text
}
