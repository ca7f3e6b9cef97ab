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

// Package mailparse decodes raw EML bytes into headers and plain text.
//
// Parsing is best effort. Malformed, partial or empty input never fails;
// missing fields fall back to defaults (empty subject, current time) so
// callers always receive a usable message.
package mailparse

import (
	"strings"
	"time"

	"github.com/bcem/mailextract/internal/models"
)

// ParsedMessage is the structured view of one raw email.
type ParsedMessage struct {
	From    *models.EmailAddress
	To      []models.EmailAddress
	Cc      []models.EmailAddress
	ReplyTo []models.EmailAddress
	Subject string
	Date    time.Time

	// Timestamp is Date in unix seconds. Always positive.
	Timestamp int64

	// Body is the plain text body, derived from the HTML part when the
	// message has no text/plain part.
	Body string

	// HTMLText is the text rendering of the HTML part, if there was one.
	HTMLText string

	// Addresses is every address found in From, Sender, To, Cc, Reply-To
	// and X-Forwarded-For, de-duplicated case-insensitively in header order.
	Addresses []models.EmailAddress

	// Headers holds the decoded value of every header field, repeated
	// fields included, keyed by canonical name.
	Headers map[string][]string
}

// addressHeaders are collected into ParsedMessage.Addresses.
var addressHeaders = []string{"From", "Sender", "To", "Cc", "Reply-To", "X-Forwarded-For"}

// now is replaced in tests.
var now = time.Now

// Parse decodes raw into a ParsedMessage. It never returns nil.
func Parse(raw []byte) *ParsedMessage {
	head, body := splitMessage(string(raw))
	h := parseHeader(head)

	msg := &ParsedMessage{
		Subject: decodeHeader(h.Get("Subject")),
		Headers: h.decoded(),
	}

	msg.Date = parseDate(h.Get("Date"))
	msg.Timestamp = msg.Date.Unix()

	if from := parseAddresses(h.Get("From")); len(from) > 0 {
		msg.From = &from[0]
	}
	msg.To = parseAddresses(h.Get("To"))
	msg.Cc = parseAddresses(h.Get("Cc"))
	msg.ReplyTo = parseAddresses(h.Get("Reply-To"))

	seen := make(map[string]bool)
	for _, name := range addressHeaders {
		for _, v := range h.Values(name) {
			for _, a := range parseAddresses(v) {
				key := strings.ToLower(a.Address)
				if seen[key] {
					continue
				}
				seen[key] = true
				msg.Addresses = append(msg.Addresses, a)
			}
		}
	}

	var texts partTexts
	if h.Len() == 0 {
		// Not an email at all; keep whatever text there is.
		texts.plain = append(texts.plain, toUTF8([]byte(body), ""))
	} else {
		texts = walkPart(h.Get("Content-Type"), h.Get("Content-Transfer-Encoding"), h.Get("Content-Disposition"), []byte(body), 0)
	}

	plain := strings.TrimSpace(strings.Join(texts.plain, "\n\n"))
	if len(texts.html) > 0 {
		msg.HTMLText = HTMLToText(strings.Join(texts.html, "\n"))
	}
	msg.Body = plain
	if msg.Body == "" {
		msg.Body = msg.HTMLText
	}
	return msg
}

// SubjectFromEML returns the decoded Subject header of raw, or "" when absent.
func SubjectFromEML(raw []byte) string {
	return Parse(raw).Subject
}

// parseDate accepts RFC 5322 dates and a few common deviations. Anything
// unparsable, or at or before the epoch, yields the current time.
func parseDate(v string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return now()
	}
	if t, err := parseDateValue(v); err == nil && t.Unix() > 0 {
		return t
	}
	return now()
}
