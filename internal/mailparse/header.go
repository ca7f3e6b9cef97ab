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
	"fmt"
	"mime"
	"net/mail"
	"net/textproto"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bcem/mailextract/internal/models"
)

var (
	wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

	// Fallback for address headers that net/mail rejects, e.g.
	// space separated X-Forwarded-For values.
	bareAddressPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	dateCommentPattern = regexp.MustCompile(`\([^)]*\)`)

	encodedWordPattern = regexp.MustCompile(`=\?[^?\s]+\?[BbQq]\?[^?\s]*\?=`)

	dateLayouts = []string{
		"Mon, 2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04:05 MST",
		"2 Jan 2006 15:04:05 -0700",
		"Mon, 2 Jan 2006 15:04 -0700",
		"Mon, 02 Jan 2006 15:04:05 -0700",
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
)

type field struct {
	name  string
	value string
}

// header keeps fields in wire order so repeated fields survive.
type header struct {
	fields []field
}

func (h header) Get(name string) string {
	name = textproto.CanonicalMIMEHeaderKey(name)
	for _, f := range h.fields {
		if f.name == name {
			return f.value
		}
	}
	return ""
}

func (h header) Values(name string) []string {
	name = textproto.CanonicalMIMEHeaderKey(name)
	var out []string
	for _, f := range h.fields {
		if f.name == name {
			out = append(out, f.value)
		}
	}
	return out
}

func (h header) Len() int { return len(h.fields) }

func (h header) decoded() map[string][]string {
	out := make(map[string][]string, len(h.fields))
	for _, f := range h.fields {
		out[f.name] = append(out[f.name], decodeHeader(f.value))
	}
	return out
}

// splitMessage separates the header block from the body at the first empty
// line. Input without a blank line is all header; input whose first line is
// not a header field is all body.
func splitMessage(raw string) (head, body string) {
	offset := 0
	for offset < len(raw) {
		next := len(raw)
		line := raw[offset:]
		if end := strings.IndexByte(line, '\n'); end >= 0 {
			line = line[:end]
			next = offset + end + 1
		}
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			return raw[:offset], raw[next:]
		}
		if offset == 0 && !isFieldLine(line) && !strings.HasPrefix(line, "From ") {
			return "", raw
		}
		offset = next
	}
	return raw, ""
}

func isFieldLine(line string) bool {
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return false
	}
	for _, c := range line[:i] {
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

// parseHeader unfolds continuation lines and skips anything that is not a
// field. Folded segments are joined with a single space.
func parseHeader(block string) header {
	var h header
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			n := len(h.fields)
			cont := strings.TrimLeft(line, " \t")
			if n == 0 || cont == "" {
				continue
			}
			if h.fields[n-1].value == "" {
				h.fields[n-1].value = cont
			} else {
				h.fields[n-1].value += " " + cont
			}
			continue
		}
		if !isFieldLine(line) {
			continue
		}
		i := strings.IndexByte(line, ':')
		h.fields = append(h.fields, field{
			name:  textproto.CanonicalMIMEHeaderKey(line[:i]),
			value: strings.TrimSpace(line[i+1:]),
		})
	}
	return h
}

// decodeHeader decodes RFC 2047 encoded-words. Whitespace between adjacent
// encoded-words is dropped; text inside the words is kept verbatim.
func decodeHeader(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !utf8.ValidString(v) {
		v = toUTF8([]byte(v), "")
	}
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return decodeWords(v)
	}
	return decoded
}

// decodeWords decodes each encoded-word on its own. Words with an unknown
// charset or a broken payload are kept literally; whitespace is dropped
// only between two words that both decoded.
func decodeWords(v string) string {
	var b strings.Builder
	last := 0
	prevDecoded := false
	for _, loc := range encodedWordPattern.FindAllStringIndex(v, -1) {
		gap := v[last:loc[0]]
		word, err := wordDecoder.Decode(v[loc[0]:loc[1]])
		ok := err == nil
		if !(ok && prevDecoded && last > 0 && strings.TrimSpace(gap) == "") {
			b.WriteString(gap)
		}
		if ok {
			b.WriteString(word)
		} else {
			b.WriteString(v[loc[0]:loc[1]])
		}
		prevDecoded = ok
		last = loc[1]
	}
	b.WriteString(v[last:])
	return b.String()
}

func parseAddresses(v string) []models.EmailAddress {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if !utf8.ValidString(v) {
		v = toUTF8([]byte(v), "")
	}

	parser := mail.AddressParser{WordDecoder: wordDecoder}
	if list, err := parser.ParseList(v); err == nil {
		out := make([]models.EmailAddress, 0, len(list))
		for _, a := range list {
			out = append(out, models.EmailAddress{Address: a.Address, Name: a.Name})
		}
		return out
	}

	var out []models.EmailAddress
	for _, m := range bareAddressPattern.FindAllString(v, -1) {
		out = append(out, models.EmailAddress{Address: m})
	}
	return out
}

func parseDateValue(v string) (time.Time, error) {
	if t, err := mail.ParseDate(v); err == nil {
		return t, nil
	}
	cleaned := strings.Join(strings.Fields(dateCommentPattern.ReplaceAllString(v, "")), " ")
	if t, err := mail.ParseDate(cleaned); err == nil {
		return t, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", v)
}
