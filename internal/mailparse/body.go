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
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

const maxPartDepth = 8

type partTexts struct {
	plain []string
	html  []string
}

// walkPart collects text/plain and text/html content from a MIME entity,
// descending into multipart containers and attached messages.
func walkPart(contentType, encoding, disposition string, body []byte, depth int) partTexts {
	var out partTexts
	mediaType, params := mediaTypeOf(contentType)
	if isAttachment(disposition) {
		return out
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" || depth >= maxPartDepth {
			out.plain = append(out.plain, toUTF8(body, params["charset"]))
			return out
		}
		r := multipart.NewReader(bytes.NewReader(body), boundary)
		for {
			p, err := r.NextRawPart()
			if err != nil {
				break
			}
			// A truncated final part still yields what was read.
			data, _ := io.ReadAll(p)
			sub := walkPart(
				p.Header.Get("Content-Type"),
				p.Header.Get("Content-Transfer-Encoding"),
				p.Header.Get("Content-Disposition"),
				data,
				depth+1,
			)
			out.plain = append(out.plain, sub.plain...)
			out.html = append(out.html, sub.html...)
		}
		return out

	case mediaType == "message/rfc822":
		if depth >= maxPartDepth {
			return out
		}
		inner := Parse(decodeTransfer(body, encoding))
		if inner.Body != "" {
			out.plain = append(out.plain, inner.Body)
		}
		return out
	}

	text := toUTF8(decodeTransfer(body, encoding), params["charset"])
	switch {
	case mediaType == "text/html":
		out.html = append(out.html, text)
	case strings.HasPrefix(mediaType, "text/"):
		out.plain = append(out.plain, text)
	}
	return out
}

func mediaTypeOf(contentType string) (string, map[string]string) {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return "text/plain", map[string]string{}
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if mediaType == "" {
		mediaType = contentType
		if i := strings.IndexByte(mediaType, ';'); i >= 0 {
			mediaType = mediaType[:i]
		}
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	}
	if err != nil || params == nil {
		params = map[string]string{}
	}
	return mediaType, params
}

func isAttachment(disposition string) bool {
	if disposition == "" {
		return false
	}
	kind, params, _ := mime.ParseMediaType(disposition)
	if kind == "attachment" {
		return true
	}
	return params["filename"] != ""
}

// decodeTransfer undoes the Content-Transfer-Encoding. Undecodable content
// is returned unchanged.
func decodeTransfer(body []byte, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		data, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil && len(data) == 0 {
			return body
		}
		return data
	case "base64":
		cleaned := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
				return -1
			}
			return r
		}, string(body))
		if data, err := base64.StdEncoding.DecodeString(cleaned); err == nil {
			return data
		}
		if data, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "=")); err == nil {
			return data
		}
		return body
	}
	return body
}

// toUTF8 converts data in the declared charset to UTF-8. Unknown charsets
// and invalid UTF-8 fall back to Windows-1252, a superset of ISO-8859-1.
func toUTF8(data []byte, charset string) string {
	charset = strings.ToLower(strings.Trim(strings.TrimSpace(charset), `"`))
	switch charset {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		if utf8.Valid(data) {
			return string(data)
		}
		return latin1Fallback(data)
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		if utf8.Valid(data) {
			return string(data)
		}
		return latin1Fallback(data)
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return latin1Fallback(data)
	}
	return string(out)
}

func latin1Fallback(data []byte) string {
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�")
	}
	return string(out)
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(strings.ToLower(strings.TrimSpace(charset)))
	if err != nil {
		return nil, err
	}
	return enc.NewDecoder().Reader(input), nil
}
