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

// Package models defines the data structures shared across the extraction service.
package models

import (
	"time"

	"github.com/google/uuid"
)

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// EmailRecord is the subset of a stored thread email needed to run and
// authorize extractions. Emails are owned by the thread service.
type EmailRecord struct {
	ID               uuid.UUID `json:"id"`
	ThreadID         uuid.UUID `json:"thread_id"`
	EmailType        string    `json:"email_type"` // "IN" or "OUT"
	DatetimeReceived time.Time `json:"datetime_received"`
}

// Thread is the subset of a correspondence thread used for prompt context
// and authorization.
type Thread struct {
	ID       uuid.UUID `json:"id"`
	Title    string    `json:"title"`
	EntityID string    `json:"entity_id"`
	MyName   string    `json:"my_name"`
	MyEmail  string    `json:"my_email"`
	Public   bool      `json:"public"`
}
