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

// Package prompts defines the extraction task catalog. Each task decides
// which model to call, how to shape and sanitize its input, which output
// schema to request and how to validate what comes back.
package prompts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bcem/mailextract/internal/models"
)

// Message is one entry of the ordered completion input.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema is a strict json_schema output format for constrained decoding.
type Schema struct {
	Type   string         `json:"type"`
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

// Task is one extraction task. Implementations are immutable and safe for
// concurrent use.
type Task interface {
	ID() string
	Service() string
	PromptText() string
	SelectModel(input string) string
	BuildInput(input string) []Message
	// OutputSchema returns nil for free-text tasks.
	OutputSchema() *Schema
	FilterOutput(raw string) (string, error)
}

// OutputValidationError reports a completion that violates the task's
// output contract. It is never retried and never stored as a result.
type OutputValidationError struct {
	TaskID string
	Reason string
}

func (e *OutputValidationError) Error() string {
	return fmt.Sprintf("task %s: invalid output: %s", e.TaskID, e.Reason)
}

// AuditSource is the audit log source name for a task.
func AuditSource(taskID string) string {
	return "prompt_" + taskID
}

// descriptor carries the parts every task shares. Tasks embed it and
// override what differs.
type descriptor struct {
	id     string
	text   string
	model  string
	limit  int // input cap in runes, 0 for none
	marker string
}

func (d descriptor) ID() string                { return d.id }
func (d descriptor) Service() string           { return models.ServiceOpenAI }
func (d descriptor) PromptText() string        { return d.text }
func (d descriptor) SelectModel(string) string { return d.model }
func (d descriptor) OutputSchema() *Schema     { return nil }

// BuildInput sends the prompt as the system message and the sanitized,
// capped email text as the user message.
func (d descriptor) BuildInput(input string) []Message {
	return []Message{
		{Role: "system", Content: d.text},
		{Role: "user", Content: d.shape(input)},
	}
}

func (d descriptor) shape(input string) string {
	input = Sanitize(input)
	if d.limit > 0 {
		input, _ = Truncate(input, d.limit, d.marker)
	}
	return input
}

func (d descriptor) FilterOutput(raw string) (string, error) {
	return strings.TrimSpace(raw), nil
}

// Registry is the read-only task catalog, built once at startup.
type Registry struct {
	tasks map[string]Task
}

// NewRegistry builds a catalog from tasks. Task IDs must be unique.
func NewRegistry(tasks ...Task) (*Registry, error) {
	r := &Registry{tasks: make(map[string]Task, len(tasks))}
	for _, t := range tasks {
		if t.ID() == "" {
			return nil, fmt.Errorf("task with empty id")
		}
		if _, dup := r.tasks[t.ID()]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID())
		}
		r.tasks[t.ID()] = t
	}
	return r, nil
}

// DefaultRegistry returns the catalog of all built-in tasks.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		NewCaseNumberTask(),
		NewCopyRequestTask(),
		NewThreadSummaryTask(),
		NewLatestReplyTask(),
		NewBodyExtractionTask(),
		NewEmailParserTask(),
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Get looks up a task by ID.
func (r *Registry) Get(id string) (Task, bool) {
	t, ok := r.tasks[id]
	return t, ok
}

// IDs returns the task IDs in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
