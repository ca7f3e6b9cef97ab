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
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/mailextract/internal/models"
	"github.com/bcem/mailextract/internal/prompts"
)

type memAudit struct {
	entries []models.AuditEntry
}

func (m *memAudit) ByID(_ context.Context, id int64) (*models.AuditEntry, error) {
	for _, e := range m.entries {
		if e.ID == id {
			cp := e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memAudit) ByTimeRange(_ context.Context, from, to time.Time) ([]models.AuditEntry, error) {
	var out []models.AuditEntry
	for _, e := range m.entries {
		if !e.Time.Before(from) && e.Time.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

var base = time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)

func TestCorrelate_LinkedIDWins(t *testing.T) {
	audit := &memAudit{entries: []models.AuditEntry{
		{ID: 1, Source: "prompt_saksnummer", Time: base},
		{ID: 2, Source: "prompt_saksnummer", Time: base.Add(time.Hour)},
	}}
	id := int64(2)
	ext := &models.Extraction{PromptID: "saksnummer", CreatedAt: base, AuditLogID: &id}

	got, err := Correlate(context.Background(), audit, ext)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)
}

func TestCorrelate_Window(t *testing.T) {
	audit := &memAudit{entries: []models.AuditEntry{
		{ID: 1, Source: "prompt_saksnummer", Time: base.Add(3 * time.Second)},
		{ID: 2, Source: "prompt_saksnummer", Time: base.Add(10 * time.Second)},
		{ID: 3, Source: "prompt_saksnummer", Time: base.Add(11 * time.Second)},
		{ID: 4, Source: "prompt_thread-email-summary", Time: base},
		{ID: 5, Source: "prompt_saksnummer", Time: base.Add(-10 * time.Second)},
	}}
	ext := &models.Extraction{PromptID: "saksnummer", CreatedAt: base}

	got, err := Correlate(context.Background(), audit, ext)
	require.NoError(t, err)
	var ids []int64
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []int64{1, 2, 5}, ids)
}

// memUnlinked serves Unlinked from a fixed list and records links.
type memUnlinked struct {
	exts   []models.Extraction
	linked map[int64]int64
}

func (m *memUnlinked) Unlinked(_ context.Context, _, promptID string) ([]models.Extraction, error) {
	var out []models.Extraction
	for _, e := range m.exts {
		if e.PromptID == promptID && e.AuditLogID == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memUnlinked) AttachAudit(_ context.Context, id, auditLogID int64) error {
	m.linked[id] = auditLogID
	return nil
}

func TestReconcile(t *testing.T) {
	audit := &memAudit{entries: []models.AuditEntry{
		{ID: 10, Source: "prompt_saksnummer", Time: base.Add(time.Second)},
		{ID: 20, Source: "prompt_saksnummer", Time: base.Add(time.Hour)},
		{ID: 21, Source: "prompt_saksnummer", Time: base.Add(time.Hour + 2*time.Second)},
	}}
	store := &memUnlinked{
		linked: make(map[int64]int64),
		exts: []models.Extraction{
			{ExtractionID: 1, EmailID: uuid.New(), PromptID: "saksnummer", CreatedAt: base},
			{ExtractionID: 2, EmailID: uuid.New(), PromptID: "saksnummer", CreatedAt: base.Add(time.Hour)},
			{ExtractionID: 3, EmailID: uuid.New(), PromptID: "saksnummer", CreatedAt: base.Add(48 * time.Hour)},
		},
	}

	res, err := Reconcile(context.Background(), store, audit, prompts.NewCaseNumberTask())
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Checked: 3, Linked: 1, Ambiguous: 1, Unmatched: 1}, *res)
	assert.Equal(t, map[int64]int64{1: 10}, store.linked)
}
