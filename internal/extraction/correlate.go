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
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/mailextract/internal/models"
	"github.com/bcem/mailextract/internal/prompts"
)

// CorrelationWindow is how far apart an extraction and an unlinked audit
// entry may be and still be considered the same run.
const CorrelationWindow = 10 * time.Second

// AuditLookup reads the audit log.
type AuditLookup interface {
	ByID(ctx context.Context, id int64) (*models.AuditEntry, error)
	ByTimeRange(ctx context.Context, from, to time.Time) ([]models.AuditEntry, error)
}

// Correlate returns the audit entries belonging to ext. A linked
// audit_log_id is authoritative. Without one, entries from the task's
// source within CorrelationWindow of the extraction's creation are
// returned; more than one candidate means the match is ambiguous.
func Correlate(ctx context.Context, audit AuditLookup, ext *models.Extraction) ([]models.AuditEntry, error) {
	if ext.AuditLogID != nil {
		entry, err := audit.ByID(ctx, *ext.AuditLogID)
		if err != nil {
			return nil, fmt.Errorf("load audit entry %d: %w", *ext.AuditLogID, err)
		}
		if entry == nil {
			return nil, nil
		}
		return []models.AuditEntry{*entry}, nil
	}

	from := ext.CreatedAt.Add(-CorrelationWindow)
	to := ext.CreatedAt.Add(CorrelationWindow + time.Nanosecond)
	entries, err := audit.ByTimeRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load audit entries near %s: %w", ext.CreatedAt, err)
	}
	source := prompts.AuditSource(ext.PromptID)
	var matched []models.AuditEntry
	for _, e := range entries {
		if e.Source == source {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// Unlinker finds and links extractions without an audit entry.
type Unlinker interface {
	Unlinked(ctx context.Context, promptService, promptID string) ([]models.Extraction, error)
	AttachAudit(ctx context.Context, id, auditLogID int64) error
}

// ReconcileResult summarises a Reconcile pass.
type ReconcileResult struct {
	Checked   int
	Linked    int
	Ambiguous int
	Unmatched int
	Errors    int
}

// Reconcile links legacy extractions of a task to their audit entries
// where the time window yields exactly one candidate.
func Reconcile(ctx context.Context, store Unlinker, audit AuditLookup, task prompts.Task) (*ReconcileResult, error) {
	exts, err := store.Unlinked(ctx, task.Service(), task.ID())
	if err != nil {
		return nil, fmt.Errorf("list unlinked extractions: %w", err)
	}

	res := &ReconcileResult{}
	for i := range exts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ext := &exts[i]
		res.Checked++

		matches, err := Correlate(ctx, audit, ext)
		if err != nil {
			slog.Error("correlate failed", "extraction_id", ext.ExtractionID, "error", err)
			res.Errors++
			continue
		}
		switch len(matches) {
		case 0:
			res.Unmatched++
		case 1:
			if err := store.AttachAudit(ctx, ext.ExtractionID, matches[0].ID); err != nil {
				slog.Error("link audit entry failed",
					"extraction_id", ext.ExtractionID,
					"audit_log_id", matches[0].ID,
					"error", err,
				)
				res.Errors++
				continue
			}
			res.Linked++
		default:
			slog.Warn("ambiguous audit correlation",
				"extraction_id", ext.ExtractionID,
				"candidates", len(matches),
			)
			res.Ambiguous++
		}
	}
	return res, nil
}
