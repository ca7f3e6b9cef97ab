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

// Package extraction runs catalog tasks against email text and persists
// the results. A run moves through Pending, Sent and then Completed or
// Failed; the outcome is always written back to the extraction row.
package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailextract/internal/models"
)

// Source prompt texts of the code-produced extractions that feed tasks.
const (
	SourceEmailBody     = "email_body"
	SourceAttachmentPDF = "attachment_pdf"
)

// NewExtraction holds the fields fixed when a run starts.
type NewExtraction struct {
	EmailID       uuid.UUID
	AttachmentID  *int64
	PromptID      string
	PromptText    string
	PromptService string
}

// Source is an email with extracted text that still lacks a result for
// some task.
type Source struct {
	Context      SourceContext
	ExtractionID int64
	AttachmentID *int64
	Text         string
}

// Store persists extractions in the thread_email_extractions table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an extraction store and ensures its table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure extraction schema: %w", err)
	}
	slog.Info("extraction store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS thread_email_extractions (
			extraction_id  BIGSERIAL PRIMARY KEY,
			email_id       UUID NOT NULL,
			attachment_id  BIGINT,
			prompt_id      TEXT,
			prompt_text    TEXT NOT NULL,
			prompt_service TEXT NOT NULL,
			extracted_text TEXT,
			error_message  TEXT,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		ALTER TABLE thread_email_extractions
			ADD COLUMN IF NOT EXISTS audit_log_id BIGINT;
		CREATE INDEX IF NOT EXISTS idx_tee_email ON thread_email_extractions(email_id);
		CREATE INDEX IF NOT EXISTS idx_tee_attachment ON thread_email_extractions(attachment_id);
		CREATE INDEX IF NOT EXISTS idx_tee_prompt ON thread_email_extractions(prompt_service, prompt_id);
	`)
	return err
}

const selectColumns = `
	SELECT extraction_id, email_id, attachment_id, COALESCE(prompt_id, ''),
	       prompt_text, prompt_service, extracted_text, error_message,
	       audit_log_id, created_at, updated_at
	FROM thread_email_extractions`

const returningColumns = `
	RETURNING extraction_id, email_id, attachment_id, COALESCE(prompt_id, ''),
	          prompt_text, prompt_service, extracted_text, error_message,
	          audit_log_id, created_at, updated_at`

// Create inserts a pending extraction.
func (s *Store) Create(ctx context.Context, n NewExtraction) (*models.Extraction, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO thread_email_extractions
			(email_id, attachment_id, prompt_id, prompt_text, prompt_service)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
	`+returningColumns, n.EmailID, n.AttachmentID, n.PromptID, n.PromptText, n.PromptService)
	e, err := scanExtraction(row)
	if err != nil {
		return nil, fmt.Errorf("insert extraction: %w", err)
	}
	return e, nil
}

// Complete records the extracted text of a finished run.
func (s *Store) Complete(ctx context.Context, id int64, text string) (*models.Extraction, error) {
	return s.finish(ctx, id, &text, nil)
}

// Fail records the error of a failed run.
func (s *Store) Fail(ctx context.Context, id int64, message string) (*models.Extraction, error) {
	return s.finish(ctx, id, nil, &message)
}

func (s *Store) finish(ctx context.Context, id int64, text, message *string) (*models.Extraction, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE thread_email_extractions
		SET extracted_text = $1, error_message = $2, updated_at = NOW()
		WHERE extraction_id = $3
	`+returningColumns, text, message, id)
	e, err := scanExtraction(row)
	if err != nil {
		return nil, fmt.Errorf("update extraction %d: %w", id, err)
	}
	if e == nil {
		return nil, fmt.Errorf("update extraction %d: not found", id)
	}
	return e, nil
}

// AttachAudit links an extraction to the audit entry of its request.
func (s *Store) AttachAudit(ctx context.Context, id, auditLogID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE thread_email_extractions
		SET audit_log_id = $1, updated_at = NOW()
		WHERE extraction_id = $2
	`, auditLogID, id)
	return err
}

// Get returns one extraction, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id int64) (*models.Extraction, error) {
	row := s.pool.QueryRow(ctx, selectColumns+`
		WHERE extraction_id = $1
	`, id)
	return scanExtraction(row)
}

// ListForEmail returns all extractions of an email, newest first.
func (s *Store) ListForEmail(ctx context.Context, emailID uuid.UUID) ([]models.Extraction, error) {
	rows, err := s.pool.Query(ctx, selectColumns+`
		WHERE email_id = $1
		ORDER BY created_at DESC
	`, emailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExtractions(rows)
}

// ListForAttachment returns all extractions of an attachment, newest first.
func (s *Store) ListForAttachment(ctx context.Context, attachmentID int64) ([]models.Extraction, error) {
	rows, err := s.pool.Query(ctx, selectColumns+`
		WHERE attachment_id = $1
		ORDER BY created_at DESC
	`, attachmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExtractions(rows)
}

// Unlinked returns extractions of a task that have no audit entry linked.
func (s *Store) Unlinked(ctx context.Context, promptService, promptID string) ([]models.Extraction, error) {
	rows, err := s.pool.Query(ctx, selectColumns+`
		WHERE prompt_service = $1 AND prompt_id = $2 AND audit_log_id IS NULL
		ORDER BY created_at
	`, promptService, promptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExtractions(rows)
}

// Delete removes an extraction so the next batch run recomputes it. It
// reports whether a row was removed.
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM thread_email_extractions WHERE extraction_id = $1
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// NextSource returns the oldest email that has code-extracted body or PDF
// text but no extraction for the given task, or nil when none is left.
func (s *Store) NextSource(ctx context.Context, promptService, promptID string) (*Source, error) {
	srcs, err := s.PendingSources(ctx, promptService, promptID, 1)
	if err != nil || len(srcs) == 0 {
		return nil, err
	}
	return &srcs[0], nil
}

// PendingSources returns up to limit emails waiting for the given task,
// oldest first, one source per email. Body text is preferred over PDF
// text when an email has both.
func (s *Store) PendingSources(ctx context.Context, promptService, promptID string, limit int) ([]Source, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT DISTINCT ON (te.id)
				te.id, te.thread_id, te.email_type, te.datetime_received,
				tee_source.extraction_id, tee_source.extracted_text,
				tee_source.prompt_text, tee_source.attachment_id,
				COALESCE(t.title, ''), COALESCE(t.entity_id, ''),
				COALESCE(t.my_name, ''), COALESCE(t.my_email, '')
			FROM thread_emails te
			JOIN threads t ON te.thread_id = t.id
			JOIN thread_email_extractions tee_source
				ON te.id = tee_source.email_id
				AND tee_source.prompt_service = 'code'
				AND tee_source.prompt_text IN ('email_body', 'attachment_pdf')
			LEFT JOIN thread_email_extractions tee_target
				ON te.id = tee_target.email_id
				AND tee_target.prompt_service = $1
				AND tee_target.prompt_id = $2
			WHERE tee_target.extraction_id IS NULL
				AND tee_source.extracted_text IS NOT NULL
			ORDER BY te.id, (tee_source.prompt_text = 'email_body') DESC, tee_source.extraction_id
		) pending
		ORDER BY datetime_received ASC
		LIMIT $3
	`, promptService, promptID, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending sources for %s: %w", promptID, err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var (
			src       Source
			c         = &src.Context
			emailType *string
		)
		if err := rows.Scan(
			&c.Email.ID, &c.Email.ThreadID, &emailType, &c.Email.DatetimeReceived,
			&src.ExtractionID, &src.Text, &c.Kind, &src.AttachmentID,
			&c.Thread.Title, &c.Thread.EntityID,
			&c.Thread.MyName, &c.Thread.MyEmail,
		); err != nil {
			return nil, fmt.Errorf("scan pending source: %w", err)
		}
		c.Thread.ID = c.Email.ThreadID
		if emailType != nil {
			c.Email.EmailType = *emailType
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// CountPending counts emails that have source text but no extraction for
// the given task.
func (s *Store) CountPending(ctx context.Context, promptService, promptID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT te.id)
		FROM thread_emails te
		JOIN thread_email_extractions tee_source
			ON te.id = tee_source.email_id
			AND tee_source.prompt_service = 'code'
			AND tee_source.prompt_text IN ('email_body', 'attachment_pdf')
		LEFT JOIN thread_email_extractions tee_target
			ON te.id = tee_target.email_id
			AND tee_target.prompt_service = $1
			AND tee_target.prompt_id = $2
		WHERE tee_target.extraction_id IS NULL
			AND tee_source.extracted_text IS NOT NULL
	`, promptService, promptID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending for %s: %w", promptID, err)
	}
	return n, nil
}

// PendingBodies returns up to limit emails that have no code-extracted
// body yet, oldest first. Failed body extractions count as done.
func (s *Store) PendingBodies(ctx context.Context, limit int) ([]Source, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, `
		SELECT te.id, te.thread_id, te.email_type, te.datetime_received,
			COALESCE(t.title, ''), COALESCE(t.entity_id, ''),
			COALESCE(t.my_name, ''), COALESCE(t.my_email, '')
		FROM thread_emails te
		JOIN threads t ON te.thread_id = t.id
		LEFT JOIN thread_email_extractions tee
			ON te.id = tee.email_id
			AND tee.attachment_id IS NULL
			AND tee.prompt_service = 'code'
			AND tee.prompt_text = 'email_body'
		WHERE tee.extraction_id IS NULL
		ORDER BY te.datetime_received ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("find emails without body: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var (
			src       = Source{Context: SourceContext{Kind: SourceEmailBody}}
			c         = &src.Context
			emailType *string
		)
		if err := rows.Scan(
			&c.Email.ID, &c.Email.ThreadID, &emailType, &c.Email.DatetimeReceived,
			&c.Thread.Title, &c.Thread.EntityID,
			&c.Thread.MyName, &c.Thread.MyEmail,
		); err != nil {
			return nil, fmt.Errorf("scan email without body: %w", err)
		}
		c.Thread.ID = c.Email.ThreadID
		if emailType != nil {
			c.Email.EmailType = *emailType
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// CountPendingBodies counts emails that have no code-extracted body yet.
func (s *Store) CountPendingBodies(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM thread_emails te
		LEFT JOIN thread_email_extractions tee
			ON te.id = tee.email_id
			AND tee.attachment_id IS NULL
			AND tee.prompt_service = 'code'
			AND tee.prompt_text = 'email_body'
		WHERE tee.extraction_id IS NULL
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count emails without body: %w", err)
	}
	return n, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func scanExtraction(row pgx.Row) (*models.Extraction, error) {
	var e models.Extraction
	err := row.Scan(
		&e.ExtractionID, &e.EmailID, &e.AttachmentID, &e.PromptID,
		&e.PromptText, &e.PromptService, &e.ExtractedText, &e.ErrorMessage,
		&e.AuditLogID, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectExtractions(rows pgx.Rows) ([]models.Extraction, error) {
	var out []models.Extraction
	for rows.Next() {
		var e models.Extraction
		if err := rows.Scan(
			&e.ExtractionID, &e.EmailID, &e.AttachmentID, &e.PromptID,
			&e.PromptText, &e.PromptService, &e.ExtractedText, &e.ErrorMessage,
			&e.AuditLogID, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
