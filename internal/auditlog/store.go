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

// Package auditlog records every outbound completion request together with
// its response in Postgres. Entries are append-only: one row is opened
// before a request is sent and closed exactly once afterwards.
package auditlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailextract/internal/models"
)

// DefaultLimit bounds BySource when the caller passes a non-positive limit.
const DefaultLimit = 100

// Result is what Close records about a finished exchange. Code 0 means no
// HTTP response was received.
type Result struct {
	Response     string
	Code         int
	TokensInput  *int
	TokensOutput *int
	Model        *string
	Status       *string
}

// Store persists audit entries in the completion_request_log table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an audit store and ensures its table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure audit log schema: %w", err)
	}
	slog.Info("audit log store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS completion_request_log (
			id            BIGSERIAL PRIMARY KEY,
			source        TEXT NOT NULL,
			endpoint      TEXT NOT NULL,
			request       TEXT NOT NULL,
			response      TEXT,
			response_code INTEGER,
			tokens_input  INTEGER,
			tokens_output INTEGER,
			model         TEXT,
			status        TEXT,
			time          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_completion_log_source ON completion_request_log(source, time);
		CREATE INDEX IF NOT EXISTS idx_completion_log_time ON completion_request_log(time);
	`)
	return err
}

// Open records an outbound request and returns the new entry id.
func (s *Store) Open(ctx context.Context, source, endpoint, request string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO completion_request_log (source, endpoint, request)
		VALUES ($1, $2, $3)
		RETURNING id
	`, source, endpoint, request).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	return id, nil
}

// Close records the response of an open entry.
func (s *Store) Close(ctx context.Context, id int64, r Result) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE completion_request_log
		SET response = $1, response_code = $2, tokens_input = $3,
		    tokens_output = $4, model = $5, status = $6
		WHERE id = $7 AND response_code IS NULL
	`, r.Response, r.Code, r.TokensInput, r.TokensOutput, r.Model, r.Status, id)
	if err != nil {
		return fmt.Errorf("close audit entry %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close audit entry %d: not found or already closed", id)
	}
	return nil
}

const selectColumns = `
	SELECT id, source, endpoint, request, response, response_code,
	       tokens_input, tokens_output, model, status, time
	FROM completion_request_log`

// BySource returns the most recent entries for a source, newest first.
func (s *Store) BySource(ctx context.Context, source string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.pool.Query(ctx, selectColumns+`
		WHERE source = $1
		ORDER BY time DESC
		LIMIT $2
	`, source, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ByTimeRange returns entries with from <= time < to, newest first.
func (s *Store) ByTimeRange(ctx context.Context, from, to time.Time) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, selectColumns+`
		WHERE time >= $1 AND time < $2
		ORDER BY time DESC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// TokenUsage sums requests and tokens in [from, to). An empty source
// aggregates every source.
func (s *Store) TokenUsage(ctx context.Context, source string, from, to time.Time) (models.TokenUsage, error) {
	var u models.TokenUsage
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(tokens_input), 0),
		       COALESCE(SUM(tokens_output), 0)
		FROM completion_request_log
		WHERE time >= $1 AND time < $2
		  AND ($3 = '' OR source = $3)
	`, from, to, source).Scan(&u.Requests, &u.TokensInput, &u.TokensOutput)
	if err != nil {
		return models.TokenUsage{}, fmt.Errorf("sum token usage: %w", err)
	}
	return u, nil
}

// ByID returns a single entry, or nil if it does not exist.
func (s *Store) ByID(ctx context.Context, id int64) (*models.AuditEntry, error) {
	row := s.pool.QueryRow(ctx, selectColumns+`
		WHERE id = $1
	`, id)
	return scanEntry(row)
}

// ByIDs returns the entries with the given ids, newest first.
func (s *Store) ByIDs(ctx context.Context, ids []int64) ([]models.AuditEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, selectColumns+`
		WHERE id = ANY($1)
		ORDER BY time DESC
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// Orphaned lists entries opened before the cutoff that were never closed.
func (s *Store) Orphaned(ctx context.Context, olderThan time.Time) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, selectColumns+`
		WHERE response_code IS NULL AND time < $1
		ORDER BY time DESC
	`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func scanEntry(row pgx.Row) (*models.AuditEntry, error) {
	var e models.AuditEntry
	err := row.Scan(
		&e.ID, &e.Source, &e.Endpoint, &e.Request, &e.Response, &e.ResponseCode,
		&e.TokensInput, &e.TokensOutput, &e.Model, &e.Status, &e.Time,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(
			&e.ID, &e.Source, &e.Endpoint, &e.Request, &e.Response, &e.ResponseCode,
			&e.TokensInput, &e.TokensOutput, &e.Model, &e.Status, &e.Time,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
