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

// Package threads reads thread and email records owned by the thread
// service. It never writes.
package threads

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailextract/internal/models"
)

// Store is a read-only view of the threads, thread_emails and
// thread_authorizations tables.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetEmail returns an email record, or nil if it does not exist.
func (s *Store) GetEmail(ctx context.Context, id uuid.UUID) (*models.EmailRecord, error) {
	var (
		e         models.EmailRecord
		emailType *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, thread_id, email_type, datetime_received
		FROM thread_emails
		WHERE id = $1
	`, id).Scan(&e.ID, &e.ThreadID, &emailType, &e.DatetimeReceived)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get email %s: %w", id, err)
	}
	if emailType != nil {
		e.EmailType = *emailType
	}
	return &e, nil
}

// GetThread returns a thread, or nil if it does not exist.
func (s *Store) GetThread(ctx context.Context, id uuid.UUID) (*models.Thread, error) {
	var t models.Thread
	err := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(title, ''), COALESCE(entity_id, ''),
		       COALESCE(my_name, ''), COALESCE(my_email, ''),
		       COALESCE(public, false)
		FROM threads
		WHERE id = $1
	`, id).Scan(&t.ID, &t.Title, &t.EntityID, &t.MyName, &t.MyEmail, &t.Public)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	return &t, nil
}

// CanAccess reports whether userID may read the thread: public threads
// are readable by everyone, others need an authorization row.
func (s *Store) CanAccess(ctx context.Context, threadID uuid.UUID, userID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM threads WHERE id = $1 AND public IS TRUE
		) OR EXISTS (
			SELECT 1 FROM thread_authorizations
			WHERE thread_id = $1 AND user_id = $2
		)
	`, threadID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check access to thread %s: %w", threadID, err)
	}
	return ok, nil
}

// EmailContent returns the raw message of an email, or nil if the email
// does not exist in the thread or has no stored content.
func (s *Store) EmailContent(ctx context.Context, threadID, emailID uuid.UUID) ([]byte, error) {
	var content []byte
	err := s.pool.QueryRow(ctx, `
		SELECT content FROM thread_emails
		WHERE thread_id = $1 AND id = $2
	`, threadID, emailID).Scan(&content)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get content of email %s: %w", emailID, err)
	}
	return content, nil
}
