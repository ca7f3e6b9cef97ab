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

// Package access serves stored extractions to users who may read the
// thread they belong to.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bcem/mailextract/internal/models"
)

var (
	ErrNotFound  = errors.New("extraction not found")
	ErrForbidden = errors.New("access to extraction denied")
)

// Extractions loads extractions by id.
type Extractions interface {
	Get(ctx context.Context, id int64) (*models.Extraction, error)
}

// Threads resolves emails to threads and checks thread access.
type Threads interface {
	GetEmail(ctx context.Context, id uuid.UUID) (*models.EmailRecord, error)
	GetThread(ctx context.Context, id uuid.UUID) (*models.Thread, error)
	CanAccess(ctx context.Context, threadID uuid.UUID, userID string) (bool, error)
}

// Gateway authorizes extraction reads.
type Gateway struct {
	extractions Extractions
	threads     Threads
}

func NewGateway(extractions Extractions, threads Threads) *Gateway {
	return &Gateway{extractions: extractions, threads: threads}
}

// Get returns the extraction if userID may read its thread. Missing
// extractions and extractions whose email or thread is gone are
// ErrNotFound.
func (g *Gateway) Get(ctx context.Context, extractionID int64, userID string) (*models.Extraction, error) {
	ext, err := g.extractions.Get(ctx, extractionID)
	if err != nil {
		return nil, fmt.Errorf("load extraction %d: %w", extractionID, err)
	}
	if ext == nil {
		return nil, ErrNotFound
	}

	email, err := g.threads.GetEmail(ctx, ext.EmailID)
	if err != nil {
		return nil, fmt.Errorf("load email %s: %w", ext.EmailID, err)
	}
	if email == nil {
		return nil, ErrNotFound
	}

	thread, err := g.threads.GetThread(ctx, email.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", email.ThreadID, err)
	}
	if thread == nil {
		return nil, ErrNotFound
	}

	ok, err := g.threads.CanAccess(ctx, thread.ID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}
	return ext, nil
}
