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

// Package runner works through the emails still waiting for a task,
// running the extraction orchestrator on each with a bounded number of
// parallel workers.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bcem/mailextract/internal/extraction"
	"github.com/bcem/mailextract/internal/lock"
	"github.com/bcem/mailextract/internal/models"
	"github.com/bcem/mailextract/internal/prompts"
)

// DefaultWorkers is used when RunnerConfig.Workers is not positive.
const DefaultWorkers = 4

// Sources lists emails waiting for a task.
type Sources interface {
	PendingSources(ctx context.Context, promptService, promptID string, limit int) ([]extraction.Source, error)
}

// Executor runs one task against one input.
type Executor interface {
	Run(ctx context.Context, task prompts.Task, in extraction.RunInput) (*models.Extraction, error)
}

// Claimer serialises runs on the same email across processes.
type Claimer interface {
	Claim(ctx context.Context, emailID uuid.UUID, attachmentID *int64, promptID string) (*lock.Claim, error)
	Release(ctx context.Context, c *lock.Claim) error
}

// Publisher announces finished runs.
type Publisher interface {
	PublishExtractionEvent(ctx context.Context, event *models.ExtractionEvent) error
}

// Job is one kind of batch work: what is pending and how to run one item.
type Job interface {
	ID() string
	Pending(ctx context.Context, limit int) ([]extraction.Source, error)
	Run(ctx context.Context, src extraction.Source) (*models.Extraction, error)
}

// Request defines the scope of a batch run. Job, when set, replaces the
// task job built from Task and the configured Sources and Executor.
type Request struct {
	Task  prompts.Task
	Job   Job
	Limit int // maximum runs, 0 for all pending
}

// taskJob runs a catalog task over emails with code-extracted text.
type taskJob struct {
	task     prompts.Task
	sources  Sources
	executor Executor
}

func (j *taskJob) ID() string { return j.task.ID() }

func (j *taskJob) Pending(ctx context.Context, limit int) ([]extraction.Source, error) {
	return j.sources.PendingSources(ctx, j.task.Service(), j.task.ID(), limit)
}

func (j *taskJob) Run(ctx context.Context, src extraction.Source) (*models.Extraction, error) {
	return j.executor.Run(ctx, j.task, extraction.RunInput{
		EmailID:      src.Context.Email.ID,
		AttachmentID: src.AttachmentID,
		Text:         extraction.PrepareInput(src.Context, src.Text),
	})
}

// BodyJob produces the code email_body extraction of emails that have none.
type BodyJob struct {
	Sources interface {
		PendingBodies(ctx context.Context, limit int) ([]extraction.Source, error)
	}
	Extractor interface {
		Run(ctx context.Context, email models.EmailRecord) (*models.Extraction, error)
	}
}

func (j *BodyJob) ID() string { return extraction.SourceEmailBody }

func (j *BodyJob) Pending(ctx context.Context, limit int) ([]extraction.Source, error) {
	return j.Sources.PendingBodies(ctx, limit)
}

func (j *BodyJob) Run(ctx context.Context, src extraction.Source) (*models.Extraction, error) {
	return j.Extractor.Run(ctx, src.Context.Email)
}

// Result summarises a batch run.
type Result struct {
	TaskID    string
	Completed int
	Failed    int
	Skipped   int // claimed by another worker
	Errors    int // could not be started or recorded
	Elapsed   time.Duration
}

func (r *Result) processed() int { return r.Completed + r.Failed }

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeError
)

func (r *Result) add(o outcome) {
	switch o {
	case outcomeCompleted:
		r.Completed++
	case outcomeFailed:
		r.Failed++
	case outcomeSkipped:
		r.Skipped++
	default:
		r.Errors++
	}
}

// Runner performs batch extraction.
type Runner struct {
	sources   Sources
	executor  Executor
	locker    Claimer
	publisher Publisher
	workers   int
}

// RunnerConfig holds dependencies for the batch runner. Locker and
// Publisher are optional.
type RunnerConfig struct {
	Sources   Sources
	Executor  Executor
	Locker    Claimer
	Publisher Publisher
	Workers   int
}

// NewRunner creates a batch runner.
func NewRunner(cfg RunnerConfig) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Runner{
		sources:   cfg.Sources,
		executor:  cfg.Executor,
		locker:    cfg.Locker,
		publisher: cfg.Publisher,
		workers:   workers,
	}
}

// Run processes pending emails for the requested job until none are
// left, the limit is reached or a batch makes no progress. Individual run
// failures are recorded on their extraction and counted, not returned.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	job := req.Job
	if job == nil {
		job = &taskJob{task: req.Task, sources: r.sources, executor: r.executor}
	}
	result := &Result{TaskID: job.ID()}

	slog.Info("starting batch extraction",
		"task", job.ID(),
		"workers", r.workers,
		"limit", req.Limit,
	)

	var mu sync.Mutex
	for {
		if err := ctx.Err(); err != nil {
			result.Elapsed = time.Since(start)
			return result, err
		}

		batch := r.workers
		if req.Limit > 0 {
			remaining := req.Limit - result.processed()
			if remaining <= 0 {
				break
			}
			batch = min(batch, remaining)
		}

		srcs, err := job.Pending(ctx, batch)
		if err != nil {
			result.Elapsed = time.Since(start)
			return result, fmt.Errorf("list pending sources: %w", err)
		}
		if len(srcs) == 0 {
			break
		}

		before := result.processed()

		var g errgroup.Group
		g.SetLimit(r.workers)
		for _, src := range srcs {
			src := src
			g.Go(func() error {
				o := r.process(ctx, job, src)
				mu.Lock()
				result.add(o)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if result.processed() == before {
			slog.Warn("batch made no progress, stopping",
				"task", job.ID(),
				"pending", len(srcs),
			)
			break
		}
	}

	result.Elapsed = time.Since(start)

	slog.Info("batch extraction complete",
		"task", job.ID(),
		"completed", result.Completed,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// process runs the job on one source while holding its claim.
func (r *Runner) process(ctx context.Context, job Job, src extraction.Source) outcome {
	emailID := src.Context.Email.ID

	if r.locker != nil {
		claim, err := r.locker.Claim(ctx, emailID, src.AttachmentID, job.ID())
		if err != nil {
			slog.Error("claim failed", "task", job.ID(), "email_id", emailID, "error", err)
			return outcomeError
		}
		if claim == nil {
			slog.Debug("email claimed elsewhere, skipping", "task", job.ID(), "email_id", emailID)
			return outcomeSkipped
		}
		defer func() {
			if err := r.locker.Release(context.WithoutCancel(ctx), claim); err != nil {
				slog.Warn("release claim failed", "key", claim.Key, "error", err)
			}
		}()
	}

	ext, err := job.Run(ctx, src)
	if ext == nil {
		slog.Error("extraction could not be started",
			"task", job.ID(),
			"email_id", emailID,
			"error", err,
		)
		return outcomeError
	}

	if r.publisher != nil {
		if perr := r.publisher.PublishExtractionEvent(ctx, models.NewExtractionEvent(ext)); perr != nil {
			slog.Warn("publish extraction event failed",
				"extraction_id", ext.ExtractionID,
				"error", perr,
			)
		}
	}

	if err != nil {
		slog.Warn("extraction failed",
			"task", job.ID(),
			"email_id", emailID,
			"extraction_id", ext.ExtractionID,
			"error", err,
		)
		return outcomeFailed
	}

	slog.Info("extraction completed",
		"task", job.ID(),
		"email_id", emailID,
		"extraction_id", ext.ExtractionID,
	)
	return outcomeCompleted
}
