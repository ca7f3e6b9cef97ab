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

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bcem/mailextract/internal/extraction"
	"github.com/bcem/mailextract/internal/lock"
	"github.com/bcem/mailextract/internal/models"
	"github.com/bcem/mailextract/internal/prompts"
	"github.com/bcem/mailextract/internal/queue"
	"github.com/bcem/mailextract/internal/runner"
)

func runCmd() *cobra.Command {
	var (
		taskID    string
		limit     int
		workers   int
		noPublish bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a task over every email still waiting for it",
		Long: `run works through every email still waiting for --task.

--task email_body parses the stored raw messages and records their body
text, which every catalog task reads its input from. Run it first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				req := runner.Request{Limit: limit}
				var executor runner.Executor
				if taskID == extraction.SourceEmailBody {
					req.Job = &runner.BodyJob{
						Sources:   a.extractions,
						Extractor: extraction.NewBodyExtractor(a.extractions, a.threads),
					}
				} else {
					task, err := lookupTask(a.registry, taskID)
					if err != nil {
						return err
					}
					if rawMessageTask(task.ID()) {
						return fmt.Errorf("%s reads raw messages, use extract body", task.ID())
					}
					client, err := a.completionClient(ctx)
					if err != nil {
						return err
					}
					req.Task = task
					executor = extraction.NewOrchestrator(a.extractions, client)
				}

				opt, err := redis.ParseURL(a.cfg.RedisURL)
				if err != nil {
					return fmt.Errorf("invalid REDIS_URL: %w", err)
				}
				rdb := redis.NewClient(opt)
				defer rdb.Close()

				locker := lock.NewLocker(rdb, a.cfg.ClaimTTL)
				if err := locker.Ping(ctx); err != nil {
					return fmt.Errorf("connect to Redis: %w", err)
				}

				rc := runner.RunnerConfig{
					Sources:  a.extractions,
					Executor: executor,
					Locker:   locker,
					Workers:  a.cfg.Workers,
				}
				if workers > 0 {
					rc.Workers = workers
				}
				if !noPublish {
					rc.Publisher = queue.NewPublisher(rdb, a.cfg.EventsQueue)
				}

				res, err := runner.NewRunner(rc).Run(ctx, req)
				if res != nil {
					if perr := printRunResult(cmd, res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id, or email_body for the code body stage")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs (0 for all pending)")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel workers (default from config)")
	cmd.Flags().BoolVar(&noPublish, "no-publish", false, "do not publish extraction events")
	return cmd
}

// rawMessageTask reports whether a task reads a raw message rather than
// code-extracted text, so it cannot run in batch.
func rawMessageTask(id string) bool {
	return id == prompts.BodyExtractionTaskID || id == prompts.EmailParserTaskID
}

func printRunResult(cmd *cobra.Command, res *runner.Result) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"task":       res.TaskID,
			"completed":  res.Completed,
			"failed":     res.Failed,
			"skipped":    res.Skipped,
			"errors":     res.Errors,
			"elapsed_ms": res.Elapsed.Milliseconds(),
		})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"Task", "Completed", "Failed", "Skipped", "Errors", "Elapsed"})
	tw.AppendRow(table.Row{res.TaskID, res.Completed, res.Failed, res.Skipped, res.Errors, res.Elapsed.Round(time.Millisecond)})
	tw.Render()
	return nil
}

func tasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the task catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printTasks(cmd, prompts.DefaultRegistry())
		},
	}
}

type taskInfo struct {
	ID      string `json:"id"`
	Service string `json:"service"`
	Model   string `json:"model"`
	Schema  string `json:"schema,omitempty"`
}

func printTasks(cmd *cobra.Command, reg *prompts.Registry) error {
	var infos []taskInfo
	for _, id := range reg.IDs() {
		t, _ := reg.Get(id)
		info := taskInfo{ID: id, Service: t.Service(), Model: t.SelectModel("")}
		if s := t.OutputSchema(); s != nil {
			info.Schema = s.Name
		}
		infos = append(infos, info)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), infos)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"ID", "Service", "Model", "Schema"})
	for _, i := range infos {
		tw.AppendRow(table.Row{i.ID, i.Service, i.Model, i.Schema})
	}
	tw.Render()
	return nil
}

func pendingCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Count emails waiting for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if taskID == extraction.SourceEmailBody {
					n, err := a.extractions.CountPendingBodies(ctx)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(cmd.OutOrStdout(), map[string]any{"task": taskID, "pending": n})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pending\n", taskID, n)
					return nil
				}
				task, err := lookupTask(a.registry, taskID)
				if err != nil {
					return err
				}
				n, err := a.extractions.CountPending(ctx, task.Service(), task.ID())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]any{"task": task.ID(), "pending": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pending\n", task.ID(), n)

				next, err := a.extractions.NextSource(ctx, task.Service(), task.ID())
				if err != nil {
					return err
				}
				if next != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "next: email %s (%s, received %s)\n",
						next.Context.Email.ID, next.Context.Kind,
						next.Context.Email.DatetimeReceived.Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <extraction_id>",
		Short: "Delete an extraction so the next run recomputes it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid extraction id %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				ok, err := a.extractions.Delete(ctx, id)
				if err != nil {
					return fmt.Errorf("delete extraction %d: %w", id, err)
				}
				if !ok {
					return fmt.Errorf("extraction %d not found", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted extraction %d\n", id)
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Link extractions without an audit entry by time window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				task, err := lookupTask(a.registry, taskID)
				if err != nil {
					return err
				}
				res, err := extraction.Reconcile(ctx, a.extractions, a.audit, task)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"Task", "Checked", "Linked", "Ambiguous", "Unmatched", "Errors"})
				tw.AppendRow(table.Row{task.ID(), res.Checked, res.Linked, res.Ambiguous, res.Unmatched, res.Errors})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		emailID      string
		attachmentID int64
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List extractions of an email or attachment",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (emailID == "") == (attachmentID == 0) {
				return fmt.Errorf("exactly one of --email or --attachment required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var (
					exts []models.Extraction
					err  error
				)
				if emailID != "" {
					id, perr := uuid.Parse(emailID)
					if perr != nil {
						return fmt.Errorf("invalid email id: %w", perr)
					}
					exts, err = a.extractions.ListForEmail(ctx, id)
				} else {
					exts, err = a.extractions.ListForAttachment(ctx, attachmentID)
				}
				if err != nil {
					return err
				}
				return printExtractions(cmd, exts)
			})
		},
	}
	cmd.Flags().StringVar(&emailID, "email", "", "email id")
	cmd.Flags().Int64Var(&attachmentID, "attachment", 0, "attachment id")
	return cmd
}

func printExtractions(cmd *cobra.Command, exts []models.Extraction) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), exts)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"ID", "Task", "Attachment", "Audit", "Created", "Result"})
	for _, e := range exts {
		result := ""
		if e.ExtractedText != nil {
			result = truncate(*e.ExtractedText, 60)
		}
		if e.Failed() {
			result = "error: " + truncate(*e.ErrorMessage, 53)
		}
		tw.AppendRow(table.Row{
			e.ExtractionID,
			e.PromptID,
			deref(e.AttachmentID),
			deref(e.AuditLogID),
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			result,
		})
	}
	tw.Render()
	return nil
}
