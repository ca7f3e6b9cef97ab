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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/bcem/mailextract/internal/auditlog"
	"github.com/bcem/mailextract/internal/extraction"
	"github.com/bcem/mailextract/internal/models"
)

func usageCmd() *cobra.Command {
	var (
		source string
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Sum completion requests and tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since <= 0 {
				return fmt.Errorf("--since must be positive")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				to := time.Now()
				from := to.Add(-since)
				u, err := a.audit.TokenUsage(ctx, source, from, to)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"source": source,
						"from":   from,
						"to":     to,
						"usage":  u,
					})
				}
				label := source
				if label == "" {
					label = "(all)"
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"Source", "Since", "Requests", "Tokens in", "Tokens out"})
				tw.AppendRow(table.Row{label, since, u.Requests, u.TokensInput, u.TokensOutput})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "audit source, e.g. prompt_saksnummer (default all)")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "look-back window")
	return cmd
}

func logCmd() *cobra.Command {
	var (
		source string
		ids    []int64
		limit  int
		full   bool
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" && len(ids) == 0 {
				return fmt.Errorf("--source or --id required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var (
					entries []models.AuditEntry
					err     error
				)
				if len(ids) > 0 {
					entries, err = a.audit.ByIDs(ctx, ids)
				} else {
					entries, err = a.audit.BySource(ctx, source, limit)
				}
				if err != nil {
					return err
				}
				return printAuditEntries(cmd, entries, full)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "audit source")
	cmd.Flags().Int64SliceVar(&ids, "id", nil, "audit entry id (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", auditlog.DefaultLimit, "maximum entries")
	cmd.Flags().BoolVar(&full, "full", false, "print request and response bodies")
	return cmd
}

func orphansCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List audit entries that were opened but never closed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				entries, err := a.audit.Orphaned(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				return printAuditEntries(cmd, entries, false)
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "minimum age")
	return cmd
}

func correlateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "correlate <extraction_id>",
		Short: "Show the audit entries behind an extraction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid extraction id %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				ext, err := a.extractions.Get(ctx, id)
				if err != nil {
					return err
				}
				if ext == nil {
					return fmt.Errorf("extraction %d not found", id)
				}
				entries, err := extraction.Correlate(ctx, a.audit, ext)
				if err != nil {
					return err
				}
				if ext.AuditLogID == nil && len(entries) > 1 {
					fmt.Fprintf(cmd.ErrOrStderr(), "extraction %d is not linked; %d candidates in window\n", id, len(entries))
				}
				return printAuditEntries(cmd, entries, false)
			})
		},
	}
}

func printAuditEntries(cmd *cobra.Command, entries []models.AuditEntry, full bool) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	header := table.Row{"ID", "Time", "Source", "Code", "Model", "Status", "In", "Out"}
	if full {
		header = append(header, "Request", "Response")
	}
	tw.AppendHeader(header)
	for _, e := range entries {
		row := table.Row{
			e.ID,
			e.Time.Format("2006-01-02 15:04:05"),
			e.Source,
			deref(e.ResponseCode),
			deref(e.Model),
			deref(e.Status),
			deref(e.TokensInput),
			deref(e.TokensOutput),
		}
		if full {
			resp := ""
			if e.Response != nil {
				resp = *e.Response
			}
			row = append(row, truncate(e.Request, 80), truncate(resp, 80))
		}
		tw.AppendRow(row)
	}
	tw.Render()
	return nil
}
