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

// Command extract is the operator CLI for the extraction service: batch
// runs, audit log inspection and message parsing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/bcem/mailextract/internal/auditlog"
	"github.com/bcem/mailextract/internal/completion"
	"github.com/bcem/mailextract/internal/config"
	"github.com/bcem/mailextract/internal/extraction"
	"github.com/bcem/mailextract/internal/prompts"
	"github.com/bcem/mailextract/internal/threads"
)

var (
	jsonOutput bool
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "extract",
		Short: "Mail extraction operator CLI",
		Long: `extract runs LLM extraction tasks over stored emails and inspects
the completion request audit log.

Configuration is read from CONFIG_PATH (default /app/config/config.yaml)
and the environment (DATABASE_URL, REDIS_URL, OPENAI_API_KEY, ...).`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(runCmd())
	root.AddCommand(tasksCmd())
	root.AddCommand(pendingCmd())
	root.AddCommand(retryCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(usageCmd())
	root.AddCommand(logCmd())
	root.AddCommand(orphansCmd())
	root.AddCommand(correlateCmd())
	root.AddCommand(parseCmd())
	root.AddCommand(bodyCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds what most commands need: configuration and the Postgres stores.
type app struct {
	cfg         *config.Config
	audit       *auditlog.Store
	extractions *extraction.Store
	threads     *threads.Store
	registry    *prompts.Registry
}

func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("create Postgres pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("connect to PostgreSQL: %w", err)
	}

	audit, err := auditlog.NewStore(ctx, pool)
	if err != nil {
		return err
	}
	extractions, err := extraction.NewStore(ctx, pool)
	if err != nil {
		return err
	}

	return fn(ctx, &app{
		cfg:         cfg,
		audit:       audit,
		extractions: extractions,
		threads:     threads.NewStore(pool),
		registry:    prompts.DefaultRegistry(),
	})
}

// completionClient builds the audited completion client from config.
func (a *app) completionClient(ctx context.Context) (*completion.Client, error) {
	if err := a.cfg.RequireCompletion(); err != nil {
		return nil, err
	}
	httpClient, err := completion.NewHTTPClient(ctx, completion.AuthConfig{
		APIKey:       a.cfg.Completion.APIKey,
		TokenURL:     a.cfg.Completion.TokenURL,
		ClientID:     a.cfg.Completion.ClientID,
		ClientSecret: a.cfg.Completion.ClientSecret,
		Scopes:       a.cfg.Completion.Scopes,
	})
	if err != nil {
		return nil, err
	}
	return completion.NewClient(completion.Config{
		Endpoint:   a.cfg.Completion.Endpoint,
		Timeout:    a.cfg.Completion.Timeout,
		HTTPClient: httpClient,
	}, a.audit), nil
}

// lookupTask resolves a task id, listing the catalog when it is unknown.
func lookupTask(reg *prompts.Registry, id string) (prompts.Task, error) {
	if id == "" {
		return nil, fmt.Errorf("--task required (one of: %s)", taskChoices(reg))
	}
	t, ok := reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown task %q (one of: %s)", id, taskChoices(reg))
	}
	return t, nil
}

// taskChoices lists the catalog plus the code body stage.
func taskChoices(reg *prompts.Registry) string {
	return strings.Join(append(reg.IDs(), extraction.SourceEmailBody), ", ")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref[T any](p *T) any {
	if p == nil {
		return ""
	}
	return *p
}

// truncate shortens s to n runes for table cells.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
