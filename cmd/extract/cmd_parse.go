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
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bcem/mailextract/internal/extraction"
	"github.com/bcem/mailextract/internal/mailparse"
	"github.com/bcem/mailextract/internal/prompts"
)

// readInput reads a file, or stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func parseCmd() *cobra.Command {
	var bodyOnly bool
	cmd := &cobra.Command{
		Use:   "parse <file.eml|->",
		Short: "Parse a raw message and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}
			msg := mailparse.Parse(raw)
			if bodyOnly {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), msg.Body)
				return err
			}
			return printJSON(cmd.OutOrStdout(), msg)
		},
	}
	cmd.Flags().BoolVar(&bodyOnly, "body", false, "print only the plain text body")
	return cmd
}

func bodyCmd() *cobra.Command {
	var emailID, taskID string
	cmd := &cobra.Command{
		Use:   "body <file.eml|->",
		Short: "Recover body text of a raw message with the model and store it",
		Long: `body sends a raw message to a model task and stores the answer.

--task email-body-extraction (default) returns the body text only,
--task email-parser returns headers and body as parsed_email JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !rawMessageTask(taskID) {
				return fmt.Errorf("--task must be %s or %s", prompts.BodyExtractionTaskID, prompts.EmailParserTaskID)
			}
			id, err := uuid.Parse(emailID)
			if err != nil {
				return fmt.Errorf("--email: %w", err)
			}
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				client, err := a.completionClient(ctx)
				if err != nil {
					return err
				}

				orch := extraction.NewOrchestrator(a.extractions, client)
				task, _ := a.registry.Get(taskID)
				ext, err := orch.Run(ctx, task, extraction.RunInput{
					EmailID: id,
					Text:    string(raw),
				})
				if ext != nil {
					if perr := printJSON(cmd.OutOrStdout(), ext); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&emailID, "email", "", "email id the result belongs to")
	cmd.Flags().StringVar(&taskID, "task", prompts.BodyExtractionTaskID, "raw message task")
	return cmd
}
