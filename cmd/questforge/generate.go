package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	qf "github.com/ineyio/questforge"
)

func newGenerateCmd() *cobra.Command {
	var (
		req   qf.GenerationRequest
		temp  float64
		grant int64
	)

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate one piece of content and print it as JSON",
		Example: `  questforge generate --user u1 --schema npc "A grumpy dwarven blacksmith"
  questforge generate --user u1 --schema monster --grant 10 "A swamp hydra"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var cl closers
			defer cl.close()

			rec, err := openSinks(ctx, settings, &cl)
			if err != nil {
				return err
			}
			a, err := buildApp(ctx, settings, rec, &cl)
			if err != nil {
				return err
			}

			if grant > 0 {
				if err := a.ledger.SetAllotment(ctx, req.UserID, grant, qf.PeriodStart(nowUTC())); err != nil {
					return err
				}
			}

			req.Prompt = strings.Join(args, " ")
			if cmd.Flags().Changed("temperature") {
				req.Temperature = qf.Float64Ptr(temp)
			}

			out, err := a.orchestrator.Generate(ctx, req)
			if err != nil {
				var exhausted *qf.ExhaustedError
				if errors.As(err, &exhausted) {
					for _, f := range exhausted.Failures {
						fmt.Fprintf(os.Stderr, "  %s/%s: %s: %v\n", f.Provider, f.Model, f.Outcome, f.Err)
					}
				}
				return fmt.Errorf("%s: %w", qf.UserMessage(err), err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&req.UserID, "user", "", "user id to charge")
	cmd.Flags().StringVar(&req.Schema, "schema", "", "schema name (see `questforge schemas`)")
	cmd.Flags().StringVar(&req.System, "system", "", "extra system prompt")
	cmd.Flags().Float64Var(&temp, "temperature", 0, "sampling temperature")
	cmd.Flags().IntVar(&req.MaxTokens, "max-tokens", 0, "completion token cap (0 = model limit)")
	cmd.Flags().Int64Var(&req.Credits, "credits", 0, "credit price override")
	cmd.Flags().Int64Var(&grant, "grant", 0, "set the user's allotment before generating (local ledgers)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("schema")
	return cmd
}

