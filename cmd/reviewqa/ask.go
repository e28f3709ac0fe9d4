package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mohammad-safakhou/reviewqa/config"
	"github.com/mohammad-safakhou/reviewqa/internal/llm"
	"github.com/mohammad-safakhou/reviewqa/internal/orchestrator"
	"github.com/mohammad-safakhou/reviewqa/internal/planner"
	"github.com/spf13/cobra"
)

func askCMD() *cobra.Command {
	var cfgPath string
	var asJSON bool
	var ask = &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if cfg.General.DefaultTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.General.DefaultTimeout)
				defer cancel()
			}
			orch, err := orchestrator.NewFromConfig(ctx, cfg)
			if err != nil {
				return err
			}
			defer orch.Close()

			turn, err := orch.Answer(ctx, []llm.Message{llm.User(strings.Join(args, " "))})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(turn)
			}
			printTurn(cmd.OutOrStdout(), turn)
			return nil
		},
	}
	ask.Flags().BoolVar(&asJSON, "json", false, "print the full turn as JSON")
	ask.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")
	return ask
}

func printTurn(w io.Writer, turn orchestrator.TurnResult) {
	for _, s := range turn.Steps {
		fmt.Fprintf(w, "%d. %s\n", s.Index+1, s.Result.Step)
		switch {
		case s.Answer != "":
			fmt.Fprintf(w, "%s\n\n", s.Answer)
		case s.Error != "":
			fmt.Fprintf(w, "analysis failed: %s\n\n", s.Error)
		case s.Result.Error != "":
			fmt.Fprintf(w, "%s\n\n", s.Result.Error)
		}
	}
}

func planCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "parse-plan [file]",
		Short: "Parse planner output from a file or stdin and print the steps",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			raw, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			steps, err := planner.ParsePlan(string(raw))
			if err != nil {
				return err
			}
			for i, s := range steps {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, s)
			}
			return nil
		},
	}
}
