package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilhg/clinic-assist/pkg/eval"
)

func newEvalCmd() *cobra.Command {
	var minScore float64
	cmd := &cobra.Command{
		Use:   "eval <fixtures-dir>",
		Short: "Score the configured classifier against JSON fixtures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			fixtures, err := eval.LoadFixtures(os.DirFS(args[0]), ".")
			if err != nil {
				return err
			}
			rep, err := eval.EvaluateClassifier(ctx, a.classifier, fixtures, time.Now())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return err
			}
			if rep.Score < minScore {
				return fmt.Errorf("score %.3f below --min-score %.3f", rep.Score, minScore)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "fail when the score is lower")
	return cmd
}
