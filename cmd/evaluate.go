package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openbounty/arbiter/internal/model"
)

var evaluateAll bool

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [requestContext]",
	Short: "Run the evaluation pipeline once, outside the polling loop",
	Long:  "Evaluates a single request immediately, or with --all performs one full evaluation scan. Requests that already have an evaluation record are skipped.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if evaluateAll {
			return env.Orchestrator.RunEvaluationScan(ctx)
		}
		if len(args) != 1 {
			return eris.New("a request context is required unless --all is set")
		}
		if !model.ValidRequestContext(args[0]) {
			return eris.Errorf("malformed request context %q", args[0])
		}
		return env.Evaluation.Run(ctx, args[0])
	},
}

func init() {
	evaluateCmd.Flags().BoolVar(&evaluateAll, "all", false, "evaluate every ready request")
	rootCmd.AddCommand(evaluateCmd)
}
