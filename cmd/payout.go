package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openbounty/arbiter/internal/model"
)

var payoutAll bool

var payoutCmd = &cobra.Command{
	Use:   "payout [requestContext]",
	Short: "Run the payout pipeline once, outside the polling loop",
	Long:  "Settles a single evaluated request immediately, or with --all performs one full payout scan. Requests that already have a payout record are skipped.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if payoutAll {
			return env.Orchestrator.RunPayoutScan(ctx)
		}
		if len(args) != 1 {
			return eris.New("a request context is required unless --all is set")
		}
		reqCtx := args[0]
		if !model.ValidRequestContext(reqCtx) {
			return eris.Errorf("malformed request context %q", reqCtx)
		}

		var eval model.EvaluationRecord
		found, err := env.Log.Get(ctx, model.EvaluationKey(reqCtx), &eval)
		if err != nil {
			return err
		}
		if !found {
			return eris.Errorf("request %s has no evaluation record", reqCtx)
		}

		switch eval.Status {
		case model.StatusPendingPayout:
			return env.Payout.Run(ctx, reqCtx)
		case model.StatusNoValidAnswers, model.StatusError:
			return env.Payout.Finalize(ctx, reqCtx, eval.Status)
		default:
			return eris.Errorf("request %s already settled (status %s)", reqCtx, eval.Status)
		}
	},
}

func init() {
	payoutCmd.Flags().BoolVar(&payoutAll, "all", false, "settle every evaluated request")
	rootCmd.AddCommand(payoutCmd)
}
