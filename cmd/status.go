package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openbounty/arbiter/internal/model"
	"github.com/openbounty/arbiter/internal/objectlog"
)

var statusCmd = &cobra.Command{
	Use:   "status [requestContext]",
	Short: "Show request lifecycle state from the object log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 1 {
			return printRequestDetail(cmd, env.Log, args[0])
		}
		return printRequestTable(cmd, env.Log)
	},
}

func printRequestTable(cmd *cobra.Command, log objectlog.Log) error {
	keys, err := log.ListByPrefix(cmd.Context(), model.RequestsPrefix)
	if err != nil {
		return err
	}

	type row struct {
		answers            int
		hasEval, hasPayout bool
	}
	rows := make(map[string]*row)
	var order []string
	for _, key := range keys {
		reqCtx := model.ContextFromKey(key)
		if reqCtx == "" {
			continue
		}
		r, ok := rows[reqCtx]
		if !ok {
			r = &row{}
			rows[reqCtx] = r
			order = append(order, reqCtx)
		}
		switch {
		case model.IsEvaluationKey(key):
			r.hasEval = true
		case key == model.PayoutKey(reqCtx):
			r.hasPayout = true
		case strings.HasPrefix(key, model.AnswersPrefix(reqCtx)):
			r.answers++
		}
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%-28s %8s %-10s %-8s\n", "REQUEST", "ANSWERS", "EVALUATED", "PAYOUT")
	for _, reqCtx := range order {
		r := rows[reqCtx]
		fmt.Fprintf(w, "%-28s %8d %-10v %-8v\n", reqCtx, r.answers, r.hasEval, r.hasPayout)
	}
	fmt.Fprintf(w, "\n%d request(s)\n", len(order))
	return nil
}

func printRequestDetail(cmd *cobra.Command, log objectlog.Log, reqCtx string) error {
	if !model.ValidRequestContext(reqCtx) {
		return eris.Errorf("malformed request context %q", reqCtx)
	}
	ctx := cmd.Context()

	detail := struct {
		RequestContext string                  `json:"requestContext"`
		Question       *model.QuestionRecord   `json:"question,omitempty"`
		Answers        map[string]any          `json:"answers,omitempty"`
		Evaluation     *model.EvaluationRecord `json:"evaluation,omitempty"`
		Payout         *model.PayoutRecord     `json:"payout,omitempty"`
	}{RequestContext: reqCtx}

	var question model.QuestionRecord
	if found, err := log.Get(ctx, model.QuestionKey(reqCtx), &question); err != nil {
		return err
	} else if !found {
		return eris.Errorf("unknown request context %s", reqCtx)
	}
	detail.Question = &question

	answerKeys, err := log.ListByPrefix(ctx, model.AnswersPrefix(reqCtx))
	if err != nil {
		return err
	}
	if len(answerKeys) > 0 {
		detail.Answers = make(map[string]any, len(answerKeys))
		for _, key := range answerKeys {
			var answer model.AnswerRecord
			if found, getErr := log.Get(ctx, key, &answer); getErr == nil && found {
				detail.Answers[model.AgentFromAnswerKey(key)] = answer
			}
		}
	}

	var eval model.EvaluationRecord
	if found, err := log.Get(ctx, model.EvaluationKey(reqCtx), &eval); err == nil && found {
		detail.Evaluation = &eval
	}
	var payoutRec model.PayoutRecord
	if found, err := log.Get(ctx, model.PayoutKey(reqCtx), &payoutRec); err == nil && found {
		detail.Payout = &payoutRec
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(detail)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
