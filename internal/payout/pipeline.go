// Package payout settles evaluated requests on-chain and finalizes their
// lifecycle.
package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openbounty/arbiter/internal/chain"
	"github.com/openbounty/arbiter/internal/config"
	"github.com/openbounty/arbiter/internal/model"
	"github.com/openbounty/arbiter/internal/objectlog"
)

// Pipeline drives one request from a completed evaluation to a terminal
// payout record. The payout record's presence is the idempotency guard: once
// it exists, no settlement path runs again.
type Pipeline struct {
	log           objectlog.Log
	settle        chain.Settlement
	payoutAgentID string
}

// New builds a payout pipeline.
func New(log objectlog.Log, settle chain.Settlement, cfg config.ChainConfig) *Pipeline {
	return &Pipeline{
		log:           log,
		settle:        settle,
		payoutAgentID: cfg.PayoutAgentID,
	}
}

// Run settles the request identified by reqCtx. It re-reads both the payout
// and evaluation records from the log so a stale caller can never double-pay:
// an existing payout record or a non-pending status makes Run a no-op.
func (p *Pipeline) Run(ctx context.Context, reqCtx string) error {
	lg := zap.L().With(zap.String("requestContext", reqCtx))

	if found, err := p.log.Get(ctx, model.PayoutKey(reqCtx), nil); err != nil {
		return eris.Wrapf(err, "payout: probe record for %s", reqCtx)
	} else if found {
		lg.Debug("payout: record exists, nothing to do")
		return nil
	}

	var eval model.EvaluationRecord
	found, err := p.log.Get(ctx, model.EvaluationKey(reqCtx), &eval)
	if err != nil {
		return eris.Wrapf(err, "payout: load evaluation for %s", reqCtx)
	}
	if !found {
		lg.Debug("payout: no evaluation yet")
		return nil
	}
	if eval.Status != model.StatusPendingPayout {
		lg.Debug("payout: evaluation not pending", zap.String("status", string(eval.Status)))
		return nil
	}

	p.settleRequest(ctx, lg, reqCtx, &eval)
	return nil
}

// Finalize closes out a request whose evaluation ended terminally without a
// payout (NoValidAnswers or Error). Writing the payout record stops the
// payout loop from rescanning the request forever; no settlement happens.
func (p *Pipeline) Finalize(ctx context.Context, reqCtx string, status model.EvaluationStatus) error {
	record := &model.PayoutRecord{
		Stage:           model.PayoutStageFinalized,
		Success:         false,
		Message:         fmt.Sprintf("evaluation ended with status %s; nothing to settle", status),
		PayoutAgentID:   p.payoutAgentID,
		PayoutTimestamp: time.Now().UTC(),
	}
	err := p.log.PutIfAbsent(ctx, model.PayoutKey(reqCtx), record)
	if eris.Is(err, objectlog.ErrKeyExists) {
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "payout: finalize %s", reqCtx)
	}
	zap.L().Info("payout: request finalized without settlement",
		zap.String("requestContext", reqCtx),
		zap.String("evaluationStatus", string(status)))
	return nil
}

// settleRequest performs the actual settlement. The payout record is written
// in a defer so every exit path, including panics in the settlement client,
// leaves a terminal artifact behind; the evaluation status transition only
// happens when this process wrote the record.
func (p *Pipeline) settleRequest(ctx context.Context, lg *zap.Logger, reqCtx string, eval *model.EvaluationRecord) {
	record := &model.PayoutRecord{
		Stage:         model.PayoutStageFailed,
		PayoutAgentID: p.payoutAgentID,
		TxHashes:      map[string]string{},
	}
	finalStatus := model.StatusError

	defer func() {
		record.PayoutTimestamp = time.Now().UTC()
		if len(record.TxHashes) == 0 {
			record.TxHashes = nil
		}
		err := p.log.PutIfAbsent(ctx, model.PayoutKey(reqCtx), record)
		if eris.Is(err, objectlog.ErrKeyExists) {
			// A competing orchestrator settled first; its record and its
			// status transition stand.
			lg.Info("payout: lost record write race")
			return
		}
		if err != nil {
			// The record write failed, so the request stays open and a later
			// tick retries. Transitioning the status now would strand it.
			lg.Error("payout: record write failed", zap.Error(err))
			return
		}
		p.transitionStatus(ctx, lg, reqCtx, eval, finalStatus)
	}()

	var question model.QuestionRecord
	found, err := p.log.Get(ctx, model.QuestionKey(reqCtx), &question)
	if err != nil || !found || question.PaymentUID == "" {
		lg.Error("payout: payment UID unavailable",
			zap.Bool("questionFound", found), zap.Error(err))
		record.Message = "payment UID unavailable; cannot settle"
		record.ErrorCount = 1
		return
	}

	eligible := eval.EligibleResults()
	if len(eligible) == 0 {
		record.Stage = model.PayoutStageNoAnswers
		record.Success = true
		record.Message = "no eligible answers"
		finalStatus = model.StatusNoValidAnswers
		lg.Info("payout: no eligible answers")
		return
	}

	// Settlements run sequentially: every call consumes a nonce from the
	// same signing account, and ordered submission keeps a single failure
	// from wedging the ones behind it.
	for _, r := range eligible {
		p.settleOne(ctx, lg, record, question.PaymentUID, r)
	}

	if record.SubmissionsSent == 0 {
		record.Message = fmt.Sprintf("all %d settlement submissions failed", len(eligible))
		lg.Error("payout: settlement produced no submissions", zap.Int("eligible", len(eligible)))
		return
	}

	// Aggregation finalizes the request on-chain, so it only runs after a
	// clean sweep. A mixed run stays at Error: the settled hashes are
	// preserved, but agents whose submissions failed must surface for
	// follow-up rather than being buried under a completed payout.
	if record.ErrorCount > 0 {
		record.Message = fmt.Sprintf("settled %d of %d eligible answers; %d failed, aggregation withheld",
			record.SubmissionsSent, len(eligible), record.ErrorCount)
		lg.Error("payout: partial settlement, aggregation withheld",
			zap.Int("submissionsSent", record.SubmissionsSent),
			zap.Int("errorCount", record.ErrorCount))
		return
	}

	aggTx, err := p.settle.TriggerAggregation(ctx, reqCtx)
	if err != nil {
		// Payments already went out; only the on-chain aggregation is
		// missing. Error status flags the request for manual follow-up
		// rather than pretending the settlement is whole.
		record.ErrorCount++
		record.Message = fmt.Sprintf("settled %d submissions but aggregation failed: %v", record.SubmissionsSent, err)
		lg.Error("payout: aggregation failed after settlement", zap.Error(err))
		return
	}
	record.TxHashes["aggregation"] = aggTx

	record.Stage = model.PayoutStageSettled
	record.Success = true
	record.Message = fmt.Sprintf("settled all %d eligible answers", record.SubmissionsSent)
	finalStatus = model.StatusPayoutComplete
	lg.Info("payout: settled",
		zap.Int("submissionsSent", record.SubmissionsSent),
		zap.Int("errorCount", record.ErrorCount))
}

// settleOne registers one agent and submits its validation for payment. A
// failure is recorded and skipped; the remaining agents still settle.
func (p *Pipeline) settleOne(ctx context.Context, lg *zap.Logger, record *model.PayoutRecord, paymentUID string, r model.AnswerResult) {
	if !chain.ValidAddress(r.AgentID) {
		lg.Error("payout: eligible result has invalid agent address", zap.String("agent", r.AgentID))
		record.ErrorCount++
		return
	}
	tag := chain.ShortAgentTag(r.AgentID)

	regTx, err := p.settle.RegisterAgent(ctx, r.AgentID, r.AgentID)
	if err != nil {
		lg.Error("payout: agent registration failed", zap.String("agent", r.AgentID), zap.Error(err))
		record.ErrorCount++
		return
	}
	record.TxHashes["register_"+tag] = regTx

	payTx, err := p.settle.SubmitValidation(ctx, paymentUID, *r.ValidationUID)
	if err != nil {
		lg.Error("payout: validation submission failed", zap.String("agent", r.AgentID), zap.Error(err))
		record.ErrorCount++
		return
	}
	record.TxHashes["payout_"+tag] = payTx
	record.SubmissionsSent++
}

// transitionStatus moves the evaluation record to its terminal status. The
// backend versions objects, so the overwrite appends a new head rather than
// destroying history.
func (p *Pipeline) transitionStatus(ctx context.Context, lg *zap.Logger, reqCtx string, eval *model.EvaluationRecord, status model.EvaluationStatus) {
	eval.Status = status
	if err := p.log.Put(ctx, model.EvaluationKey(reqCtx), eval); err != nil {
		// The payout record is already terminal, so the loop will not
		// re-settle; only the visible status lags.
		lg.Error("payout: evaluation status transition failed",
			zap.String("status", string(status)), zap.Error(err))
		return
	}
	lg.Info("payout: evaluation status updated", zap.String("status", string(status)))
}
