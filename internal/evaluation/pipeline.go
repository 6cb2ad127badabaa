// Package evaluation runs the once-per-request answer evaluation.
package evaluation

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openbounty/arbiter/internal/config"
	"github.com/openbounty/arbiter/internal/content"
	"github.com/openbounty/arbiter/internal/judge"
	"github.com/openbounty/arbiter/internal/model"
	"github.com/openbounty/arbiter/internal/objectlog"
)

// maxConcurrentJudgeCalls bounds the fan-out per request. The judge's own
// rate limiter paces the actual API traffic; this only keeps one giant
// answer set from monopolizing it.
const maxConcurrentJudgeCalls = 8

// Pipeline evaluates every answer for one request and writes the single
// EvaluationRecord. It is safe to invoke repeatedly for the same request:
// once the record exists, Run returns without a judge call.
type Pipeline struct {
	log         objectlog.Log
	fetcher     content.Fetcher
	judge       judge.Judge
	evaluatorID string
	excerptLen  int
	dwell       time.Duration
}

// New builds an evaluation pipeline. dwell is the minimum age a request must
// reach before its answer set freezes; zero disables the gate.
func New(log objectlog.Log, fetcher content.Fetcher, j judge.Judge, cfg config.JudgeConfig, dwell time.Duration) *Pipeline {
	return &Pipeline{
		log:         log,
		fetcher:     fetcher,
		judge:       j,
		evaluatorID: cfg.EvaluatorID,
		excerptLen:  cfg.ExcerptLength,
		dwell:       dwell,
	}
}

// answer pairs an agent address (taken from the object key, the payout
// identity) with its record.
type answer struct {
	agent  string
	record model.AnswerRecord
	broken error
}

// Run evaluates the request identified by reqCtx. Completed and already
// settled requests are detected from the log and skipped, which makes the
// operation idempotent under overlapping ticks and competing orchestrators.
func (p *Pipeline) Run(ctx context.Context, reqCtx string) error {
	lg := zap.L().With(zap.String("requestContext", reqCtx))

	// The dwell window is checked here, not only by the polling loop, so a
	// direct invocation cannot freeze the answer set early.
	if p.dwell > 0 {
		submitted := model.ContextSubmitTime(reqCtx)
		if submitted.IsZero() || time.Since(submitted) < p.dwell {
			lg.Debug("evaluation: dwell window still open")
			return nil
		}
	}

	// Absence of the evaluation record is the work-to-do signal; a payout
	// record means the whole request is already settled.
	if done, err := p.alreadyHandled(ctx, reqCtx); err != nil {
		return err
	} else if done {
		lg.Debug("evaluation: record exists, nothing to do")
		return nil
	}

	var question model.QuestionRecord
	found, err := p.log.Get(ctx, model.QuestionKey(reqCtx), &question)
	if err != nil {
		return eris.Wrapf(err, "evaluation: load question for %s", reqCtx)
	}
	if !found {
		lg.Warn("evaluation: question record missing, skipping")
		return nil
	}
	if question.KnowledgeBaseCID == "" {
		// An unmet precondition, not a failure: nothing is written, so the
		// request stays open.
		lg.Warn("evaluation: question has no knowledge base CID, skipping")
		return nil
	}

	answers, err := p.loadAnswers(ctx, reqCtx)
	if err != nil {
		return err
	}
	if len(answers) == 0 {
		lg.Debug("evaluation: no answers yet")
		return nil
	}

	excerpt, fetchErr := p.knowledgeExcerpt(ctx, question.KnowledgeBaseCID)
	if fetchErr != nil {
		// Without the knowledge base no verdict is trustworthy. Record the
		// failure terminally instead of retrying forever: the CID is
		// immutable, so a definitive miss will not heal.
		lg.Error("evaluation: knowledge base unavailable",
			zap.String("cid", question.KnowledgeBaseCID), zap.Error(fetchErr))
		return p.writeRecord(ctx, reqCtx, abortedResults(answers), model.StatusError)
	}

	results := p.judgeAll(ctx, lg, question.Question, excerpt, answers)
	if len(results) == 0 {
		// Every judge call failed. Writing a record now would freeze the
		// request terminally on what is likely a transient outage; leaving
		// the log untouched lets the next tick retry the whole batch.
		lg.Warn("evaluation: no answer produced a result, leaving request open",
			zap.Int("answers", len(answers)))
		return nil
	}

	eligible := 0
	for _, r := range results {
		if r.Eligible() {
			eligible++
		} else if r.Verdict == model.VerdictCorrect {
			lg.Warn("evaluation: correct answer lacks validation attestation, ineligible for payout",
				zap.String("agent", r.AgentID))
		}
	}
	status := model.StatusNoValidAnswers
	if eligible > 0 {
		status = model.StatusPendingPayout
	}
	lg.Info("evaluation: complete",
		zap.Int("answers", len(results)),
		zap.Int("eligible", eligible),
		zap.String("status", string(status)))

	return p.writeRecord(ctx, reqCtx, results, status)
}

func (p *Pipeline) alreadyHandled(ctx context.Context, reqCtx string) (bool, error) {
	var record model.EvaluationRecord
	if found, err := p.log.Get(ctx, model.EvaluationKey(reqCtx), &record); err != nil {
		return false, eris.Wrapf(err, "evaluation: probe record for %s", reqCtx)
	} else if found {
		return true, nil
	}
	var payout model.PayoutRecord
	if found, err := p.log.Get(ctx, model.PayoutKey(reqCtx), &payout); err != nil {
		return false, eris.Wrapf(err, "evaluation: probe payout for %s", reqCtx)
	} else if found {
		return true, nil
	}
	return false, nil
}

// loadAnswers lists and decodes every answer under the request. Keys that do
// not follow the layout are dropped; an unreadable record is kept with its
// error so judgeOne can log the skip instead of the answer silently vanishing
// from the listing.
func (p *Pipeline) loadAnswers(ctx context.Context, reqCtx string) ([]answer, error) {
	keys, err := p.log.ListByPrefix(ctx, model.AnswersPrefix(reqCtx))
	if err != nil {
		return nil, eris.Wrapf(err, "evaluation: list answers for %s", reqCtx)
	}
	sort.Strings(keys)

	var out []answer
	for _, key := range keys {
		agent := model.AgentFromAnswerKey(key)
		if agent == "" {
			zap.L().Warn("evaluation: ignoring malformed answer key", zap.String("key", key))
			continue
		}
		a := answer{agent: agent}
		if found, getErr := p.log.Get(ctx, key, &a.record); getErr != nil {
			a.broken = getErr
		} else if !found {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (p *Pipeline) knowledgeExcerpt(ctx context.Context, cid string) (string, error) {
	text, err := p.fetcher.Fetch(ctx, cid)
	if err != nil {
		return "", err
	}
	return judge.Excerpt(text, p.excerptLen), nil
}

// judgeAll fans the answers out to the judge. One answer's failure never
// aborts the batch: the failed answer is dropped from the results and the
// rest proceed, so the record only ever carries real verdicts.
func (p *Pipeline) judgeAll(ctx context.Context, lg *zap.Logger, question, excerpt string, answers []answer) []model.AnswerResult {
	judged := make([]*model.AnswerResult, len(answers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentJudgeCalls)
	for i, a := range answers {
		g.Go(func() error {
			judged[i] = p.judgeOne(gctx, lg, question, excerpt, a)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	results := make([]model.AnswerResult, 0, len(answers))
	for _, r := range judged {
		if r != nil {
			results = append(results, *r)
		}
	}
	return results
}

// judgeOne evaluates a single answer. It returns nil when no verdict could be
// produced, either because the record is unreadable or the judge call failed.
func (p *Pipeline) judgeOne(ctx context.Context, lg *zap.Logger, question, excerpt string, a answer) *model.AnswerResult {
	if a.broken != nil {
		lg.Warn("evaluation: answer record unreadable, skipping",
			zap.String("agent", a.agent), zap.Error(a.broken))
		return nil
	}

	eval, err := p.judge.Evaluate(ctx, question, a.record.AnswerText, excerpt)
	if err != nil {
		lg.Warn("evaluation: judge call failed, skipping answer",
			zap.String("agent", a.agent), zap.Error(err))
		return nil
	}

	return &model.AnswerResult{
		AgentID:       a.agent,
		Verdict:       eval.Verdict,
		Confidence:    model.RoundConfidence(eval.Confidence),
		Explanation:   eval.Explanation,
		ValidationUID: a.record.ValidationUID,
	}
}

// abortedResults produces the placeholder results recorded when the
// evaluation could not run at all.
func abortedResults(answers []answer) []model.AnswerResult {
	results := make([]model.AnswerResult, len(answers))
	for i, a := range answers {
		results[i] = model.AnswerResult{
			AgentID:     a.agent,
			Verdict:     model.VerdictUncertain,
			Explanation: "evaluation aborted: knowledge base content unavailable",
		}
	}
	return results
}

func (p *Pipeline) writeRecord(ctx context.Context, reqCtx string, results []model.AnswerResult, status model.EvaluationStatus) error {
	record := model.EvaluationRecord{
		EvaluatorID: p.evaluatorID,
		Timestamp:   time.Now().UTC(),
		Results:     results,
		Status:      status,
	}
	err := p.log.PutIfAbsent(ctx, model.EvaluationKey(reqCtx), &record)
	if eris.Is(err, objectlog.ErrKeyExists) {
		// A competing orchestrator won the write race; its record stands.
		zap.L().Info("evaluation: lost record write race", zap.String("requestContext", reqCtx))
		return nil
	}
	if err != nil {
		return eris.Wrapf(err, "evaluation: write record for %s", reqCtx)
	}
	return nil
}
