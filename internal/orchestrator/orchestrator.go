// Package orchestrator runs the polling loops that discover work in the
// object log and drive the evaluation and payout pipelines.
package orchestrator

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openbounty/arbiter/internal/config"
	"github.com/openbounty/arbiter/internal/model"
	"github.com/openbounty/arbiter/internal/objectlog"
)

// maxConcurrentRequests bounds how many requests one scan works in parallel.
const maxConcurrentRequests = 4

// Evaluator runs the evaluation pipeline for one request.
type Evaluator interface {
	Run(ctx context.Context, reqCtx string) error
}

// Settler runs the payout pipeline for one request, or finalizes one whose
// evaluation ended terminally.
type Settler interface {
	Run(ctx context.Context, reqCtx string) error
	Finalize(ctx context.Context, reqCtx string, status model.EvaluationStatus) error
}

// Orchestrator owns the two polling loops. All state lives in the object
// log; the orchestrator itself only holds the in-process in-flight claims,
// so crashing and restarting loses nothing.
type Orchestrator struct {
	log      objectlog.Log
	eval     Evaluator
	payouts  Settler
	cfg      config.OrchestratorConfig
	inflight *inflightSet
}

// New builds an orchestrator over the given pipelines.
func New(log objectlog.Log, eval Evaluator, payouts Settler, cfg config.OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		log:      log,
		eval:     eval,
		payouts:  payouts,
		cfg:      cfg,
		inflight: newInflightSet(),
	}
}

// Run starts both loops and blocks until ctx is cancelled. The payout loop
// starts after a stagger delay so its ticks interleave with the evaluation
// loop's instead of landing on the same instant.
func (o *Orchestrator) Run(ctx context.Context) error {
	zap.L().Info("orchestrator: starting",
		zap.Duration("evalInterval", o.cfg.EvalInterval()),
		zap.Duration("payoutInterval", o.cfg.PayoutInterval()),
		zap.Duration("payoutStagger", o.cfg.PayoutStagger()),
		zap.Duration("dwell", o.cfg.Dwell()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.loop(gctx, "evaluation", 0, o.cfg.EvalInterval(), o.RunEvaluationScan)
	})
	g.Go(func() error {
		return o.loop(gctx, "payout", o.cfg.PayoutStagger(), o.cfg.PayoutInterval(), o.RunPayoutScan)
	})
	err := g.Wait()
	zap.L().Info("orchestrator: stopped")
	return err
}

func (o *Orchestrator) loop(ctx context.Context, name string, delay, interval time.Duration, scan func(context.Context) error) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := scan(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			zap.L().Error("orchestrator: scan failed", zap.String("loop", name), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// requestView is one request's progress as seen in a single log listing.
type requestView struct {
	hasQuestion   bool
	hasEvaluation bool
	hasPayout     bool
	answerCount   int
}

// scanRequests lists the whole request namespace once and buckets the keys
// per request context. One listing per tick keeps the scan cost independent
// of how many loops consume the view.
func (o *Orchestrator) scanRequests(ctx context.Context) (map[string]*requestView, []string, error) {
	keys, err := o.log.ListByPrefix(ctx, model.RequestsPrefix)
	if err != nil {
		return nil, nil, eris.Wrap(err, "orchestrator: list requests")
	}

	views := make(map[string]*requestView)
	for _, key := range keys {
		reqCtx := model.ContextFromKey(key)
		if reqCtx == "" {
			continue
		}
		v, ok := views[reqCtx]
		if !ok {
			v = &requestView{}
			views[reqCtx] = v
		}
		switch {
		case model.IsQuestionKey(key):
			v.hasQuestion = true
		case model.IsEvaluationKey(key):
			v.hasEvaluation = true
		case key == model.PayoutKey(reqCtx):
			v.hasPayout = true
		case strings.HasPrefix(key, model.AnswersPrefix(reqCtx)):
			v.answerCount++
		}
	}

	order := make([]string, 0, len(views))
	for reqCtx := range views {
		order = append(order, reqCtx)
	}
	sort.Strings(order)
	return views, order, nil
}

// RunEvaluationScan performs one evaluation tick: it finds every request
// with answers, no evaluation and no payout whose dwell window has elapsed,
// and runs the evaluation pipeline for each. The scan returns when all
// spawned work has finished, so overlapping ticks cannot stack.
func (o *Orchestrator) RunEvaluationScan(ctx context.Context) error {
	views, order, err := o.scanRequests(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRequests)
	for _, reqCtx := range order {
		v := views[reqCtx]
		if !v.hasQuestion || v.hasEvaluation || v.hasPayout || v.answerCount == 0 {
			continue
		}
		// The dwell window gives late answers a chance to land before the
		// one-shot evaluation freezes the answer set.
		submitted := model.ContextSubmitTime(reqCtx)
		if submitted.IsZero() || now.Sub(submitted) < o.cfg.Dwell() {
			continue
		}
		if !o.inflight.TryAdd(reqCtx) {
			continue
		}
		g.Go(func() error {
			defer o.inflight.Remove(reqCtx)
			if runErr := o.eval.Run(gctx, reqCtx); runErr != nil {
				zap.L().Error("orchestrator: evaluation failed",
					zap.String("requestContext", reqCtx), zap.Error(runErr))
			}
			return nil
		})
	}
	return g.Wait()
}

// RunPayoutScan performs one payout tick: every evaluated request without a
// payout record either settles (PendingPayout) or is finalized without
// settlement (terminal evaluation statuses).
func (o *Orchestrator) RunPayoutScan(ctx context.Context) error {
	views, order, err := o.scanRequests(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRequests)
	for _, reqCtx := range order {
		v := views[reqCtx]
		if !v.hasEvaluation || v.hasPayout {
			continue
		}
		if !o.inflight.TryAdd(reqCtx) {
			continue
		}
		g.Go(func() error {
			defer o.inflight.Remove(reqCtx)
			o.dispatchPayout(gctx, reqCtx)
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) dispatchPayout(ctx context.Context, reqCtx string) {
	var eval model.EvaluationRecord
	found, err := o.log.Get(ctx, model.EvaluationKey(reqCtx), &eval)
	if err != nil || !found {
		zap.L().Warn("orchestrator: evaluation record unreadable",
			zap.String("requestContext", reqCtx), zap.Error(err))
		return
	}

	switch eval.Status {
	case model.StatusPendingPayout:
		if runErr := o.payouts.Run(ctx, reqCtx); runErr != nil {
			zap.L().Error("orchestrator: payout failed",
				zap.String("requestContext", reqCtx), zap.Error(runErr))
		}
	case model.StatusNoValidAnswers, model.StatusError:
		if finErr := o.payouts.Finalize(ctx, reqCtx, eval.Status); finErr != nil {
			zap.L().Error("orchestrator: finalize failed",
				zap.String("requestContext", reqCtx), zap.Error(finErr))
		}
	default:
		// PayoutComplete with no payout record means another process is
		// mid-settlement or the log is inconsistent; leave it alone.
		zap.L().Warn("orchestrator: evaluation complete but payout record missing",
			zap.String("requestContext", reqCtx),
			zap.String("status", string(eval.Status)))
	}
}
