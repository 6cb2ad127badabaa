package main

import (
	"context"
	"math/big"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openbounty/arbiter/internal/chain"
	"github.com/openbounty/arbiter/internal/content"
	"github.com/openbounty/arbiter/internal/evaluation"
	"github.com/openbounty/arbiter/internal/judge"
	"github.com/openbounty/arbiter/internal/objectlog"
	"github.com/openbounty/arbiter/internal/orchestrator"
	"github.com/openbounty/arbiter/internal/payout"
	"github.com/openbounty/arbiter/internal/resilience"
)

// arbiterEnv holds all initialized clients and pipelines needed by the
// serve/status/evaluate/payout commands.
type arbiterEnv struct {
	Log          objectlog.Log
	Chain        *chain.Client
	Fetcher      content.Fetcher
	Evaluation   *evaluation.Pipeline
	Payout       *payout.Pipeline
	Orchestrator *orchestrator.Orchestrator

	cache *content.CachingFetcher
}

// Close releases resources held by the environment.
func (e *arbiterEnv) Close() {
	if e.cache != nil {
		_ = e.cache.Close()
	}
	if e.Chain != nil {
		e.Chain.Close()
	}
}

// initEnv sets up the chain client, object-log gateway, judge, content
// fetcher and both pipelines. Callers should defer env.Close().
func initEnv(ctx context.Context) (*arbiterEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	contracts, err := chain.LoadContracts(cfg.Chain.SchemaFile)
	if err != nil {
		return nil, err
	}

	chainClient, err := chain.NewClient(ctx, cfg.Chain, contracts)
	if err != nil {
		return nil, err
	}

	retry := resilience.DefaultRetryConfig()
	if cfg.ObjectLog.RetryMaxAttempts > 0 {
		retry.MaxAttempts = cfg.ObjectLog.RetryMaxAttempts
	}
	logOpts := []objectlog.GatewayOption{objectlog.WithRetryConfig(retry)}
	if cfg.ObjectLog.MaxPriorityFeeGwei > 0 {
		ceiling := new(big.Int).Mul(big.NewInt(cfg.ObjectLog.MaxPriorityFeeGwei), big.NewInt(1_000_000_000))
		logOpts = append(logOpts, objectlog.WithFeeAdmission(chainClient, ceiling))
		zap.L().Info("object-log fee admission enabled",
			zap.Int64("ceilingGwei", cfg.ObjectLog.MaxPriorityFeeGwei))
	}
	log := objectlog.NewGateway(cfg.ObjectLog.GatewayURL, cfg.ObjectLog.APIKey, logOpts...)

	j, err := judge.New(cfg.Judge)
	if err != nil {
		chainClient.Close()
		return nil, err
	}

	gateway := content.NewGatewayFetcher(cfg.Content.GatewayURL,
		time.Duration(cfg.Content.FetchTimeout)*time.Second)
	cache, err := content.NewCachingFetcher(gateway, cfg.Content.CachePath,
		time.Duration(cfg.Content.CacheTTLHrs)*time.Hour)
	if err != nil {
		chainClient.Close()
		return nil, eris.Wrap(err, "init content cache")
	}

	evalPipe := evaluation.New(log, cache, j, cfg.Judge, cfg.Orchestrator.Dwell())
	payoutPipe := payout.New(log, chainClient, cfg.Chain)

	return &arbiterEnv{
		Log:          log,
		Chain:        chainClient,
		Fetcher:      cache,
		Evaluation:   evalPipe,
		Payout:       payoutPipe,
		Orchestrator: orchestrator.New(log, evalPipe, payoutPipe, cfg.Orchestrator),
		cache:        cache,
	}, nil
}
