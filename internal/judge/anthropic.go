package judge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openbounty/arbiter/internal/config"
	"github.com/openbounty/arbiter/pkg/anthropic"
)

const judgeSystemText = `You are an impartial judge for a knowledge-base Q&A bounty. You are given a question, a candidate answer from an independent agent, and an excerpt of the knowledge-base document the question is anchored to. Decide whether the answer is correct according to the excerpt.

Return a valid JSON object:
{"verdict": "Correct" | "Incorrect" | "Uncertain", "confidence": <0.0-1.0>, "explanation": "<one or two sentences>"}

Rule: "Correct" only when the excerpt supports the answer. Use "Uncertain" when the excerpt does not contain enough information to decide either way.`

const judgePrompt = `Question: %s

Candidate answer:
%s

Knowledge-base excerpt:
%s

Judge the candidate answer. Return only the JSON object.`

// AnthropicJudge evaluates answers with a Claude model.
type AnthropicJudge struct {
	client  anthropic.Client
	model   string
	maxTok  int64
	limiter *rate.Limiter
	system  []anthropic.SystemBlock
}

// NewAnthropic creates an AnthropicJudge from config.
func NewAnthropic(cfg config.JudgeConfig, client anthropic.Client) *AnthropicJudge {
	perMin := cfg.CallsPerMin
	if perMin <= 0 {
		perMin = 60
	}
	maxTok := cfg.MaxTokens
	if maxTok <= 0 {
		maxTok = 1024
	}
	return &AnthropicJudge{
		client:  client,
		model:   cfg.Model,
		maxTok:  maxTok,
		limiter: rate.NewLimiter(rate.Limit(perMin/60.0), 1),
		system:  anthropic.BuildCachedSystemBlocks(judgeSystemText),
	}
}

// Evaluate judges one answer. Calls are rate limited process-wide so a large
// answer batch cannot trip the provider's request ceiling.
func (j *AnthropicJudge) Evaluate(ctx context.Context, question, answer, excerpt string) (*Evaluation, error) {
	if err := j.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "judge: rate limit wait")
	}

	temp := 0.0
	resp, err := j.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       j.model,
		MaxTokens:   j.maxTok,
		System:      j.system,
		Temperature: &temp,
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf(judgePrompt, question, answer, excerpt)},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "judge: evaluate")
	}

	eval, err := parseEvaluation(resp.Text())
	if err != nil {
		return nil, err
	}

	zap.L().Debug("judge: verdict",
		zap.String("verdict", string(eval.Verdict)),
		zap.Float64("confidence", eval.Confidence),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
	)
	return eval, nil
}

func parseEvaluation(text string) (*Evaluation, error) {
	var raw struct {
		Verdict     string  `json:"verdict"`
		Confidence  float64 `json:"confidence"`
		Explanation string  `json:"explanation"`
	}
	cleaned := cleanJSON(text)
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, eris.Wrapf(err, "judge: parse response %q", Excerpt(text, 120))
	}

	conf := raw.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	return &Evaluation{
		Verdict:     normalizeVerdict(raw.Verdict),
		Confidence:  conf,
		Explanation: raw.Explanation,
	}, nil
}
