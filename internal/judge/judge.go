// Package judge evaluates candidate answers against knowledge-base content
// with an LLM.
package judge

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/openbounty/arbiter/internal/config"
	"github.com/openbounty/arbiter/internal/model"
	"github.com/openbounty/arbiter/pkg/anthropic"
)

// Evaluation is the judge's ruling on one answer.
type Evaluation struct {
	Verdict     model.Verdict
	Confidence  float64
	Explanation string
}

// Judge is the evaluation strategy. The concrete provider is selected once
// at startup via New, never at call time.
type Judge interface {
	Evaluate(ctx context.Context, question, answer, excerpt string) (*Evaluation, error)
}

// New constructs the judge named by cfg.Provider.
func New(cfg config.JudgeConfig) (Judge, error) {
	switch cfg.Provider {
	case "anthropic", "":
		return NewAnthropic(cfg, anthropic.NewClient(cfg.APIKey)), nil
	default:
		return nil, eris.Errorf("judge: unknown provider %q", cfg.Provider)
	}
}

// cleanJSON strips markdown code fences and surrounding prose from an LLM
// response, leaving the outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// normalizeVerdict maps a model-reported verdict string onto the closed
// verdict set. Anything unrecognized is Uncertain rather than an error; a
// confused judge should never block the batch.
func normalizeVerdict(s string) model.Verdict {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "correct":
		return model.VerdictCorrect
	case "incorrect", "wrong":
		return model.VerdictIncorrect
	default:
		return model.VerdictUncertain
	}
}

// Excerpt truncates knowledge-base content for prompt injection. Truncation
// happens on a rune boundary so multi-byte content never splits mid-char.
func Excerpt(content string, limit int) string {
	if limit <= 0 {
		return content
	}
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit])
}
