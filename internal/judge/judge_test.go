package judge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openbounty/arbiter/internal/config"
	"github.com/openbounty/arbiter/internal/model"
	"github.com/openbounty/arbiter/pkg/anthropic"
)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}

func TestNew_ProviderSelection(t *testing.T) {
	j, err := New(config.JudgeConfig{Provider: "anthropic", APIKey: "sk"})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicJudge{}, j)

	_, err = New(config.JudgeConfig{Provider: "oracle-9000"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestAnthropicJudge_Evaluate(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(`{"verdict":"Correct","confidence":0.92,"explanation":"Matches the excerpt."}`), nil)

	j := NewAnthropic(config.JudgeConfig{Model: "claude-sonnet-4-5-20250929", CallsPerMin: 6000}, client)
	eval, err := j.Evaluate(context.Background(), "q", "a", "excerpt")
	require.NoError(t, err)

	assert.Equal(t, model.VerdictCorrect, eval.Verdict)
	assert.InDelta(t, 0.92, eval.Confidence, 1e-9)
	assert.Equal(t, "Matches the excerpt.", eval.Explanation)
	client.AssertExpectations(t)
}

func TestAnthropicJudge_EvaluatePropagatesAPIError(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, assert.AnError)

	j := NewAnthropic(config.JudgeConfig{CallsPerMin: 6000}, client)
	_, err := j.Evaluate(context.Background(), "q", "a", "excerpt")
	assert.Error(t, err)
}

func TestParseEvaluation(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		verdict model.Verdict
		conf    float64
		wantErr bool
	}{
		{
			name:    "plain json",
			text:    `{"verdict":"Incorrect","confidence":0.3,"explanation":"no"}`,
			verdict: model.VerdictIncorrect,
			conf:    0.3,
		},
		{
			name:    "fenced json",
			text:    "```json\n{\"verdict\":\"Correct\",\"confidence\":1.0,\"explanation\":\"yes\"}\n```",
			verdict: model.VerdictCorrect,
			conf:    1.0,
		},
		{
			name:    "json with surrounding prose",
			text:    "Here is my ruling: {\"verdict\":\"Uncertain\",\"confidence\":0.5,\"explanation\":\"?\"} Hope that helps.",
			verdict: model.VerdictUncertain,
			conf:    0.5,
		},
		{
			name:    "unknown verdict collapses to uncertain",
			text:    `{"verdict":"Partially Correct","confidence":0.7,"explanation":"mixed"}`,
			verdict: model.VerdictUncertain,
			conf:    0.7,
		},
		{
			name:    "confidence clamped",
			text:    `{"verdict":"Correct","confidence":1.7,"explanation":""}`,
			verdict: model.VerdictCorrect,
			conf:    1.0,
		},
		{
			name:    "not json",
			text:    "I refuse to answer in JSON",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval, err := parseEvaluation(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, eval.Verdict)
			assert.InDelta(t, tt.conf, eval.Confidence, 1e-9)
		})
	}
}

func TestNormalizeVerdict(t *testing.T) {
	assert.Equal(t, model.VerdictCorrect, normalizeVerdict("Correct"))
	assert.Equal(t, model.VerdictCorrect, normalizeVerdict("  correct "))
	assert.Equal(t, model.VerdictIncorrect, normalizeVerdict("WRONG"))
	assert.Equal(t, model.VerdictUncertain, normalizeVerdict("unsure"))
	assert.Equal(t, model.VerdictUncertain, normalizeVerdict(""))
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "abc", Excerpt("abc", 10))
	assert.Equal(t, "abc", Excerpt("abcdef", 3))
	assert.Equal(t, "日本語", Excerpt("日本語のテキスト", 3), "truncation respects rune boundaries")
	assert.Equal(t, "full", Excerpt("full", 0), "zero limit disables truncation")
}
