package model

import (
	"math"
	"time"
)

// EvaluationStatus is the lifecycle state recorded on an EvaluationRecord.
// PendingPayout is the only non-terminal status; the payout pipeline moves it
// to PayoutComplete or Error exactly once.
type EvaluationStatus string

const (
	StatusPendingPayout  EvaluationStatus = "PendingPayout"
	StatusNoValidAnswers EvaluationStatus = "NoValidAnswers"
	StatusError          EvaluationStatus = "Error"
	StatusPayoutComplete EvaluationStatus = "PayoutComplete"
)

// Terminal reports whether the status ends the request lifecycle.
func (s EvaluationStatus) Terminal() bool {
	return s == StatusNoValidAnswers || s == StatusError || s == StatusPayoutComplete
}

// Verdict is the judge's ruling on a single answer.
type Verdict string

const (
	VerdictCorrect   Verdict = "Correct"
	VerdictIncorrect Verdict = "Incorrect"
	VerdictUncertain Verdict = "Uncertain"
)

// QuestionRecord anchors one bounty question. Written once by the front door,
// never mutated.
type QuestionRecord struct {
	Question         string    `json:"question"`
	KnowledgeBaseCID string    `json:"knowledgeBaseCid"`
	PaymentUID       string    `json:"paymentUID"`
	SubmittedAt      time.Time `json:"submittedAt"`
}

// AnswerRecord is one agent's candidate answer. Written once per agent per
// request by the worker agent, never mutated. ValidationUID is the on-chain
// attestation proving the agent's computation was independently validated;
// without it the answer can never be paid.
type AnswerRecord struct {
	AnswerText       string    `json:"answerText"`
	AnsweringAgentID string    `json:"answeringAgentId"`
	FulfillmentUID   string    `json:"fulfillmentUID"`
	ValidationUID    *string   `json:"validationUID,omitempty"`
	SubmittedAt      time.Time `json:"submittedAt"`
}

// AnswerResult is the judge's outcome for one answer inside an
// EvaluationRecord.
type AnswerResult struct {
	AgentID       string  `json:"agentId"`
	Verdict       Verdict `json:"verdict"`
	Confidence    float64 `json:"confidence"`
	Explanation   string  `json:"explanation"`
	ValidationUID *string `json:"validationUID,omitempty"`
}

// Eligible reports whether this result qualifies for payout: a Correct
// verdict backed by a validation attestation.
func (r AnswerResult) Eligible() bool {
	return r.Verdict == VerdictCorrect && r.ValidationUID != nil && *r.ValidationUID != ""
}

// EvaluationRecord is the single evaluation of a request's answers. Written
// once by the evaluation pipeline; only Status is updated afterwards, by the
// payout pipeline.
type EvaluationRecord struct {
	EvaluatorID string           `json:"evaluatorId"`
	Timestamp   time.Time        `json:"timestamp"`
	Results     []AnswerResult   `json:"results"`
	Status      EvaluationStatus `json:"status"`
}

// EligibleResults returns the results that qualify for payout.
func (e *EvaluationRecord) EligibleResults() []AnswerResult {
	var out []AnswerResult
	for _, r := range e.Results {
		if r.Eligible() {
			out = append(out, r)
		}
	}
	return out
}

// PayoutRecord is the terminal settlement artifact for a request. Written
// once, never rewritten; its presence is a hard stop for the payout loop.
type PayoutRecord struct {
	Stage           string            `json:"stage"`
	Success         bool              `json:"success"`
	Message         string            `json:"message"`
	SubmissionsSent int               `json:"submissionsSent"`
	ErrorCount      int               `json:"errorCount"`
	TxHashes        map[string]string `json:"txHashes,omitempty"`
	PayoutAgentID   string            `json:"payoutAgentId"`
	PayoutTimestamp time.Time         `json:"payoutTimestamp"`
}

// Payout stages recorded on PayoutRecord.Stage.
const (
	PayoutStageSettled   = "settled"
	PayoutStageNoAnswers = "no_eligible_answers"
	PayoutStageFinalized = "finalized_without_settlement"
	PayoutStageFailed    = "failed"
)

// RoundConfidence rounds a judge confidence to 2 decimals for persistence.
func RoundConfidence(c float64) float64 {
	return math.Round(c*100) / 100
}
