package model

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// contextPattern matches the request-context format req_<unixMillis>_<6 hex>.
var contextPattern = regexp.MustCompile(`^req_(\d{10,16})_([0-9a-f]{6})$`)

// NewRequestContext mints a globally unique request context. The random
// suffix is derived from a fresh UUID so two contexts minted in the same
// millisecond do not collide.
func NewRequestContext(now time.Time) string {
	id := uuid.New()
	return fmt.Sprintf("req_%d_%s", now.UnixMilli(), hex.EncodeToString(id[:3]))
}

// ValidRequestContext reports whether s is a well-formed request context.
func ValidRequestContext(s string) bool {
	return contextPattern.MatchString(s)
}

// ContextSubmitTime recovers the embedded submission timestamp from a
// request context. Returns the zero time if the context is malformed.
func ContextSubmitTime(reqCtx string) time.Time {
	m := contextPattern.FindStringSubmatch(reqCtx)
	if m == nil {
		return time.Time{}
	}
	var millis int64
	if _, err := fmt.Sscanf(m[1], "%d", &millis); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}

// Object-log key layout. Every record for one request lives under
// reqs/{ctx}/; the presence of a key is the progress marker.
const (
	RequestsPrefix = "reqs/"

	questionFile   = "question.json"
	evaluationFile = "evaluation.json"
	payoutFile     = "payout.json"
)

// QuestionKey returns the object-log key for a request's question record.
func QuestionKey(reqCtx string) string {
	return RequestsPrefix + reqCtx + "/" + questionFile
}

// AnswerKey returns the object-log key for one agent's answer record.
func AnswerKey(reqCtx, agentAddr string) string {
	return AnswersPrefix(reqCtx) + agentAddr + ".json"
}

// AnswersPrefix returns the listing prefix for all answers in a request.
func AnswersPrefix(reqCtx string) string {
	return RequestsPrefix + reqCtx + "/answers/"
}

// EvaluationKey returns the object-log key for a request's evaluation record.
func EvaluationKey(reqCtx string) string {
	return RequestsPrefix + reqCtx + "/" + evaluationFile
}

// PayoutKey returns the object-log key for a request's payout record.
func PayoutKey(reqCtx string) string {
	return RequestsPrefix + reqCtx + "/" + payoutFile
}

// IsQuestionKey reports whether key names a question record.
func IsQuestionKey(key string) bool {
	return strings.HasPrefix(key, RequestsPrefix) && strings.HasSuffix(key, "/"+questionFile)
}

// IsEvaluationKey reports whether key names an evaluation record.
func IsEvaluationKey(key string) bool {
	return strings.HasPrefix(key, RequestsPrefix) && strings.HasSuffix(key, "/"+evaluationFile)
}

// ContextFromKey extracts the request context from any reqs/{ctx}/... key.
// Returns "" if the key does not follow the layout.
func ContextFromKey(key string) string {
	if !strings.HasPrefix(key, RequestsPrefix) {
		return ""
	}
	rest := strings.TrimPrefix(key, RequestsPrefix)
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return ""
	}
	reqCtx := rest[:idx]
	if !ValidRequestContext(reqCtx) {
		return ""
	}
	return reqCtx
}

// AgentFromAnswerKey extracts the agent address from an answer key.
// Returns "" if the key is not an answer key.
func AgentFromAnswerKey(key string) string {
	reqCtx := ContextFromKey(key)
	if reqCtx == "" {
		return ""
	}
	prefix := AnswersPrefix(reqCtx)
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, ".json") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")
}
