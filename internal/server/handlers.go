package server

import (
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openbounty/arbiter/internal/chain"
	"github.com/openbounty/arbiter/internal/model"
	"github.com/openbounty/arbiter/internal/objectlog"
)

type submitQuestionRequest struct {
	Question         string `json:"question"`
	KnowledgeBaseCID string `json:"knowledgeBaseCid"`
	AmountWei        string `json:"amountWei"`
}

type submitQuestionResponse struct {
	RequestContext string `json:"requestContext"`
	PaymentUID     string `json:"paymentUID"`
}

type submitAnswerRequest struct {
	AnswerText       string  `json:"answerText"`
	AnsweringAgentID string  `json:"answeringAgentId"`
	FulfillmentUID   string  `json:"fulfillmentUID"`
	ValidationUID    *string `json:"validationUID,omitempty"`
}

type questionStatusResponse struct {
	RequestContext string                  `json:"requestContext"`
	Status         string                  `json:"status"`
	AnswerCount    int                     `json:"answerCount"`
	Question       *model.QuestionRecord   `json:"question,omitempty"`
	Evaluation     *model.EvaluationRecord `json:"evaluation,omitempty"`
	Payout         *model.PayoutRecord     `json:"payout,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmitQuestion escrows the bounty on-chain, then anchors the
// question record. The payment happens first: a question without a payment
// UID could never settle, but an orphaned payment statement is recoverable.
func (s *Server) handleSubmitQuestion(w http.ResponseWriter, r *http.Request) {
	var req submitQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	if req.KnowledgeBaseCID == "" {
		writeError(w, http.StatusBadRequest, "knowledgeBaseCid is required")
		return
	}
	amount, ok := new(big.Int).SetString(req.AmountWei, 10)
	if !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "amountWei must be a positive decimal integer")
		return
	}

	reqCtx := model.NewRequestContext(time.Now())

	paymentUID, err := s.settle.CreatePaymentStatement(r.Context(),
		s.cfg.DefaultToken, amount, s.cfg.DefaultArbiter, []byte(reqCtx))
	if err != nil {
		zap.L().Error("server: payment statement failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "payment statement could not be created")
		return
	}

	record := model.QuestionRecord{
		Question:         req.Question,
		KnowledgeBaseCID: req.KnowledgeBaseCID,
		PaymentUID:       paymentUID,
		SubmittedAt:      time.Now().UTC(),
	}
	if err := s.log.PutIfAbsent(r.Context(), model.QuestionKey(reqCtx), &record); err != nil {
		zap.L().Error("server: question write failed",
			zap.String("requestContext", reqCtx),
			zap.String("paymentUid", paymentUID),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, "question could not be stored")
		return
	}

	zap.L().Info("server: question accepted",
		zap.String("requestContext", reqCtx),
		zap.String("paymentUid", paymentUID))
	writeJSON(w, http.StatusCreated, submitQuestionResponse{
		RequestContext: reqCtx,
		PaymentUID:     paymentUID,
	})
}

func (s *Server) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	reqCtx := chi.URLParam(r, "requestContext")
	if !model.ValidRequestContext(reqCtx) {
		writeError(w, http.StatusBadRequest, "malformed request context")
		return
	}

	var req submitAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AnswerText == "" {
		writeError(w, http.StatusBadRequest, "answerText is required")
		return
	}
	if !chain.ValidAddress(req.AnsweringAgentID) {
		writeError(w, http.StatusBadRequest, "answeringAgentId must be a chain address")
		return
	}

	if found, err := s.log.Get(r.Context(), model.QuestionKey(reqCtx), nil); err != nil {
		writeError(w, http.StatusBadGateway, "object log unavailable")
		return
	} else if !found {
		writeError(w, http.StatusNotFound, "unknown request context")
		return
	}

	// Answers are only accepted while the request is unevaluated; after the
	// one-shot evaluation the answer set is frozen.
	if found, err := s.log.Get(r.Context(), model.EvaluationKey(reqCtx), nil); err != nil {
		writeError(w, http.StatusBadGateway, "object log unavailable")
		return
	} else if found {
		writeError(w, http.StatusConflict, "request already evaluated")
		return
	}

	record := model.AnswerRecord{
		AnswerText:       req.AnswerText,
		AnsweringAgentID: req.AnsweringAgentID,
		FulfillmentUID:   req.FulfillmentUID,
		ValidationUID:    req.ValidationUID,
		SubmittedAt:      time.Now().UTC(),
	}
	err := s.log.PutIfAbsent(r.Context(), model.AnswerKey(reqCtx, req.AnsweringAgentID), &record)
	if eris.Is(err, objectlog.ErrKeyExists) {
		writeError(w, http.StatusConflict, "agent already answered this request")
		return
	}
	if err != nil {
		zap.L().Error("server: answer write failed",
			zap.String("requestContext", reqCtx),
			zap.String("agent", req.AnsweringAgentID),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, "answer could not be stored")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"requestContext": reqCtx,
		"agent":          req.AnsweringAgentID,
	})
}

func (s *Server) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	reqCtx := chi.URLParam(r, "requestContext")
	if !model.ValidRequestContext(reqCtx) {
		writeError(w, http.StatusBadRequest, "malformed request context")
		return
	}

	var question model.QuestionRecord
	found, err := s.log.Get(r.Context(), model.QuestionKey(reqCtx), &question)
	if err != nil {
		writeError(w, http.StatusBadGateway, "object log unavailable")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown request context")
		return
	}

	resp := questionStatusResponse{
		RequestContext: reqCtx,
		Status:         "open",
		Question:       &question,
	}

	answers, err := s.log.ListByPrefix(r.Context(), model.AnswersPrefix(reqCtx))
	if err != nil {
		writeError(w, http.StatusBadGateway, "object log unavailable")
		return
	}
	resp.AnswerCount = len(answers)

	var eval model.EvaluationRecord
	if found, err = s.log.Get(r.Context(), model.EvaluationKey(reqCtx), &eval); err == nil && found {
		resp.Evaluation = &eval
		resp.Status = "evaluated"
	}
	var payoutRec model.PayoutRecord
	if found, err = s.log.Get(r.Context(), model.PayoutKey(reqCtx), &payoutRec); err == nil && found {
		resp.Payout = &payoutRec
		resp.Status = "finalized"
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("server: response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
