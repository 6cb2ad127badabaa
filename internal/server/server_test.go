package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openbounty/arbiter/internal/config"
	"github.com/openbounty/arbiter/internal/model"
	"github.com/openbounty/arbiter/internal/objectlog"
)

const (
	testCtx    = "req_1756300000000_a1b2c3"
	agentAddr  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	tokenAddr  = "0x1000000000000000000000000000000000000005"
	arbAddress = "0x1000000000000000000000000000000000000006"
)

type mockSettlement struct {
	mock.Mock
}

func (m *mockSettlement) CreatePaymentStatement(ctx context.Context, token string, amount *big.Int, arbiter string, demand []byte) (string, error) {
	args := m.Called(ctx, token, amount, arbiter, demand)
	return args.String(0), args.Error(1)
}

func (m *mockSettlement) RegisterAgent(ctx context.Context, agentID, payoutAddress string) (string, error) {
	args := m.Called(ctx, agentID, payoutAddress)
	return args.String(0), args.Error(1)
}

func (m *mockSettlement) SubmitValidation(ctx context.Context, paymentUID, validationUID string) (string, error) {
	args := m.Called(ctx, paymentUID, validationUID)
	return args.String(0), args.Error(1)
}

func (m *mockSettlement) TriggerAggregation(ctx context.Context, requestCtx string) (string, error) {
	args := m.Called(ctx, requestCtx)
	return args.String(0), args.Error(1)
}

func newTestServer(log *objectlog.MemoryLog, settle *mockSettlement) *httptest.Server {
	s := New(log, settle, config.ServerConfig{
		Port:           0,
		DefaultToken:   tokenAddr,
		DefaultArbiter: arbAddress,
	})
	return httptest.NewServer(s.Handler())
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func seedQuestion(t *testing.T, log *objectlog.MemoryLog) {
	t.Helper()
	require.NoError(t, log.PutIfAbsent(context.Background(), model.QuestionKey(testCtx), &model.QuestionRecord{
		Question:         "q",
		KnowledgeBaseCID: "bafyKB",
		PaymentUID:       "0x1",
		SubmittedAt:      time.Now().UTC(),
	}))
}

func TestHealth(t *testing.T) {
	srv := newTestServer(objectlog.NewMemory(), &mockSettlement{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestSubmitQuestion(t *testing.T) {
	log := objectlog.NewMemory()
	settle := &mockSettlement{}
	settle.On("CreatePaymentStatement", mock.Anything, tokenAddr, big.NewInt(1000), arbAddress, mock.Anything).
		Return("0xpayment-uid", nil)

	srv := newTestServer(log, settle)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/questions", submitQuestionRequest{
		Question:         "What is the capital of France?",
		KnowledgeBaseCID: "bafyKB",
		AmountWei:        "1000",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody[submitQuestionResponse](t, resp)
	assert.True(t, model.ValidRequestContext(body.RequestContext))
	assert.Equal(t, "0xpayment-uid", body.PaymentUID)

	var stored model.QuestionRecord
	found, err := log.Get(context.Background(), model.QuestionKey(body.RequestContext), &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "0xpayment-uid", stored.PaymentUID)
	settle.AssertExpectations(t)
}

func TestSubmitQuestion_Validation(t *testing.T) {
	settle := &mockSettlement{}
	srv := newTestServer(objectlog.NewMemory(), settle)
	defer srv.Close()

	tests := []struct {
		name string
		req  submitQuestionRequest
	}{
		{"missing question", submitQuestionRequest{KnowledgeBaseCID: "c", AmountWei: "1"}},
		{"missing cid", submitQuestionRequest{Question: "q", AmountWei: "1"}},
		{"bad amount", submitQuestionRequest{Question: "q", KnowledgeBaseCID: "c", AmountWei: "lots"}},
		{"zero amount", submitQuestionRequest{Question: "q", KnowledgeBaseCID: "c", AmountWei: "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/questions", tt.req)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	settle.AssertNotCalled(t, "CreatePaymentStatement",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitQuestion_PaymentFailure(t *testing.T) {
	log := objectlog.NewMemory()
	settle := &mockSettlement{}
	settle.On("CreatePaymentStatement", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", assert.AnError)

	srv := newTestServer(log, settle)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/questions", submitQuestionRequest{
		Question: "q", KnowledgeBaseCID: "c", AmountWei: "1",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 0, log.Len(), "no question record without a payment")
}

func TestSubmitAnswer(t *testing.T) {
	log := objectlog.NewMemory()
	seedQuestion(t, log)
	srv := newTestServer(log, &mockSettlement{})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/questions/"+testCtx+"/answers", submitAnswerRequest{
		AnswerText:       "Paris",
		AnsweringAgentID: agentAddr,
		FulfillmentUID:   "0xf",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	var stored model.AnswerRecord
	found, err := log.Get(context.Background(), model.AnswerKey(testCtx, agentAddr), &stored)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Paris", stored.AnswerText)
}

func TestSubmitAnswer_DuplicateAgent(t *testing.T) {
	log := objectlog.NewMemory()
	seedQuestion(t, log)
	srv := newTestServer(log, &mockSettlement{})
	defer srv.Close()

	req := submitAnswerRequest{AnswerText: "Paris", AnsweringAgentID: agentAddr}
	resp := postJSON(t, srv.URL+"/v1/questions/"+testCtx+"/answers", req)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/questions/"+testCtx+"/answers", req)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "one answer per agent per request")
}

func TestSubmitAnswer_Rejections(t *testing.T) {
	log := objectlog.NewMemory()
	seedQuestion(t, log)
	srv := newTestServer(log, &mockSettlement{})
	defer srv.Close()

	t.Run("unknown context", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/questions/req_1756399999999_ffffff/answers", submitAnswerRequest{
			AnswerText: "Paris", AnsweringAgentID: agentAddr,
		})
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("malformed context", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/questions/not-a-context/answers", submitAnswerRequest{
			AnswerText: "Paris", AnsweringAgentID: agentAddr,
		})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid agent address", func(t *testing.T) {
		resp := postJSON(t, srv.URL+"/v1/questions/"+testCtx+"/answers", submitAnswerRequest{
			AnswerText: "Paris", AnsweringAgentID: "bob",
		})
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("already evaluated", func(t *testing.T) {
		require.NoError(t, log.PutIfAbsent(context.Background(), model.EvaluationKey(testCtx), &model.EvaluationRecord{
			Status: model.StatusPendingPayout,
		}))
		resp := postJSON(t, srv.URL+"/v1/questions/"+testCtx+"/answers", submitAnswerRequest{
			AnswerText: "Paris", AnsweringAgentID: agentAddr,
		})
		resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestGetQuestion_StatusProgression(t *testing.T) {
	log := objectlog.NewMemory()
	seedQuestion(t, log)
	srv := newTestServer(log, &mockSettlement{})
	defer srv.Close()

	get := func() questionStatusResponse {
		resp, err := http.Get(srv.URL + "/v1/questions/" + testCtx)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return decodeBody[questionStatusResponse](t, resp)
	}

	body := get()
	assert.Equal(t, "open", body.Status)
	assert.Equal(t, 0, body.AnswerCount)
	require.NotNil(t, body.Question)

	require.NoError(t, log.PutIfAbsent(context.Background(), model.AnswerKey(testCtx, agentAddr), &model.AnswerRecord{AnswerText: "a"}))
	require.NoError(t, log.PutIfAbsent(context.Background(), model.EvaluationKey(testCtx), &model.EvaluationRecord{Status: model.StatusPendingPayout}))
	body = get()
	assert.Equal(t, "evaluated", body.Status)
	assert.Equal(t, 1, body.AnswerCount)
	require.NotNil(t, body.Evaluation)

	require.NoError(t, log.PutIfAbsent(context.Background(), model.PayoutKey(testCtx), &model.PayoutRecord{Stage: model.PayoutStageSettled, Success: true}))
	body = get()
	assert.Equal(t, "finalized", body.Status)
	require.NotNil(t, body.Payout)
}

func TestGetQuestion_NotFound(t *testing.T) {
	srv := newTestServer(objectlog.NewMemory(), &mockSettlement{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/questions/" + testCtx)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
