package objectlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openbounty/arbiter/internal/resilience"
)

// GatewayLog talks to the object-log HTTP gateway. Writes are settled on the
// gas-metered backing chain by the gateway, so the client treats balance and
// gas failures as permanent and fee spikes as deferrals.
type GatewayLog struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	retry      resilience.RetryConfig
	fees       FeeEstimator
	feeCeiling *big.Int // wei; nil disables admission control
}

// GatewayOption configures a GatewayLog.
type GatewayOption func(*GatewayLog)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) GatewayOption {
	return func(g *GatewayLog) {
		g.http = hc
	}
}

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) GatewayOption {
	return func(g *GatewayLog) {
		g.retry = cfg
	}
}

// WithFeeAdmission enables priority-fee admission control for writes:
// while est reports a fee above ceilingWei, writes are deferred and retried
// instead of submitted.
func WithFeeAdmission(est FeeEstimator, ceilingWei *big.Int) GatewayOption {
	return func(g *GatewayLog) {
		g.fees = est
		g.feeCeiling = ceilingWei
	}
}

// NewGateway creates a GatewayLog for the given gateway base URL.
func NewGateway(baseURL, apiKey string, opts ...GatewayOption) *GatewayLog {
	g := &GatewayLog{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PutIfAbsent writes obj under key only if the key does not already exist.
// An existence probe runs first; if the probe fails for any reason other
// than "not found", the write is aborted rather than risking a silent
// duplicate. A lost write race surfaces as ErrKeyExists, same as a probe hit.
func (g *GatewayLog) PutIfAbsent(ctx context.Context, key string, obj any) error {
	var probe json.RawMessage
	found, err := g.Get(ctx, key, &probe)
	if err != nil {
		return eris.Wrapf(err, "objectlog: existence probe for %s", key)
	}
	if found {
		return ErrKeyExists
	}
	return g.put(ctx, key, obj, true)
}

// Put overwrites key with obj. Reserved for the evaluation status
// transition; everything else goes through PutIfAbsent.
func (g *GatewayLog) Put(ctx context.Context, key string, obj any) error {
	return g.put(ctx, key, obj, false)
}

func (g *GatewayLog) put(ctx context.Context, key string, obj any, ifAbsent bool) error {
	body, err := json.Marshal(obj)
	if err != nil {
		return eris.Wrapf(err, "objectlog: marshal %s", key)
	}

	cfg := g.retry
	cfg.OnRetry = resilience.RetryLogger("objectlog", "put")

	err = resilience.Do(ctx, cfg, func(ctx context.Context) error {
		if admitErr := g.admitWrite(ctx); admitErr != nil {
			return admitErr
		}

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPut, g.objectURL(key), bytes.NewReader(body))
		if reqErr != nil {
			return resilience.NewPermanentError(reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		if ifAbsent {
			req.Header.Set("If-None-Match", "*")
		}
		g.authorize(req)

		resp, doErr := g.http.Do(req)
		if doErr != nil {
			return doErr
		}
		defer resp.Body.Close()
		return classifyWriteStatus(resp)
	})
	if err != nil {
		if eris.Is(err, ErrKeyExists) {
			return ErrKeyExists
		}
		return eris.Wrapf(err, "objectlog: put %s", key)
	}
	return nil
}

// admitWrite defers the write while the settlement chain's priority fee is
// above the configured ceiling. Estimator failures do not block the write;
// admission control is a cost guard, not a correctness gate.
func (g *GatewayLog) admitWrite(ctx context.Context) error {
	if g.fees == nil || g.feeCeiling == nil {
		return nil
	}
	fee, err := g.fees.SuggestPriorityFee(ctx)
	if err != nil {
		zap.L().Warn("objectlog: fee estimate failed, admitting write", zap.Error(err))
		return nil
	}
	if fee.Cmp(g.feeCeiling) > 0 {
		return resilience.NewDeferredError(fee.Uint64(), g.feeCeiling.Uint64())
	}
	return nil
}

// Get reads the object at key into out. A definitive "not found" is
// (false, nil), never an error; transient proxy failures are retried.
func (g *GatewayLog) Get(ctx context.Context, key string, out any) (bool, error) {
	cfg := g.retry
	cfg.OnRetry = resilience.RetryLogger("objectlog", "get")

	body, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, g.objectURL(key), nil)
		if reqErr != nil {
			return nil, resilience.NewPermanentError(reqErr)
		}
		g.authorize(req)

		resp, doErr := g.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return io.ReadAll(resp.Body)
		case resp.StatusCode == http.StatusNotFound:
			return nil, nil
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.NewTransientError(statusErr(resp), resp.StatusCode)
		default:
			return nil, resilience.NewPermanentError(statusErr(resp))
		}
	})
	if err != nil {
		return false, eris.Wrapf(err, "objectlog: get %s", key)
	}
	if body == nil {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return false, eris.Wrapf(err, "objectlog: decode %s", key)
		}
	}
	return true, nil
}

// ListByPrefix returns all keys under prefix, retrying transient failures.
func (g *GatewayLog) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	cfg := g.retry
	cfg.OnRetry = resilience.RetryLogger("objectlog", "list")

	keys, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]string, error) {
		u := fmt.Sprintf("%s/v1/objects?prefix=%s", g.baseURL, url.QueryEscape(prefix))
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if reqErr != nil {
			return nil, resilience.NewPermanentError(reqErr)
		}
		g.authorize(req)

		resp, doErr := g.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			var payload struct {
				Keys []string `json:"keys"`
			}
			if decErr := json.NewDecoder(resp.Body).Decode(&payload); decErr != nil {
				return nil, resilience.NewTransientError(decErr, resp.StatusCode)
			}
			return payload.Keys, nil
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.NewTransientError(statusErr(resp), resp.StatusCode)
		default:
			return nil, resilience.NewPermanentError(statusErr(resp))
		}
	})
	if err != nil {
		return nil, eris.Wrapf(err, "objectlog: list %s", prefix)
	}
	return keys, nil
}

func (g *GatewayLog) objectURL(key string) string {
	return g.baseURL + "/v1/objects/" + url.PathEscape(key)
}

func (g *GatewayLog) authorize(req *http.Request) {
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
}

// classifyWriteStatus maps gateway responses onto the retry taxonomy.
// Conflicts and funding failures abort immediately; server-side trouble
// retries.
func classifyWriteStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusConflict, resp.StatusCode == http.StatusPreconditionFailed:
		return resilience.NewPermanentError(ErrKeyExists)
	case resp.StatusCode == http.StatusPaymentRequired:
		// Gateway account cannot fund the storage write.
		return resilience.NewPermanentError(statusErr(resp))
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// Out of gas at the configured limit.
		return resilience.NewPermanentError(statusErr(resp))
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(statusErr(resp), resp.StatusCode)
	default:
		return resilience.NewPermanentError(statusErr(resp))
	}
}

func statusErr(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	if len(snippet) == 0 {
		return eris.Errorf("gateway returned %s", resp.Status)
	}
	return eris.Errorf("gateway returned %s: %s", resp.Status, snippet)
}
