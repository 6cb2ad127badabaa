// Package content fetches knowledge-base documents by CID.
package content

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openbounty/arbiter/internal/resilience"
)

// ErrNotFound is returned when the gateway has no document for a CID.
var ErrNotFound = eris.New("content: not found")

// Fetcher resolves a knowledge-base CID to its text content.
type Fetcher interface {
	Fetch(ctx context.Context, cid string) (string, error)
}

// GatewayFetcher fetches documents from an IPFS HTTP gateway.
type GatewayFetcher struct {
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// GatewayFetcherOption configures a GatewayFetcher.
type GatewayFetcherOption func(*GatewayFetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) GatewayFetcherOption {
	return func(f *GatewayFetcher) {
		f.http = hc
	}
}

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) GatewayFetcherOption {
	return func(f *GatewayFetcher) {
		f.retry = cfg
	}
}

// NewGatewayFetcher creates a GatewayFetcher for the given gateway base URL.
func NewGatewayFetcher(baseURL string, timeout time.Duration, opts ...GatewayFetcherOption) *GatewayFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	f := &GatewayFetcher{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the document for cid, retrying transient gateway failures.
// A definitive miss returns ErrNotFound.
func (f *GatewayFetcher) Fetch(ctx context.Context, cid string) (string, error) {
	cfg := f.retry
	cfg.OnRetry = resilience.RetryLogger("content", "fetch")

	body, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) ([]byte, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/ipfs/"+cid, nil)
		if reqErr != nil {
			return nil, resilience.NewPermanentError(reqErr)
		}

		resp, doErr := f.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return io.ReadAll(resp.Body)
		case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
			return nil, resilience.NewPermanentError(ErrNotFound)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.NewTransientError(eris.Errorf("gateway returned %s", resp.Status), resp.StatusCode)
		default:
			return nil, resilience.NewPermanentError(eris.Errorf("gateway returned %s", resp.Status))
		}
	})
	if err != nil {
		if eris.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", eris.Wrapf(err, "content: fetch %s", cid)
	}
	return string(body), nil
}
