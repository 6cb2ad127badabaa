// Package resilience provides bounded retry with backoff for calls against
// the object-log gateway and the settlement chain.
package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (RPC timeout, proxy
// hiccup, 5xx from the gateway).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// DeferredError marks a write deferred by admission control: the settlement
// chain's priority fee is above the configured ceiling, so the operation is
// postponed rather than failed. Deferred operations are always retryable.
type DeferredError struct {
	FeeWei     uint64
	CeilingWei uint64
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("write deferred: priority fee %d wei above ceiling %d wei", e.FeeWei, e.CeilingWei)
}

// NewDeferredError reports a fee-ceiling deferral.
func NewDeferredError(feeWei, ceilingWei uint64) *DeferredError {
	return &DeferredError{FeeWei: feeWei, CeilingWei: ceilingWei}
}

// IsDeferred reports whether err carries a DeferredError.
func IsDeferred(err error) bool {
	var de *DeferredError
	return errors.As(err, &de)
}

// PermanentError wraps an error that must never be retried, such as an
// out-of-gas failure at the configured limit, an insufficient balance, or a
// genuine key-exists conflict.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError marks an error as non-retryable.
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

// IsRetryable reports whether the error should be retried: explicit
// transient or deferred markers, network-level timeouts, and common
// connection failures. A PermanentError anywhere in the chain wins and
// disables retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if IsDeferred(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String heuristics for wrapped errors from HTTP and RPC clients.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"too many requests",
		"request timed out",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether an HTTP status from the object-log
// gateway or a JSON-RPC proxy indicates a transient server-side issue.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
