package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// =============================================================================
// FAILURE CLASSIFICATION
// =============================================================================
//
// This file classifies fetch and service failures into an explicit taxonomy.
// Every boundary in the system matches on FailureKind, never on error message
// substrings.
//
// =============================================================================

// FailureKind represents a specific category of failure.
type FailureKind string

const (
	// ==========================================================================
	// RETRYABLE FAILURES
	// ==========================================================================

	// FailureNetwork - connection refused, DNS failure, reset.
	// Retry: yes, under the network-ops policy.
	FailureNetwork FailureKind = "network"

	// FailureTimeout - request or breaker-enforced timeout.
	// Retry: yes, once or twice depending on policy.
	FailureTimeout FailureKind = "timeout"

	// FailureServerError - HTTP 5xx from the origin.
	// Retry: yes, with backoff.
	FailureServerError FailureKind = "server_error"

	// FailureRateLimited - HTTP 429/408 or a policy-detected quota hit.
	// Retry: yes, after a politeness window; queue consumers re-queue instead.
	FailureRateLimited FailureKind = "rate_limited"

	// ==========================================================================
	// NON-RETRYABLE FAILURES
	// ==========================================================================

	// FailureHTTPStatus - a 4xx response other than 408/429.
	FailureHTTPStatus FailureKind = "http_status"

	// FailureContentRejected - fetch succeeded but the content-quality gate
	// rejected the body (paywall, truncation, too short). Not an error to the
	// caller; the cascade advances to the next strategy.
	FailureContentRejected FailureKind = "content_rejected"

	// FailureAuth - credential login or session validation failed.
	FailureAuth FailureKind = "auth_failed"

	// FailureUsageExhausted - a budgeted strategy has no remaining usage.
	// The cascade skips the strategy; this never counts as a failure.
	FailureUsageExhausted FailureKind = "usage_exhausted"

	// FailureCircuitOpen - the breaker rejected the call without invoking it.
	// Never retried by the retry manager; surfaced so bulk callers can stop
	// hammering a degraded service.
	FailureCircuitOpen FailureKind = "circuit_open"

	// FailureUnknown - anything unclassified. Logged, counted, not retried.
	FailureUnknown FailureKind = "unknown"
)

// Failure is a classified error carried across component boundaries.
type Failure struct {
	Kind     FailureKind `json:"kind"`
	Message  string      `json:"message"`
	HTTPCode int         `json:"httpCode,omitempty"`
}

func (f *Failure) Error() string {
	if f.HTTPCode > 0 {
		return fmt.Sprintf("%s (http %d): %s", f.Kind, f.HTTPCode, f.Message)
	}
	return string(f.Kind) + ": " + f.Message
}

// NewFailure builds a classified failure.
func NewFailure(kind FailureKind, message string) *Failure {
	return &Failure{Kind: kind, Message: message}
}

// NewHTTPFailure classifies an HTTP status code into a failure.
func NewHTTPFailure(code int, message string) *Failure {
	return &Failure{Kind: ClassifyHTTPStatus(code), Message: message, HTTPCode: code}
}

// ClassifyHTTPStatus maps a non-2xx status to a failure kind.
// 408 and 429 map to rate-limited; other 4xx are terminal; 5xx is retryable.
func ClassifyHTTPStatus(code int) FailureKind {
	switch {
	case code == 408 || code == 429:
		return FailureRateLimited
	case code == 401 || code == 403:
		return FailureAuth
	case code >= 400 && code < 500:
		return FailureHTTPStatus
	case code >= 500:
		return FailureServerError
	default:
		return FailureUnknown
	}
}

// Classify resolves an arbitrary error into a FailureKind. A *Failure keeps
// its own kind; everything else is inspected structurally.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}

	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureNetwork
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureNetwork
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return FailureNetwork
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return FailureNetwork
	}

	// url.Error wraps its cause, but older transports stringify. One narrow
	// textual check remains for "context deadline exceeded" wrapped as a
	// plain error by intermediate layers.
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return FailureTimeout
	}

	return FailureUnknown
}

// IsRetryable reports whether the default retryable-error predicate accepts
// this failure kind.
func IsRetryable(kind FailureKind) bool {
	switch kind {
	case FailureNetwork, FailureTimeout, FailureServerError, FailureRateLimited:
		return true
	default:
		return false
	}
}

// ClassifiedError wraps err in a *Failure if it is not one already.
func ClassifiedError(err error) *Failure {
	if err == nil {
		return nil
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	return &Failure{Kind: Classify(err), Message: err.Error()}
}
