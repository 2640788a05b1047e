package pipeline

import (
	"fmt"
	"time"
)

// UpstreamError is any non-2xx upstream response that was not locally
// recovered by retry or account rotation. It carries the original status
// and body so the caller sees exactly what the upstream said.
type UpstreamError struct {
	// Provider names the upstream that produced the error.
	Provider string

	// Status is the upstream HTTP status code.
	Status int

	// Body is the upstream error body text.
	Body string

	// RetryAfter is the lockout applied locally, when one was derived.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream %q error (status %d, retry after %s): %s",
			e.Provider, e.Status, e.RetryAfter, e.Body)
	}
	return fmt.Sprintf("upstream %q error (status %d): %s", e.Provider, e.Status, e.Body)
}

// AuthError is a credential or token-refresh failure.
type AuthError struct {
	// Provider names the upstream that rejected the credential.
	Provider string

	// Message describes the failure.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("upstream %q authentication failed: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error for error chain support.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// NoAccountError is returned when no account can serve the request: the
// pool is empty, the pinned account is locked out, or every account is rate
// limited for longer than the optimistic-clear window.
type NoAccountError struct {
	// Pinned is set when a specific account was requested.
	Pinned string

	// RetryAfter is the pinned account's remaining lockout, zero when the
	// account is unknown or the call was not pinned.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *NoAccountError) Error() string {
	if e.Pinned != "" {
		if e.RetryAfter > 0 {
			return fmt.Sprintf("account %q rate limited, retry after %s", e.Pinned, e.RetryAfter)
		}
		return fmt.Sprintf("account %q unavailable or rate limited", e.Pinned)
	}
	return "no account available: all accounts rate limited or pool empty"
}

// StreamAbortError marks a stream that died after bytes were already
// forwarded to the caller. It is terminal: partial output cannot be safely
// discarded, so the pipeline never retries it.
type StreamAbortError struct {
	// IdleTimeout is true when the idle-read watchdog killed the
	// connection, as opposed to an upstream read failure.
	IdleTimeout bool

	// Cause is the underlying read error.
	Cause error
}

// Error implements the error interface.
func (e *StreamAbortError) Error() string {
	if e.IdleTimeout {
		return fmt.Sprintf("stream aborted: no data from upstream within idle timeout: %v", e.Cause)
	}
	return fmt.Sprintf("stream aborted mid-flight: %v", e.Cause)
}

// Unwrap returns the underlying error for error chain support.
func (e *StreamAbortError) Unwrap() error {
	return e.Cause
}
