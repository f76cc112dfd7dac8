package provider

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an upstream failure for retry decisions.
type Kind string

const (
	// KindRateLimit is HTTP 429; the key cools down and the caller may retry
	// with another key.
	KindRateLimit Kind = "rate_limit"
	// KindTransient covers 5xx, Cloudflare 52x, network failures and timeouts.
	KindTransient Kind = "transient"
	// KindAuthentication covers 401 and auth-shaped error messages; the key is
	// disabled and never retried.
	KindAuthentication Kind = "authentication"
	// KindClient is any other 4xx; retrying cannot help.
	KindClient Kind = "client"
)

// Error is the typed failure returned by every adapter. RetryAfter is only set
// for rate-limit errors when upstream sent a usable Retry-After header.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s error: %s", e.Kind, e.Message)
}

// Retriable reports whether another attempt (same or different key) may
// succeed.
func (e *Error) Retriable() bool {
	return e.Kind == KindRateLimit || e.Kind == KindTransient
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func rateLimitError(msg string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Message: msg, RetryAfter: retryAfter}
}

func transientError(msg string) *Error {
	return &Error{Kind: KindTransient, Message: msg}
}

func authenticationError(msg string) *Error {
	return &Error{Kind: KindAuthentication, Message: msg}
}

func clientError(msg string) *Error {
	return &Error{Kind: KindClient, Message: msg}
}
