package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind is the shared taxonomy for transport and protocol failures.
// Every error an adapter hands back is classified into exactly one kind so
// callers can make the retry decision without string matching.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"       // 401/403, bad or missing credential
	KindRateLimit ErrorKind = "rate_limit" // 429, optionally with Retry-After
	KindServer    ErrorKind = "server"     // 5xx from the provider
	KindNetwork   ErrorKind = "network"    // transient transport failure
	KindMalformed ErrorKind = "malformed"  // unparseable or empty response
	KindCancelled ErrorKind = "cancelled"  // user-initiated stop
)

// Error is a classified provider error.
type Error struct {
	Kind       ErrorKind
	StatusCode int           // set for auth/rate_limit/server
	RetryAfter time.Duration // set when the provider sent Retry-After
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the caller should consider another attempt.
// Auth and malformed-response failures never heal on retry.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimit || e.Kind == KindServer
}

// Convenience constructors.

func AuthError(status int, msg string) *Error {
	return &Error{Kind: KindAuth, StatusCode: status, Message: msg}
}

func RateLimited(retryAfter time.Duration, msg string) *Error {
	return &Error{Kind: KindRateLimit, StatusCode: http.StatusTooManyRequests, RetryAfter: retryAfter, Message: msg}
}

func ServerError(status int, msg string) *Error {
	return &Error{Kind: KindServer, StatusCode: status, Message: msg}
}

func NetworkFailure(cause error) *Error {
	return &Error{Kind: KindNetwork, Cause: cause}
}

func MalformedResponse(msg string) *Error {
	return &Error{Kind: KindMalformed, Message: msg}
}

func Cancelled() *Error {
	return &Error{Kind: KindCancelled, Message: "cancelled by user"}
}

// Kind extracts the classified kind from err, or "" if err carries none.
func Kind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool { return Kind(err) == kind }

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

// ClassifyHTTP maps a non-2xx provider response to the taxonomy. The body
// excerpt (already read by the caller) goes into the message verbatim.
func ClassifyHTTP(status int, header http.Header, body string) *Error {
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthError(status, body)
	case status == http.StatusTooManyRequests:
		return RateLimited(parseRetryAfter(header), body)
	case status >= 500:
		return ServerError(status, body)
	default:
		return &Error{Kind: KindMalformed, StatusCode: status, Message: fmt.Sprintf("HTTP %d: %s", status, body)}
	}
}

// Classify wraps a transport-level error into the taxonomy. Context
// cancellation becomes KindCancelled so callers can distinguish a user stop
// from a dropped connection; deadline expiry and everything else from the
// network stack is a transient NetworkFailure.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkFailure(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkFailure(err)
	}
	return NetworkFailure(err)
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
