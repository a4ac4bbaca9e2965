package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"

	"wanderer-kills/pkg/gate"
)

// ErrorKind classifies upstream failures for retry and circuit decisions.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindNotFound         ErrorKind = "not_found"
	KindRateLimited      ErrorKind = "rate_limited"
	KindTimeout          ErrorKind = "timeout"
	KindConnectionFailed ErrorKind = "connection_failed"
	KindServerError      ErrorKind = "server_error"
	KindClientError      ErrorKind = "client_error"
	KindParseError       ErrorKind = "parse_error"
	KindCircuitOpen      ErrorKind = "circuit_open"
	KindQueueFull        ErrorKind = "queue_full"
)

// Error is a classified upstream failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the operation may succeed if attempted again.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindConnectionFailed, KindServerError, KindCircuitOpen, KindQueueFull:
		return true
	default:
		return false
	}
}

// CountsAgainstCircuit reports whether this failure increments the upstream
// circuit breaker. Client errors other than rate limits do not.
func (e *Error) CountsAgainstCircuit() bool {
	switch e.Kind {
	case KindRateLimited, KindServerError, KindTimeout, KindConnectionFailed:
		return true
	default:
		return false
	}
}

// NewError builds a classified error.
func NewError(kind ErrorKind, statusCode int, err error) *Error {
	return &Error{Kind: kind, StatusCode: statusCode, Err: err}
}

// KindOf extracts the error kind, mapping gate sentinels as well. Returns ""
// for unclassified errors.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, gate.ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, gate.ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, gate.ErrAcquireTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return ""
	}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error is worth retrying at a higher layer.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	switch KindOf(err) {
	case KindCircuitOpen, KindQueueFull, KindTimeout:
		return true
	default:
		return false
	}
}

// WrapGateError normalizes gate sentinel errors into the taxonomy. Classified
// errors and caller cancellations pass through unchanged.
func WrapGateError(err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	switch {
	case errors.Is(err, gate.ErrCircuitOpen):
		return NewError(KindCircuitOpen, 0, err)
	case errors.Is(err, gate.ErrQueueFull):
		return NewError(KindQueueFull, 0, err)
	case errors.Is(err, gate.ErrAcquireTimeout):
		return NewError(KindTimeout, 0, err)
	default:
		return err
	}
}

// ClassifyStatus maps a non-2xx HTTP status to an error kind.
func ClassifyStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == 404:
		return KindNotFound
	case statusCode == 429 || statusCode == 420:
		return KindRateLimited
	case statusCode >= 500:
		return KindServerError
	case statusCode >= 400:
		return KindClientError
	default:
		return KindClientError
	}
}

func classifyTransportError(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindConnectionFailed
}
