package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a backend failure.
type Kind string

const (
	// KindTransient covers timeouts, 5xx and network faults. Retried.
	KindTransient Kind = "transient"
	// KindAuth covers 401/403. Never retried.
	KindAuth Kind = "auth"
	// KindRateLimit covers 429. Retried with backoff.
	KindRateLimit Kind = "rate_limit"
	// KindValidation covers malformed requests. Never retried.
	KindValidation Kind = "validation"
	// KindCircuitOpen is synthesized by the health monitor without a call.
	KindCircuitOpen Kind = "circuit_open"
)

var (
	// ErrCircuitOpen is wrapped by every circuit-open *Error.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrNoBackends is returned when no backend can serve a request.
	ErrNoBackends = errors.New("no backends available")
	// ErrDuplicateBackend is returned when registering an id twice.
	ErrDuplicateBackend = errors.New("duplicate backend id")
	// ErrEmptyResponse is returned when a provider answers with no text.
	ErrEmptyResponse = errors.New("empty response")
)

// Error is a classified backend failure.
type Error struct {
	Kind       Kind
	Backend    string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s: %s (%d): %s", e.Backend, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("backend %s: %s: %s", e.Backend, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt against the same backend may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimit
}

// CircuitOpen builds the synthetic error for a short-circuited call.
func CircuitOpen(backendID, reason string) *Error {
	return &Error{Kind: KindCircuitOpen, Backend: backendID, Message: reason, Err: ErrCircuitOpen}
}

// FromStatus classifies an HTTP status. It returns nil for 2xx.
func FromStatus(backendID string, status int, message string) *Error {
	var kind Kind
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusRequestTimeout || status >= 500:
		kind = KindTransient
	default:
		kind = KindValidation
	}
	return &Error{Kind: kind, Backend: backendID, StatusCode: status, Message: message}
}

// Classify wraps an arbitrary error as a *Error. Existing *Error values pass
// through; anything else (timeouts, network faults) is transient.
func Classify(backendID string, err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return &Error{Kind: KindTransient, Backend: backendID, Err: err}
}

// KindOf returns the kind of err, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}

// IsRetryable reports whether err may succeed on another attempt.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return true
}
