// Package apperr defines the error taxonomy shared by the transcription
// gateway and the recording client. Each error carries a Kind that both
// sides use to decide between retrying, skipping, and halting.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and status-code decisions.
type Kind string

const (
	KindAuth           Kind = "AUTH_ERROR"      // 401
	KindConfig         Kind = "CONFIG_ERROR"    // 500
	KindBadRequest     Kind = "BAD_REQUEST"     // 400
	KindDecode         Kind = "DECODE_ERROR"    // 400 once the transcoding fallback is exhausted
	KindTransient      Kind = "TRANSIENT"       // 503
	KindRateLimited    Kind = "RATE_LIMITED"    // 429
	KindNetworkTimeout Kind = "NETWORK_TIMEOUT" // client side only
	KindDevice         Kind = "DEVICE_ERROR"    // client side only
	KindProvider       Kind = "PROVIDER_ERROR"  // 500
	KindInternal       Kind = "INTERNAL"        // 500
)

// Error is a classified error with an HTTP status and optional details.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// NewAuth creates a 401 error for a missing or wrong credential.
func NewAuth(msg string) *Error {
	return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: msg}
}

// NewConfig creates a 500 error for server misconfiguration.
func NewConfig(msg string) *Error {
	return &Error{Kind: KindConfig, Status: http.StatusInternalServerError, Message: msg}
}

// NewBadRequest creates a 400 error for a malformed or unusable segment.
func NewBadRequest(msg string) *Error {
	return &Error{Kind: KindBadRequest, Status: http.StatusBadRequest, Message: msg}
}

// NewDecode creates a 400 error for audio the provider could not decode.
func NewDecode(msg string, err error) *Error {
	return &Error{Kind: KindDecode, Status: http.StatusBadRequest, Message: msg, Err: err}
}

// NewTransient creates a 503 error for timeouts and provider overload.
func NewTransient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Status: http.StatusServiceUnavailable, Message: msg, Err: err}
}

// NewRateLimited creates a 429 error. Rate limiting is transient but is
// retried without a ceiling by the delivery queue.
func NewRateLimited(msg string, err error) *Error {
	return &Error{Kind: KindRateLimited, Status: http.StatusTooManyRequests, Message: msg, Err: err}
}

// NewNetworkTimeout creates an error for a client-side aborted attempt.
func NewNetworkTimeout(err error) *Error {
	return &Error{Kind: KindNetworkTimeout, Status: http.StatusGatewayTimeout, Message: "request timed out", Err: err}
}

// NewDevice creates an error for an audio input that cannot be acquired.
func NewDevice(msg string, err error) *Error {
	return &Error{Kind: KindDevice, Status: http.StatusInternalServerError, Message: msg, Err: err}
}

// NewProvider creates a 500 error for a permanent provider rejection.
func NewProvider(status int, body string) *Error {
	return &Error{
		Kind:    KindProvider,
		Status:  http.StatusInternalServerError,
		Message: fmt.Sprintf("provider returned %d", status),
		Details: map[string]any{"provider_status": status, "provider_body": body},
	}
}

// NewInternal creates a 500 error for unexpected failures.
func NewInternal(err error) *Error {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: msg}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error with the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether a later attempt with the same input may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited, KindNetworkTimeout:
		return true
	}
	return false
}

// StatusOf returns the HTTP status for err, 500 for unclassified errors.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}
