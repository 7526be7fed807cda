// Package provider holds the HTTP clients for the external speech-to-text and
// chat-completion APIs, and the status classification the gateway's retry
// loop relies on.
package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Class is the retry classification of a provider failure.
type Class int

const (
	// Permanent failures are returned to the caller unchanged.
	Permanent Class = iota
	// Transient failures (network, timeout, overload, rate limit, locked)
	// may succeed on a later attempt.
	Transient
	// Undecodable is a permanent failure where the provider could not read
	// the audio container; the gateway transcodes once and tries again.
	Undecodable
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Undecodable:
		return "undecodable"
	}
	return "permanent"
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider http %d: %s", e.StatusCode, truncate(e.Body, 300))
}

// NetworkError wraps a failure to get any response from the provider.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "provider unreachable: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// decodeMarkers are body fragments the provider uses when it cannot read the
// uploaded audio.
var decodeMarkers = []string{
	"decode",
	"invalid file format",
	"unsupported",
	"corrupt",
}

// Classify sorts a provider error into a retry class.
func Classify(err error) Class {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return Transient
	}
	var se *StatusError
	if !errors.As(err, &se) {
		return Permanent
	}
	switch code := se.StatusCode; {
	case code == http.StatusRequestTimeout,
		code == http.StatusLocked,
		code == http.StatusTooManyRequests,
		code >= 500:
		return Transient
	case code == http.StatusBadRequest || code == http.StatusUnsupportedMediaType:
		body := strings.ToLower(se.Body)
		for _, m := range decodeMarkers {
			if strings.Contains(body, m) {
				return Undecodable
			}
		}
	}
	return Permanent
}

// RateLimited reports whether err is a provider 429.
func RateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
