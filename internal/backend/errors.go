package backend

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrNotReady marks a 503 response: the backend is reachable but the
// detection engine cannot answer yet.
var ErrNotReady = errors.New("backend: engine not ready")

// ErrUnexpectedStatus marks any other non-2xx response.
var ErrUnexpectedStatus = errors.New("backend: unexpected status")

// StatusError is returned when the backend answered with a non-2xx status.
// It matches [ErrNotReady] for 503 and [ErrUnexpectedStatus] otherwise.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int

	// Message is the "error" field of a JSON error body, when present.
	Message string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("backend: %s %s: status %d", e.Method, redactURLUserInfo(e.URL), e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Is reports whether target is the sentinel matching the status code.
func (e *StatusError) Is(target error) bool {
	if e.StatusCode == http.StatusServiceUnavailable {
		return target == ErrNotReady
	}
	return target == ErrUnexpectedStatus
}

// TransportError represents failures where no HTTP response was received:
// requests that could not be built (a malformed origin), DNS, refused
// connections, resets and TLS.
//
// Use errors.As(err, &te) with te *TransportError to tell an unreachable
// backend apart from one that answered with an error status.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransport reports whether err is (or wraps) a [TransportError].
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsStatus reports whether err is (or wraps) a [StatusError], i.e. the
// backend answered.
func IsStatus(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}
