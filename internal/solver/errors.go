package solver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Failure kinds surfaced by Submit
var (
	ErrUnauthorized   = errors.New("solver: unauthorized")
	ErrThrottled      = errors.New("solver: throttled")
	ErrUnreachable    = errors.New("solver: unreachable")
	ErrInvalidRequest = errors.New("solver: invalid request")
)

// Error describes one failed exchange with the solver
type Error struct {
	// Kind is one of the Err* sentinels
	Kind       error
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the cause
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Transient reports whether the failure is worth retrying
func (e *Error) Transient() bool {
	return e.Kind == ErrThrottled || e.Kind == ErrUnreachable
}

// IsTransient reports whether err is a retryable solver failure
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Transient()
}

// statusError maps a non-2xx HTTP status to a solver error
func statusError(resp *http.Response, body string) *Error {
	e := &Error{StatusCode: resp.StatusCode}
	if body != "" {
		e.Err = errors.New(body)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		e.Kind = ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = ErrThrottled
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode == http.StatusServiceUnavailable:
		e.Kind = ErrUnreachable
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		e.Kind = ErrUnreachable
	default:
		e.Kind = ErrInvalidRequest
	}
	return e
}

// parseRetryAfter accepts delay-seconds or an HTTP date
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
