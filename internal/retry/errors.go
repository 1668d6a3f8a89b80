package retry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/model"
)

// PlatformError is returned by publisher adapters. StatusCode is the upstream
// HTTP-like status when one exists, zero otherwise.
type PlatformError struct {
	Platform   model.Platform
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *PlatformError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Platform))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	b.WriteString(": ")
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString("publish failed")
	}
	return b.String()
}

func (e *PlatformError) Unwrap() error { return e.Err }

func (e *PlatformError) HTTPStatus() int { return e.StatusCode }

func (e *PlatformError) RetryAfterHint() time.Duration { return e.RetryAfter }

// Permanent marks err as non-retryable regardless of its message.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// StatusCode extracts an attached status code, or 0.
func StatusCode(err error) int {
	var s interface{ HTTPStatus() int }
	if errors.As(err, &s) {
		return s.HTTPStatus()
	}
	return 0
}

// RetryAfterHint extracts an upstream Retry-After hint, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var h interface{ RetryAfterHint() time.Duration }
	if errors.As(err, &h) {
		if d := h.RetryAfterHint(); d > 0 {
			return d, true
		}
	}
	return 0, false
}
