package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sunarp-console/internal/analyses"
)

// APIError is a non-2xx answer from the registry server.
type APIError struct {
	Op        string
	Status    int
	Code      string
	Message   string
	RequestID string
	// RetryAfter is the server's Retry-After hint on 429 and 503 answers.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Op, e.Status, e.Code, msg)
	}
	return fmt.Sprintf("%s: %d: %s", e.Op, e.Status, msg)
}

// Unwrap maps the response onto the domain sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return analyses.ErrUnauthorized
	case e.Status == http.StatusNotFound:
		return analyses.ErrNotFound
	case e.Status == http.StatusConflict:
		if e.Code == analyses.ErrorCodeDuplicate || e.Op == opCreate {
			return analyses.ErrAlreadyInProgress
		}
		return analyses.ErrInvalidState
	case e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity:
		return analyses.ErrValidation
	case e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests:
		return analyses.ErrTransient
	case e.Status >= 500:
		return analyses.ErrTransient
	}
	return nil
}

// RetryAfter returns the server's back-off hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// parseRetryAfter reads delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// classifyTransport turns client-side failures (timeouts, refused connections)
// into ErrTransient. Caller cancellation and signed-out sessions pass through.
func classifyTransport(op string, err error) error {
	if errors.Is(err, analyses.ErrUnauthorized) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: request timed out: %v", op, analyses.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w: %v", op, analyses.ErrTransient, err)
}
