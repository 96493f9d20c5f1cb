package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrMemberGone means the member left the community.
	ErrMemberGone = errors.New("member no longer in community")
	// ErrRoleGone means a role in the operation was deleted.
	ErrRoleGone = errors.New("role no longer exists")
	// ErrForbidden means the bot lacks permission to manage the role.
	ErrForbidden = errors.New("missing permission to manage role")
	// ErrRateLimited means the platform asked us to slow down.
	ErrRateLimited = errors.New("rate limited")
)

// APIError is a failed membership API call carrying its HTTP status.
type APIError struct {
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("membership api status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("membership api status %d", e.Status)
}

func (e *APIError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status of the failed call.
func (e *APIError) StatusCode() int { return e.Status }

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the operation should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the operation should not be retried (permanent errors).
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify sorts a membership API error into retryable vs fatal.
//
// Fatal errors (non-retryable):
// - member left the community, role deleted, missing permission
// - any other 4xx response
//
// Retryable errors (transient):
// - rate limiting (429)
// - server errors (5xx)
// - per-call timeouts and network errors
//
// Errors that match nothing are treated as retryable so a flaky transport
// does not give up early; the attempt budget still bounds them.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	switch {
	case errors.Is(err, ErrMemberGone), errors.Is(err, ErrRoleGone), errors.Is(err, ErrForbidden):
		return ErrorClassFatal
	case errors.Is(err, ErrRateLimited), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassRetryable
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusTooManyRequests, apiErr.Status >= 500:
			return ErrorClassRetryable
		case apiErr.Status >= 400:
			return ErrorClassFatal
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())
	fatalPatterns := []string{
		"unknown member",
		"unknown role",
		"missing permissions",
		"missing access",
	}
	for _, pattern := range fatalPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}

	return ErrorClassRetryable
}

// IsRetryableError checks if an error should trigger retry logic.
func IsRetryableError(err error) bool { return Classify(err) == ErrorClassRetryable }

// reason is the metric label for an unrecoverable dispatch.
func reason(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrMemberGone):
		return "member_gone"
	case errors.Is(err, ErrRoleGone):
		return "role_gone"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500:
		return "client_error"
	default:
		return "other"
	}
}
