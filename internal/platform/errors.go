package platform

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies an API failure into the retry/abort policy the
// engine applies to it.
type ErrorKind string

const (
	KindTransient    ErrorKind = "transient"    // network faults, 5xx
	KindRateLimited  ErrorKind = "rate_limited" // 429
	KindUnauthorized ErrorKind = "unauthorized" // 401, 403
	KindRejected     ErrorKind = "rejected"     // other 4xx: the platform refused the request
	KindNotFound     ErrorKind = "not_found"    // 404
)

// APIError is one failed call against a platform API.
type APIError struct {
	Platform   Name
	Op         string // "fetch", "post", "delete", ...
	Kind       ErrorKind
	StatusCode int // 0 when the failure happened below HTTP
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: %s (status %d): %s", e.Platform, e.Op, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s: %s", e.Platform, e.Op, e.Kind, e.Message)
}

// ClassifyStatus maps an HTTP status code to an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindTransient
	default:
		return KindRejected
	}
}

// KindOf returns the kind of err, or "" when err carries no APIError.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsRetryable reports whether err is worth retrying for a read
// operation. Writes are never auto-retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsNotFound reports whether err means the target no longer exists.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsUnauthorized reports whether err means the credentials are bad.
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }

// IsRateLimited reports whether the platform asked us to back off.
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }
