package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for pre-dispatch failures. Conversion to HTTP status
// happens once at the server boundary.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUsageLimit      = errors.New("api key usage limit exceeded")
	ErrForbidden       = errors.New("forbidden")
	ErrProjectGone     = errors.New("project archived")
	ErrPaymentRequired = errors.New("insufficient credits")
	ErrNotFound        = errors.New("not found")
	ErrBadRequest      = errors.New("bad request")
	ErrInternal        = errors.New("internal error")
)

// ErrorKind tags upstream-dispatched failures for the retry orchestrator.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindValidation
	KindAuth
	KindQuota
	KindFilter    // upstream safety block; terminal success, never retried
	KindTransient // timeout, 408, 429, 5xx, connect failure; retry candidate
	KindClientErr // upstream 4xx; surfaced verbatim, never retried
	KindEmpty     // upstream finished with zero output; terminal, never retried
	KindCanceled
	KindTimeout
	KindInternal
)

// Error type labels recorded in attempt logs and routing scores.
const (
	ErrorTypeNone          = "none"
	ErrorTypeTimeout       = "timeout"
	ErrorTypeRateLimit     = "rate_limit"
	ErrorTypeServerError   = "server_error"
	ErrorTypeClientError   = "client_error"
	ErrorTypeContentFilter = "content_filter"
	ErrorTypeOther         = "other"
)

// RequestError is the tagged error sum for failures during or after upstream
// dispatch. StatusCode 0 means connect failure or timeout.
type RequestError struct {
	Kind       ErrorKind
	StatusCode int
	Code       string // stable machine-readable code, e.g. "upstream_timeout"
	Message    string
	Body       string // upstream body excerpt, preserved for client_error
}

// Error returns a formatted error string.
func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the upstream HTTP status for retry and health decisions.
func (e *RequestError) HTTPStatus() int { return e.StatusCode }

// Retryable reports whether the failure is a retry candidate: connect
// failures and timeouts (status 0), 408, 429, and 5xx. Client errors,
// content-filter terminations, and empty responses are terminal; retrying an
// empty response would re-prompt a model that already answered.
func (e *RequestError) Retryable() bool {
	switch e.Kind {
	case KindFilter, KindClientErr, KindCanceled, KindEmpty:
		return false
	}
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 408 || e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// ErrorType returns the attempt-log error type label for the failure.
func (e *RequestError) ErrorType() string {
	switch e.Kind {
	case KindTimeout:
		return ErrorTypeTimeout
	case KindFilter:
		return ErrorTypeContentFilter
	case KindClientErr:
		if e.StatusCode == 429 {
			return ErrorTypeRateLimit
		}
		return ErrorTypeClientError
	case KindTransient:
		switch {
		case e.StatusCode == 429:
			return ErrorTypeRateLimit
		case e.StatusCode >= 500:
			return ErrorTypeServerError
		case e.StatusCode == 0:
			return ErrorTypeTimeout
		default:
			return ErrorTypeOther
		}
	case KindNone:
		return ErrorTypeNone
	default:
		return ErrorTypeOther
	}
}

// ClassifyStatus maps an upstream HTTP status to an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 0 || status == 408 || status == 429 || status >= 500:
		return KindTransient
	case status >= 400:
		return KindClientErr
	default:
		return KindNone
	}
}
