// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package places

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// APIError is an error returned by the Doof API or the transport under it.
type APIError struct {
	Type       ErrorType
	StatusCode int
	Message    string
	Err        error
}

// ErrorType classifies API errors for retry decisions.
type ErrorType int

const (
	// ErrorTypeUnknown unclassified error, treated as permanent.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeRateLimit rate limit reached (429).
	ErrorTypeRateLimit
	// ErrorTypeQuotaExceeded quota exceeded or access denied (403).
	ErrorTypeQuotaExceeded
	// ErrorTypeUnauthorized missing or expired credentials (401).
	ErrorTypeUnauthorized
	// ErrorTypeInvalidRequest the request was malformed (400).
	ErrorTypeInvalidRequest
	// ErrorTypeNotFound the resource does not exist (404).
	ErrorTypeNotFound
	// ErrorTypeTimeout the request timed out.
	ErrorTypeTimeout
	// ErrorTypeNetwork connection-level failure.
	ErrorTypeNetwork
	// ErrorTypeServer the API failed upstream (5xx).
	ErrorTypeServer
)

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Transient reports whether the error is worth retrying. Rate limits and
// quota errors are 4xx and therefore permanent: backing off on a burned
// key only delays the inevitable.
func (e *APIError) Transient() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeServer:
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus maps an HTTP status code to an APIError.
func ClassifyHTTPStatus(statusCode int) *APIError {
	switch {
	case statusCode == http.StatusTooManyRequests: // 429
		return &APIError{
			Type:       ErrorTypeRateLimit,
			StatusCode: statusCode,
			Message:    "rate limit reached",
		}
	case statusCode == http.StatusForbidden: // 403
		return &APIError{
			Type:       ErrorTypeQuotaExceeded,
			StatusCode: statusCode,
			Message:    "quota exceeded or access denied",
		}
	case statusCode == http.StatusUnauthorized: // 401
		return &APIError{
			Type:       ErrorTypeUnauthorized,
			StatusCode: statusCode,
			Message:    "authentication required",
		}
	case statusCode == http.StatusBadRequest: // 400
		return &APIError{
			Type:       ErrorTypeInvalidRequest,
			StatusCode: statusCode,
			Message:    "invalid request",
		}
	case statusCode == http.StatusNotFound: // 404
		return &APIError{
			Type:       ErrorTypeNotFound,
			StatusCode: statusCode,
			Message:    "not found",
		}
	case statusCode >= 500:
		return &APIError{
			Type:       ErrorTypeServer,
			StatusCode: statusCode,
			Message:    fmt.Sprintf("service unavailable (status %d)", statusCode),
		}
	default:
		return &APIError{
			Type:       ErrorTypeUnknown,
			StatusCode: statusCode,
			Message:    fmt.Sprintf("unexpected HTTP status %d", statusCode),
		}
	}
}

// IsTransient reports whether the error is a transient failure (timeout,
// connection trouble, 5xx) that a retry may fix. Anything the API rejected
// outright (4xx, success:false payloads) is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Fall back to common transport error messages
	errStr := strings.ToLower(err.Error())

	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "broken pipe")
}

// IsRateLimitError reports whether the error is a rate limit rejection.
func IsRateLimitError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Type == ErrorTypeRateLimit
	}

	errStr := strings.ToLower(err.Error())

	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests")
}

// IsTimeoutError reports whether the error is a timeout.
func IsTimeoutError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Type == ErrorTypeTimeout
	}

	errStr := strings.ToLower(err.Error())

	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}
