package provider

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cloud-gpu-shopper/gpu-fleet-core/internal/errs"
)

// APIError wraps a marketplace API failure with enough context to map it to
// an internal/errs kind without the caller needing to know which provider
// raised it.
type APIError struct {
	Provider   string
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed (HTTP %d): %s", e.Provider, e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Provider, e.Operation, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError wraps a raw provider failure, resolving it to the matching
// internal/errs sentinel based on HTTP status and message heuristics.
func NewAPIError(providerName, operation string, statusCode int, message string) *APIError {
	return &APIError{
		Provider:   providerName,
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
		Err:        classify(statusCode, message),
	}
}

// classify maps a marketplace HTTP response to the core's provider-neutral
// error kind.
func classify(statusCode int, message string) error {
	switch statusCode {
	case http.StatusBadRequest:
		if containsFold(message, "balance", "insufficient funds", "insufficient_funds") {
			return errs.ErrInsufficientFunds
		}
		if containsFold(message, "no longer available", "not available", "sold out") {
			return errs.ErrOfferUnavailable
		}
		return errs.ErrValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.ErrAuthFailed
	case http.StatusNotFound:
		return errs.ErrNotFound
	case http.StatusTooManyRequests:
		return errs.ErrRateLimited
	default:
		if statusCode >= 500 {
			return errs.ErrServiceUnavailable
		}
		return errs.ErrServiceUnavailable
	}
}

func containsFold(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
