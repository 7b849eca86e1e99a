// Package providers implements the three completion dialects
// (anthropic, openai-style, gemini) behind the llm.Provider interface.
package providers

import (
	"net/http"
	"strings"

	"github.com/nextloop/wsagent/pkg/models"
)

// FailoverReason categorizes a completion failure for retry purposes.
type FailoverReason string

const (
	FailoverBilling          FailoverReason = "billing"
	FailoverRateLimit        FailoverReason = "rate_limit"
	FailoverAuth             FailoverReason = "auth"
	FailoverTimeout          FailoverReason = "timeout"
	FailoverServerError      FailoverReason = "server_error"
	FailoverInvalidRequest   FailoverReason = "invalid_request"
	FailoverModelUnavailable FailoverReason = "model_unavailable"
	FailoverContentFilter    FailoverReason = "content_filter"
	FailoverUnknown          FailoverReason = "unknown"
)

// IsRetryable reports whether retrying the request may succeed.
func (r FailoverReason) IsRetryable() bool {
	switch r {
	case FailoverRateLimit, FailoverTimeout, FailoverServerError:
		return true
	default:
		return false
	}
}

// ClassifyError inspects an error's message for known provider failure
// patterns, used when the SDK doesn't expose a structured status/code
// (or as a fallback alongside ClassifyStatusCode).
func ClassifyError(err error) FailoverReason {
	if err == nil {
		return FailoverUnknown
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline exceeded"):
		return FailoverTimeout
	case strings.Contains(s, "rate limit"), strings.Contains(s, "rate_limit"), strings.Contains(s, "429"):
		return FailoverRateLimit
	case strings.Contains(s, "unauthorized"), strings.Contains(s, "invalid api key"), strings.Contains(s, "401"), strings.Contains(s, "403"):
		return FailoverAuth
	case strings.Contains(s, "billing"), strings.Contains(s, "quota"), strings.Contains(s, "402"):
		return FailoverBilling
	case strings.Contains(s, "content_filter"), strings.Contains(s, "content policy"), strings.Contains(s, "blocked"):
		return FailoverContentFilter
	case strings.Contains(s, "model not found"), strings.Contains(s, "does not exist"):
		return FailoverModelUnavailable
	case strings.Contains(s, "internal server"), strings.Contains(s, "500"), strings.Contains(s, "502"), strings.Contains(s, "503"):
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

// ClassifyStatusCode returns a FailoverReason from an HTTP status, taking
// priority over message-based classification when a dialect's SDK surfaces
// one.
func ClassifyStatusCode(status int) FailoverReason {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return FailoverAuth
	case status == http.StatusPaymentRequired:
		return FailoverBilling
	case status == http.StatusTooManyRequests:
		return FailoverRateLimit
	case status == http.StatusBadRequest:
		return FailoverInvalidRequest
	case status == http.StatusNotFound:
		return FailoverModelUnavailable
	case status >= 500:
		return FailoverServerError
	default:
		return FailoverUnknown
	}
}

// WrapError converts a raw provider SDK error into a models.LlmError,
// classifying it network_error when the failure looks transient/transport
// related and bad_completion otherwise.
func WrapError(err error, reason FailoverReason) *models.LlmError {
	subkind := models.LlmErrorBadCompletion
	if reason.IsRetryable() {
		subkind = models.LlmErrorNetworkError
	}
	return &models.LlmError{Subkind: subkind, Cause: err}
}

// IsRetryable reports whether err, classified by message alone, should be
// retried per the model adapter's fixed retry schedule.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).IsRetryable()
}
