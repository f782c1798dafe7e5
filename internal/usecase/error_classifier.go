package usecase

import (
	"context"
	"errors"
	"strings"

	"chatmux/internal/domain"
)

// ErrorCategory indicates whether an error is worth retrying by the caller.
// The service itself never retries.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // 429, 5xx, interrupted streams, connection errors
	ErrorCategoryPermanent               // 401, 403, other 4xx, malformed replies, config
)

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // mapped domain sentinel (e.g. domain.ErrRateLimit), or nil
	StatusCode int   // HTTP status from a TransportError, or 0
}

// Classify inspects an error returned by SendMessage.
func Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	var te *domain.TransportError
	if errors.As(err, &te) {
		return classifyByStatus(err, te.StatusCode)
	}

	switch {
	case errors.Is(err, domain.ErrStreamInterrupted):
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrStreamInterrupted}
	case errors.Is(err, domain.ErrCircuitOpen):
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrCircuitOpen}
	case errors.Is(err, domain.ErrResponseFormat):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrResponseFormat}
	case errors.Is(err, domain.ErrNoProviderConfigured):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrNoProviderConfigured}
	case errors.Is(err, domain.ErrProviderNotConfigured):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrProviderNotConfigured}
	case errors.Is(err, domain.ErrConversationNotFound):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrConversationNotFound}
	case errors.Is(err, domain.ErrInvalidInput):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrInvalidInput}
	case errors.Is(err, context.Canceled):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: context.Canceled}
	case errors.Is(err, context.DeadlineExceeded):
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: context.DeadlineExceeded}
	case errors.Is(err, domain.ErrTransport):
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrTransport}
	}
	return classifyByString(err)
}

func classifyByStatus(err error, code int) ClassifiedError {
	switch {
	case code == 429:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrRateLimit, StatusCode: code,
		}
	case code == 401 || code == 403:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent,
			Sentinel: domain.ErrAuthInvalid, StatusCode: code,
		}
	case code >= 500 && code < 600:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryRetryable,
			Sentinel: domain.ErrTransport, StatusCode: code,
		}
	default:
		return ClassifiedError{
			Original: err, Category: ErrorCategoryPermanent,
			Sentinel: domain.ErrTransport, StatusCode: code,
		}
	}
}

func classifyByString(err error) ClassifiedError {
	lower := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused", "no such host", "timeout", "connection reset",
	} {
		if strings.Contains(lower, p) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}

// UserMessage renders err for people rather than logs.
func UserMessage(err error) string {
	c := Classify(err)
	switch c.Sentinel {
	case domain.ErrRateLimit:
		return "The AI service is receiving too many requests. Please try again shortly."
	case domain.ErrAuthInvalid:
		return "The API key was rejected. Check the provider configuration."
	case domain.ErrStreamInterrupted:
		return "The connection dropped while the reply was streaming. The partial reply was kept on screen."
	case domain.ErrCircuitOpen:
		return "The AI service is failing repeatedly and has been paused. Please try again later."
	case domain.ErrResponseFormat:
		return "The AI service returned an unexpected reply."
	case domain.ErrNoProviderConfigured, domain.ErrProviderNotConfigured:
		return "No AI provider is configured. Set a provider and API key first."
	case domain.ErrConversationNotFound:
		return "That conversation no longer exists."
	case domain.ErrInvalidInput:
		return "The message could not be sent."
	case context.Canceled:
		return "The request was cancelled."
	case context.DeadlineExceeded:
		return "The AI service took too long to respond."
	}
	if c.Category == ErrorCategoryRetryable {
		return "The AI service is temporarily unavailable. Please try again."
	}
	return "The AI request failed."
}
