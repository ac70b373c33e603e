package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrorClass tells the orchestration loop how to react to a provider failure.
type ErrorClass string

const (
	ClassRateLimited ErrorClass = "rate_limited"
	ClassTransient   ErrorClass = "transient"
	ClassFatal       ErrorClass = "fatal"
	ClassCanceled    ErrorClass = "canceled"
)

// Sentinels for clients that do not surface provider status codes.
var (
	ErrRateLimited    = errors.New("provider rate limited")
	ErrTransient      = errors.New("provider temporarily unavailable")
	ErrInvalidRequest = errors.New("provider rejected request")
)

// statusOverloaded is Anthropic's "overloaded" status.
const statusOverloaded = 529

// Retryable reports whether a class of error may succeed on another attempt.
func (c ErrorClass) Retryable() bool {
	return c == ClassRateLimited || c == ClassTransient
}

// Classify maps a provider error to an ErrorClass.
func Classify(ctx context.Context, err error) ErrorClass {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		slog.DebugContext(ctx, "llm error not retryable: context cancelled or deadline exceeded")
		return ClassCanceled
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrTransient):
		return ClassTransient
	case errors.Is(err, ErrInvalidRequest):
		return ClassFatal
	}

	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return classifyStatus(ctx, openaiErr.StatusCode)
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return classifyStatus(ctx, anthropicErr.StatusCode)
	}

	// Network errors (no API response) are generally retryable
	slog.WarnContext(ctx, "llm network error, will retry", "error", err)
	return ClassTransient
}

func classifyStatus(ctx context.Context, status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		slog.WarnContext(ctx, "llm rate limited", "status_code", status)
		return ClassRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusConflict,
		status == statusOverloaded, status >= http.StatusInternalServerError:
		slog.WarnContext(ctx, "llm server error", "status_code", status)
		return ClassTransient
	default:
		slog.ErrorContext(ctx, "llm client error, not retryable", "status_code", status)
		return ClassFatal
	}
}
