package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, so session and turn identifiers set once by the
// worker show up in every log line the orchestrator, dispatcher and tools emit.
type LogFields struct {
	SessionID *string // Chat session ID
	TurnID    *int64  // Snowflake ID of the inbound user turn
	Depth     *int    // Tool feedback depth within the turn
	Attempt   *int    // Generation attempt within the current depth
	MessageID *string // Redis stream message ID
	ToolName  *string // Tool being executed
	Component string  // Component name (OTel semantic convention style, e.g., "parley.orchestrator.loop")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.SessionID != nil {
		result.SessionID = next.SessionID
	}
	if next.TurnID != nil {
		result.TurnID = next.TurnID
	}
	if next.Depth != nil {
		result.Depth = next.Depth
	}
	if next.Attempt != nil {
		result.Attempt = next.Attempt
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.ToolName != nil {
		result.ToolName = next.ToolName
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{SessionID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen bytes, appending "..." if truncated.
// Used for model output and payloads that would otherwise flood the logs.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
