package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

const maxNumericLength = 15

var (
	ErrEmptyPayload   = errors.New("empty payload")
	ErrPayloadNotJSON = errors.New("payload is not a JSON object")
)

var (
	numericPattern = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	// "key": immediately followed by a delimiter means the value never arrived.
	danglingKeyPattern = regexp.MustCompile(`"([^"\\]+)"\s*:\s*[,}\]]`)
)

// ParseInlineParams tokenizes key=value pairs from a tool marker.
//
// Quoted values (single or double) are unescaped. Unquoted values are coerced
// to booleans and numbers, except identifier-like values that must stay strings.
func ParseInlineParams(s string) map[string]any {
	params := make(map[string]any)
	i := 0
	n := len(s)

	for i < n {
		for i < n && isSpace(s[i]) {
			i++
		}
		if i >= n {
			break
		}

		keyStart := i
		for i < n && isKeyChar(s[i]) {
			i++
		}
		key := s[keyStart:i]
		if key == "" || i >= n || s[i] != '=' {
			// Not a key=value token; skip to the next whitespace.
			for i < n && !isSpace(s[i]) {
				i++
			}
			continue
		}
		i++ // '='

		if i < n && (s[i] == '"' || s[i] == '\'') {
			value, next := readQuoted(s, i)
			params[key] = value
			i = next
			continue
		}

		valueStart := i
		for i < n && !isSpace(s[i]) {
			i++
		}
		params[key] = coerce(key, s[valueStart:i])
	}

	return params
}

// readQuoted reads a quoted value starting at the opening quote and returns the
// unescaped value and the index just past the closing quote (or end of input).
func readQuoted(s string, start int) (string, int) {
	quote := s[start]
	var b strings.Builder
	i := start + 1

	for i < len(s) {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			next := s[i+1]
			switch next {
			case '"', '\'', '\\':
				b.WriteByte(next)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(c)
				b.WriteByte(next)
			}
			i += 2
			continue
		}
		if c == quote {
			return b.String(), i + 1
		}
		b.WriteByte(c)
		i++
	}

	return b.String(), i
}

// coerce converts an unquoted inline value to bool or float64 where safe.
func coerce(key, value string) any {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}

	if !numericPattern.MatchString(value) || keepAsString(key, value) {
		return value
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}
	return f
}

func keepAsString(key, value string) bool {
	lowerKey := strings.ToLower(key)
	return len(value) > maxNumericLength ||
		strings.HasSuffix(lowerKey, "id") ||
		strings.Contains(lowerKey, "phone") ||
		strings.HasPrefix(value, "0")
}

// ParsePayload parses a structured tool payload. It tries a strict parse first,
// then a lenient structural repair pass.
func ParsePayload(ctx context.Context, payload string) (map[string]any, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return nil, ErrEmptyPayload
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(trimmed), &params); err == nil && params != nil {
		return params, nil
	}

	if m := danglingKeyPattern.FindStringSubmatch(trimmed); m != nil {
		slog.WarnContext(ctx, "tool payload field has no value, output was likely truncated",
			"field", m[1],
			"payload_length", len(trimmed))
	}

	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return nil, fmt.Errorf("repairing payload: %w", err)
	}

	params = nil
	if err := json.Unmarshal([]byte(repaired), &params); err != nil {
		return nil, fmt.Errorf("parsing repaired payload: %w", err)
	}
	if params == nil {
		return nil, ErrPayloadNotJSON
	}

	slog.DebugContext(ctx, "tool payload recovered by repair",
		"original_length", len(trimmed),
		"repaired_length", len(repaired))

	return params, nil
}

// MergeParams combines inline and structured parameters. Structured values win.
func MergeParams(inline, structured map[string]any) map[string]any {
	merged := make(map[string]any, len(inline)+len(structured))
	for k, v := range inline {
		merged[k] = v
	}
	for k, v := range structured {
		merged[k] = v
	}
	return merged
}

// RecoverParams resolves the final parameter map of a tool call from its inline
// parameter string and optional structured payload. A payload that cannot be
// recovered leaves only the inline parameters.
func RecoverParams(ctx context.Context, inline, payload string) map[string]any {
	params := ParseInlineParams(inline)
	if strings.TrimSpace(payload) == "" {
		return params
	}

	structured, err := ParsePayload(ctx, payload)
	if err != nil {
		slog.WarnContext(ctx, "tool payload unrecoverable, using inline parameters only",
			"error", err,
			"payload_length", len(payload))
		return params
	}

	return MergeParams(params, structured)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isKeyChar(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
