package tool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrInvalidParams = errors.New("invalid parameters")

// NormalizeParams checks required parameters and coerces declared ones to
// their declared type. Undeclared keys pass through untouched.
func NormalizeParams(params map[string]any, decl []Parameter) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}

	var problems []string
	for _, p := range decl {
		v, ok := out[p.Name]
		if !ok || v == nil {
			if p.Required {
				problems = append(problems, fmt.Sprintf("missing required parameter %q", p.Name))
			}
			continue
		}

		coerced, err := coerceParam(v, p.Type)
		if err != nil {
			problems = append(problems, fmt.Sprintf("parameter %q: %v", p.Name, err))
			continue
		}
		out[p.Name] = coerced
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(problems, "; "))
	}
	return out, nil
}

func coerceParam(v any, typ ParamType) (any, error) {
	switch typ {
	case TypeString:
		switch t := v.(type) {
		case string:
			return t, nil
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(t), nil
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("expected string: %w", err)
			}
			return string(b), nil
		}

	case TypeNumber:
		switch t := v.(type) {
		case float64:
			return t, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", t)
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected number, got %T", v)

	case TypeInteger:
		switch t := v.(type) {
		case float64:
			if t != math.Trunc(t) {
				return nil, fmt.Errorf("expected integer, got %v", t)
			}
			return int(t), nil
		case int:
			return t, nil
		case string:
			i, err := strconv.Atoi(strings.TrimSpace(t))
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", t)
			}
			return i, nil
		}
		return nil, fmt.Errorf("expected integer, got %T", v)

	case TypeBoolean:
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", t)
			}
			return b, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", v)

	case TypeArray:
		switch t := v.(type) {
		case []any:
			return t, nil
		case string:
			var arr []any
			if err := json.Unmarshal([]byte(t), &arr); err == nil {
				return arr, nil
			}
			return []any{t}, nil
		}
		return []any{v}, nil

	case TypeObject:
		switch t := v.(type) {
		case map[string]any:
			return t, nil
		case string:
			var obj map[string]any
			if err := json.Unmarshal([]byte(t), &obj); err != nil || obj == nil {
				return nil, fmt.Errorf("expected object, got %q", t)
			}
			return obj, nil
		}
		return nil, fmt.Errorf("expected object, got %T", v)
	}

	return v, nil
}
