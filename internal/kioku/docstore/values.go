package docstore

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"
)

var fieldNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkField(name string) error {
	if name == DocumentID || fieldNameRe.MatchString(name) {
		return nil
	}
	return fmt.Errorf("invalid field name %q", name)
}

// normalize converts a Go value into its stored JSON-compatible form.
// Increment sentinels are left in place for applyFields.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, float64, increment:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x, nil
	case time.Time:
		return FormatTime(x), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return FormatTime(*x), nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			if _, ok := n.(increment); ok {
				return nil, fmt.Errorf("increment is only allowed as a top-level field value")
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := normalize(e)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			if _, ok := n.(increment); ok {
				return nil, fmt.Errorf("increment is only allowed as a top-level field value")
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported field value of type %T", v)
	}
}

// applyFields merges fields into base (which may be nil) and resolves
// Increment sentinels against the values already in base.
func applyFields(base map[string]any, fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(base)+len(fields))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range fields {
		if err := checkField(k); err != nil || k == DocumentID {
			return nil, fmt.Errorf("invalid field name %q", k)
		}
		n, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		if inc, ok := n.(increment); ok {
			sum, err := addNumber(out[k], inc.delta)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = sum
			continue
		}
		out[k] = n
	}
	return out, nil
}

func addNumber(current any, delta int64) (any, error) {
	switch c := current.(type) {
	case nil:
		return delta, nil
	case int64:
		return c + delta, nil
	case float64:
		if c == math.Trunc(c) {
			return int64(c) + delta, nil
		}
		return c + float64(delta), nil
	case json.Number:
		if i, err := c.Int64(); err == nil {
			return i + delta, nil
		}
		f, err := c.Float64()
		if err != nil {
			return nil, fmt.Errorf("increment of non-numeric value %q", c)
		}
		return f + float64(delta), nil
	default:
		return nil, fmt.Errorf("increment of non-numeric value of type %T", current)
	}
}

// bindValue converts a normalized filter value into an SQLite bind argument
// that compares equal to what json_extract returns for the stored field.
func bindValue(v any) (any, error) {
	n, err := normalize(v)
	if err != nil {
		return nil, err
	}
	switch x := n.(type) {
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string, int64, float64, nil:
		return x, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return x.Float64()
	default:
		return nil, fmt.Errorf("unsupported filter value of type %T", v)
	}
}
