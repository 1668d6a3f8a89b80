package rules

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"cadence/internal/model"
)

func apply(op model.Operator, actual, expected any) bool {
	switch model.Operator(strings.ToLower(string(op))) {
	case model.OpEq:
		return equal(actual, expected)
	case model.OpNeq:
		return !equal(actual, expected)
	case model.OpGt:
		a, ok1 := toFloat(actual)
		b, ok2 := toFloat(expected)
		return ok1 && ok2 && a > b
	case model.OpLt:
		a, ok1 := toFloat(actual)
		b, ok2 := toFloat(expected)
		return ok1 && ok2 && a < b
	case model.OpContains:
		return contains(actual, expected)
	case model.OpNotContains:
		return !contains(actual, expected)
	case model.OpBetween:
		return between(actual, expected)
	default:
		return false
	}
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}
	return stringify(a) == stringify(b)
}

// contains is case-insensitive for strings and tests membership for lists.
func contains(actual, expected any) bool {
	if actual == nil {
		return false
	}
	if list, ok := toList(actual); ok {
		for _, v := range list {
			if equal(v, expected) || strings.EqualFold(stringify(v), stringify(expected)) {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(stringify(actual)), strings.ToLower(stringify(expected)))
}

// between expects a two-element bound and is inclusive at both ends.
func between(actual, bound any) bool {
	list, ok := toList(bound)
	if !ok || len(list) != 2 {
		return false
	}
	v, ok := toFloat(actual)
	if !ok {
		return false
	}
	lo, ok1 := toFloat(list[0])
	hi, ok2 := toFloat(list[1])
	if !ok1 || !ok2 {
		return false
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return v >= lo && v <= hi
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case time.Time:
		return float64(x.Unix()), true
	case string:
		s := strings.TrimSpace(x)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return float64(t.Unix()), true
		}
	}
	return 0, false
}

func toList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}
