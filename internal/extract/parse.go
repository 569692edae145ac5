package extract

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// parseString accepts strings and numbers. Empty strings are absent.
func parseString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), true
	case float64:
		if math.Abs(t) < 1e15 && t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return "", false
	}
}

// parseBool accepts booleans, boolean-ish strings and numbers. Values that
// cannot be read as a boolean are absent.
func parseBool(v any) (value, ok bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "on":
			return true, true
		case "false", "0", "no", "n", "off":
			return false, true
		}
		return false, false
	case float64:
		return t != 0, true
	case int:
		return t != 0, true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return false, false
		}
		return f != 0, true
	default:
		return false, false
	}
}

// ParseStrings reads a value that producers send as an array, as a
// JSON-encoded array inside a string, or as a bare string. It tries those
// shapes in that order and always returns a valid (possibly empty) slice.
func ParseStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return compact(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := parseString(e); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return []string{}
		}
		if strings.HasPrefix(s, "[") {
			var arr []any
			if err := json.Unmarshal([]byte(s), &arr); err == nil {
				return ParseStrings(arr)
			}
		}
		return []string{s}
	default:
		if s, ok := parseString(v); ok {
			return []string{s}
		}
		return []string{}
	}
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
