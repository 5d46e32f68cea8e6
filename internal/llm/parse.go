package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseJSON decodes a model reply into a generic object. Models sometimes
// wrap the JSON in prose or code fences, so on a failed direct decode it
// retries on the outermost brace span.
func ParseJSON(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return obj, nil
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start != -1 && end > start {
		if err := json.Unmarshal([]byte(raw[start:end+1]), &obj); err == nil {
			return obj, nil
		}
	}

	return nil, fmt.Errorf("invalid JSON response from model")
}

// StringSlice coerces a decoded JSON value into a cleaned string slice,
// dropping empty items.
func StringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s := strings.TrimSpace(fmt.Sprintf("%v", item))
		if s != "" && s != "<nil>" {
			out = append(out, s)
		}
	}
	return out
}
