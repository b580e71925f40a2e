package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Lookup resolves a dotted path ("name.family") in an attribute map. When an intermediate
// value is a list, the first element that resolves wins.
func Lookup(attrs map[string]any, path string) (any, bool) {
	if attrs == nil || path == "" {
		return nil, false
	}
	var current any = attrs
	for _, part := range strings.Split(path, ".") {
		current = step(current, part)
		if current == nil {
			return nil, false
		}
	}
	return current, true
}

func step(v any, key string) any {
	switch t := v.(type) {
	case map[string]any:
		return t[key]
	case []any:
		for _, item := range t {
			if found := step(item, key); found != nil {
				return found
			}
		}
	}
	return nil
}

// LookupString resolves path and renders the value as a string.
func LookupString(attrs map[string]any, path string) (string, bool) {
	v, ok := Lookup(attrs, path)
	if !ok {
		return "", false
	}
	s := Stringify(v)
	return s, s != ""
}

// Stringify renders scalar attribute values the way they are compared and indexed.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}
