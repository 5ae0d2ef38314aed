package rpc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Params is a request's parameter object. JSON numbers arrive as float64;
// the accessors normalize the common cases so handlers stay short.
type Params map[string]any

// Has reports whether key is present with a non-nil value.
func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// String returns a string parameter, or "" when absent or not a string.
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Int returns an integer parameter, truncating JSON's float64 encoding.
func (p Params) Int(key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Float returns a numeric parameter as float64.
func (p Params) Float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// Bool returns a boolean parameter.
func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

// StringSlice returns a string-array parameter, skipping non-string
// elements.
func (p Params) StringSlice(key string) []string {
	arr, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Time parses an RFC 3339 parameter. The zero time is returned when the
// key is absent; a malformed value is an INVALID_PARAMS error.
func (p Params) Time(key string) (time.Time, error) {
	if !p.Has(key) {
		return time.Time{}, nil
	}
	s, ok := p[key].(string)
	if !ok {
		return time.Time{}, Errorf(CodeInvalidParams, "parameter %s must be an RFC 3339 timestamp", key)
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, Errorf(CodeInvalidParams, "parameter %s: %v", key, err)
	}
	return ts, nil
}

// Raw re-encodes one parameter as JSON, for payloads passed through
// verbatim. Absent keys return nil.
func (p Params) Raw(key string) (json.RawMessage, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode parameter %s: %w", key, err)
	}
	return data, nil
}
