// Package jsonutil decodes loosely typed pub-sub payload fields. The
// same field can arrive as a JSON number, a numeric string, or be
// missing entirely depending on the message version, so callers read
// through these accessors instead of type-asserting inline.
package jsonutil

import (
	"encoding/json"
	"strconv"
)

// Int reads an integer field that may arrive as a JSON number, a
// json.Number, or a numeric string (game IDs do all three). Returns 0
// when the key is missing or not numeric.
func Int(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	default:
		return 0
	}
}

// String reads a string field, empty when missing or mistyped.
func String(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
