package main

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// appendJSONEscaped appends s to dst as a JSON string body: no
// surrounding quotes, with backslash, double-quote, and control
// characters escaped (\u00XX below 0x20). UTF-8 sequences pass
// through untouched.
func appendJSONEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			dst = append(dst, '\\', '\\')
		case '"':
			dst = append(dst, '\\', '"')
		case '\b':
			dst = append(dst, '\\', 'b')
		case '\f':
			dst = append(dst, '\\', 'f')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			if c < 0x20 {
				dst = append(dst, fmt.Sprintf(`\u%04x`, c)...)
			} else {
				dst = append(dst, c)
			}
		}
	}
	return dst
}

// escapeJSONString returns s escaped for splicing between quotes in a
// handwritten JSON message.
func escapeJSONString(s string) string {
	return string(appendJSONEscaped(nil, s))
}

// stateForEntity scans a get_states result array for the element whose
// entity_id equals target and returns its raw JSON object.
func stateForEntity(statesJSON, target string) (string, bool) {
	arr := gjson.Parse(statesJSON)
	if !arr.IsArray() {
		return "", false
	}
	var raw string
	arr.ForEach(func(_, v gjson.Result) bool {
		if v.Get("entity_id").String() == target {
			raw = v.Raw
			return false
		}
		return true
	})
	return raw, raw != ""
}
