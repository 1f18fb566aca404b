package util

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var sensitiveJSONKeys = []string{
	"authorization",
	"cookie",
	"api_key",
	"apikey",
	"secret",
	"token",
	"password",
}

// RedactSensitiveJSON replaces the values of credential-bearing keys in a
// JSON document with a redaction marker. Invalid JSON passes through
// unchanged.
func RedactSensitiveJSON(data []byte) []byte {
	if !gjson.ValidBytes(data) {
		return data
	}
	return redactDoc(data)
}

// redactDoc rewrites one object or array document. Children recurse on
// their raw slices, so every sjson path is a single key and only that key
// needs escaping.
func redactDoc(doc []byte) []byte {
	root := gjson.ParseBytes(doc)
	if !root.IsObject() && !root.IsArray() {
		return doc
	}
	out := doc
	idx := 0
	root.ForEach(func(key, val gjson.Result) bool {
		var path string
		if root.IsArray() {
			path = strconv.Itoa(idx)
			idx++
		} else {
			if isSensitiveKey(key.String()) {
				out, _ = sjson.SetBytes(out, escapeJSONKey(key.String()), "[REDACTED]")
				return true
			}
			path = escapeJSONKey(key.String())
		}
		if val.IsObject() || val.IsArray() {
			child := redactDoc([]byte(val.Raw))
			if string(child) != val.Raw {
				out, _ = sjson.SetRawBytes(out, path, child)
			}
		}
		return true
	})
	return out
}

func escapeJSONKey(k string) string {
	if !strings.ContainsAny(k, `.*?\|#@`) {
		return k
	}
	var b strings.Builder
	for _, r := range k {
		if strings.ContainsRune(`.*?\|#@`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sensitive := range sensitiveJSONKeys {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}
