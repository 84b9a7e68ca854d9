// Package llmutil extracts structured payloads from model replies.
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fencedRE matches a reply wrapped in a markdown code fence. \x60 is a
// backtick, which raw strings cannot hold.
var fencedRE = regexp.MustCompile("(?s)^\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60$")

// ExtractJSON returns the JSON object or array inside reply. It accepts bare
// JSON, fenced JSON, and JSON surrounded by prose.
func ExtractJSON(reply string) string {
	s := strings.TrimSpace(reply)
	if m := fencedRE.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return s
	}
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	start, end = strings.Index(s, "["), strings.LastIndex(s, "]")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// ParseJSONResponse decodes the JSON carried by a model reply into T.
func ParseJSONResponse[T any](reply string) (*T, error) {
	payload := ExtractJSON(reply)
	var out T
	if err := json.UnmarshalFromString(payload, &out); err != nil {
		return nil, fmt.Errorf("model reply is not valid JSON: %w (payload: %s)", err, truncate(payload, 300))
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
