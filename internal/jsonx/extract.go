// Package jsonx extracts JSON objects from LLM output, which frequently
// wraps the payload in prose or fenced code blocks.
package jsonx

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoJSON indicates no parseable JSON object was found in the text.
var ErrNoJSON = errors.New("jsonx: no JSON object found")

// Extract unmarshals the first JSON object found in raw into v.
// Three parsers are tried in order: direct parse, fenced code block,
// first balanced brace block.
func Extract(raw string, v any) error {
	obj, err := ExtractObject(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(obj), v)
}

// ExtractObject returns the first JSON object or array found in raw.
func ExtractObject(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)

	// 1. The whole text is JSON.
	if gjson.Valid(trimmed) && isStructured(trimmed) {
		return trimmed, nil
	}

	// 2. Fenced code block: ```json ... ``` or plain ``` ... ```.
	if block, ok := fencedBlock(trimmed); ok {
		if gjson.Valid(block) && isStructured(block) {
			return block, nil
		}
	}

	// 3. First balanced brace (or bracket) block.
	if block, ok := balancedBlock(trimmed); ok {
		if gjson.Valid(block) {
			return block, nil
		}
	}

	return "", ErrNoJSON
}

func isStructured(s string) bool {
	return len(s) > 0 && (s[0] == '{' || s[0] == '[')
}

func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	// Skip a language tag on the fence line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || tag == "json" || tag == "JSON" {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// balancedBlock scans for the first { or [ and returns the substring up to
// its matching close, respecting strings and escapes.
func balancedBlock(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}

	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == open:
			depth++
		case !inString && c == close:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
