package deepseek

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var (
	fencedRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")
	greedyRe = regexp.MustCompile(`(?s)\{.*\}`)
)

// extractObject pulls a JSON object out of text that may wrap it in prose
// or markdown fences. Three tiers: fenced block, outermost balanced braces,
// then a greedy brace match.
func extractObject(text string) (map[string]any, error) {
	if m := fencedRe.FindStringSubmatch(text); m != nil {
		var obj map[string]any
		if err := json.Unmarshal([]byte(m[1]), &obj); err == nil {
			return obj, nil
		}
	}

	if candidate, ok := balancedBraces(text); ok {
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
			return obj, nil
		}
	}

	if m := greedyRe.FindString(text); m != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(m), &obj); err == nil {
			return obj, nil
		}
	}

	preview := text
	if len(preview) > 200 {
		preview = preview[:200]
	}
	return nil, fmt.Errorf("cannot extract JSON from LLM response (length=%d, first 200 chars: %q)", len(text), preview)
}

// balancedBraces returns the outermost balanced {...} span, tracking string
// literals and escapes so braces inside strings do not count.
func balancedBraces(text string) (string, bool) {
	start := -1
	for i, c := range text {
		if c == '{' {
			start = i
			break
		}
	}
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// parseObject decodes raw as a JSON object directly, falling back to
// extraction when the model wrapped the payload in prose.
func parseObject(raw string) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		return obj, nil
	}
	return extractObject(raw)
}
