package engine

import "strings"

// ExtractJSON finds the JSON object or array embedded in a model response.
// Preference order: a ```json fenced block, any fenced block that parses,
// then the first balanced {...} or [...] in the raw text.
func ExtractJSON(text string) string {
	if candidate := fencedBlock(text, "```json"); candidate != "" {
		return candidate
	}
	if candidate := fencedBlock(text, "```"); candidate != "" && isJSON(candidate) {
		return candidate
	}
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := balancedFrom(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

// fencedBlock returns the trimmed contents of the first fence opened with
// the given marker.
func fencedBlock(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx < 0 {
		return ""
	}
	start := idx + len(marker)
	if start < len(text) && text[start] == '\n' {
		start++
	}
	end := strings.Index(text[start:], "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(text[start : start+end])
}

// balancedFrom extracts a balanced JSON structure starting at s[0], which
// must be '{' or '['. String literals and escapes are honored.
func balancedFrom(s string) string {
	if len(s) == 0 {
		return ""
	}
	var open, close byte
	switch s[0] {
	case '{':
		open, close = '{', '}'
	case '[':
		open, close = '[', ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == close:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	// A cheap structural check is enough here: callers decode with a real
	// parser and surface its errors.
	return (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")) ||
		(strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"))
}
