package textutil

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeText strips markup from user supplied free text, collapses surrounding whitespace and
// caps the result at maxRunes (when positive).
func SanitizeText(value string, maxRunes int) string {
	cleaned := html.UnescapeString(strictPolicy.Sanitize(value))
	cleaned = strings.TrimSpace(cleaned)
	if maxRunes > 0 && utf8.RuneCountInString(cleaned) > maxRunes {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:maxRunes]))
	}
	return cleaned
}

// SanitizeList applies SanitizeText to each entry and drops the ones left empty.
func SanitizeList(values []string, maxRunes int) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if cleaned := SanitizeText(v, maxRunes); cleaned != "" {
			out = append(out, cleaned)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
