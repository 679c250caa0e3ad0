package types

import (
	"regexp"
	"strings"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeName maps a surface form to its exact-match key: lowercase with
// runs of whitespace collapsed to single spaces. "Acme Corp" and " acme
// corp " normalize identically; no fuzzy matching happens here.
func NormalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return whitespaceRe.ReplaceAllString(s, " ")
}
