// Package sanitizer cleans user-supplied free text before it is stored or
// echoed back to the panel UI.
package sanitizer

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxUsernameLength is the longest username kept after sanitizing, in characters
const MaxUsernameLength = 32

// InputSanitizer strips markup and control characters from plain-text fields
type InputSanitizer struct {
	policy *bluemonday.Policy
}

// NewInputSanitizer creates a sanitizer that allows no HTML at all
func NewInputSanitizer() *InputSanitizer {
	return &InputSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText removes markup and control characters and trims whitespace.
// Entities produced by the policy are decoded so the result is plain text.
func (s *InputSanitizer) SanitizeText(input string) string {
	if input == "" {
		return ""
	}
	cleaned := strings.Map(func(r rune) rune {
		if r == 0 || (unicode.IsControl(r) && r != ' ') {
			return -1
		}
		return r
	}, input)
	cleaned = html.UnescapeString(s.policy.Sanitize(cleaned))
	return strings.TrimSpace(cleaned)
}

// SanitizeUsername is SanitizeText capped at MaxUsernameLength characters
func (s *InputSanitizer) SanitizeUsername(input string) string {
	cleaned := s.SanitizeText(input)
	if utf8.RuneCountInString(cleaned) <= MaxUsernameLength {
		return cleaned
	}
	return strings.TrimSpace(string([]rune(cleaned)[:MaxUsernameLength]))
}
