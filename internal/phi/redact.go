package phi

import (
	"regexp"
	"unicode/utf8"
)

// MaxErrorSummaryLength caps a sanitized error summary, in characters.
const MaxErrorSummaryLength = 500

var redactions = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN_REDACTED]"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), "[EMAIL_REDACTED]"},
	{regexp.MustCompile(`(?:\(\d{3}\)\s*\d{3}[-.\s]\d{4}\b|\b\d{3}[-.]\d{3}[-.]\d{4}\b)`), "[PHONE_REDACTED]"},
	{regexp.MustCompile(`\b(?:\d{4}[/.-]\d{1,2}[/.-]\d{1,2}|\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4})\b`), "[DATE_REDACTED]"},
}

// Redact replaces SSN-, email-, phone- and date-shaped substrings with tags.
func Redact(text string) string {
	out := text
	for _, r := range redactions {
		out = r.re.ReplaceAllString(out, r.tag)
	}
	return out
}

// SanitizeErrorText redacts text and truncates it to MaxErrorSummaryLength.
func SanitizeErrorText(text string) string {
	return Truncate(Redact(text), MaxErrorSummaryLength)
}

// Truncate returns at most n characters of s without splitting a rune.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
