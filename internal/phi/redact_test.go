package phi

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"ssn", "bad ssn 123-45-6789 here", "bad ssn [SSN_REDACTED] here"},
		{"email", "user jane@clinic.org failed", "user [EMAIL_REDACTED] failed"},
		{"phone", "call 555-123-4567", "call [PHONE_REDACTED]"},
		{"iso date", "born 1980-01-02", "born [DATE_REDACTED]"},
		{"us date", "visit 01/02/1980", "visit [DATE_REDACTED]"},
		{"clean", "connection refused", "connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Redact(tt.input))
		})
	}
}

func TestSanitizeErrorText_Truncates(t *testing.T) {
	long := strings.Repeat("é", MaxErrorSummaryLength+50)

	out := SanitizeErrorText(long)
	assert.Equal(t, MaxErrorSummaryLength, utf8.RuneCountInString(out))
	assert.True(t, utf8.ValidString(out))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "日本", Truncate("日本語", 2))
}
