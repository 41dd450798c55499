package secrets

import (
	"regexp"
	"strings"
)

// Redacted is the replacement text for hidden values
const Redacted = "[REDACTED]"

// Redactor removes credentials from strings before they reach logs
type Redactor struct {
	patterns    []*regexp.Regexp
	replacement string
}

// NewRedactor creates a redactor with the default credential patterns
func NewRedactor() *Redactor {
	defaultPatterns := []string{
		// connection strings with passwords
		`postgres(?:ql)?://[^:\s]+:[^@\s]+@`,
		`redis://[^:\s]*:[^@\s]+@`,

		// bearer tokens and JWTs
		`(?i)bearer\s+[a-zA-Z0-9\-\._~\+/]+=*`,
		`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,

		// key=value / key: value assignments
		`(?i)(?:client_secret|refresh_token|access_token|password|secret)["\s]*[:=]["\s]*[^\s"',}&]+`,
	}

	patterns := make([]*regexp.Regexp, len(defaultPatterns))
	for i, pattern := range defaultPatterns {
		patterns[i] = regexp.MustCompile(pattern)
	}

	return &Redactor{
		patterns:    patterns,
		replacement: Redacted,
	}
}

// RedactString redacts sensitive data from a string
func (r *Redactor) RedactString(input string) string {
	result := input
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, r.replacement)
	}
	return result
}

// Mask shows only the last four characters of a value
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}
