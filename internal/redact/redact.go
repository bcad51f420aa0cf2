// Package redact masks credentials and personal data before text reaches
// the process log.
package redact

import "regexp"

var (
	privateKeyPattern = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)
	tokenPattern      = regexp.MustCompile(`\b(?:sk-[A-Za-z0-9_\-]{16,}|gh[pousr]_[A-Za-z0-9]{20,}|xox[abpr]-[A-Za-z0-9\-]{10,}|AKIA[0-9A-Z]{16})\b`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]{12,}`)
	assignmentPattern = regexp.MustCompile(`(?i)\b((?:api[_-]?key|secret|token|password|passwd)\s*[:=]\s*)("[^"]+"|'[^']+'|\S+)`)
	dsnPattern        = regexp.MustCompile(`(\b[a-z][a-z0-9+.\-]*://[^:/@\s]+:)[^@\s]+@`)
	emailPattern      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern       = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// Text masks secrets and common PII in input.
func Text(input string) (redacted string, changed bool) {
	out := input
	replace := func(re *regexp.Regexp, repl string) {
		next := re.ReplaceAllString(out, repl)
		changed = changed || next != out
		out = next
	}

	replace(privateKeyPattern, "[REDACTED_PRIVATE_KEY]")
	// Credentials embedded in URLs go before emails, which they resemble.
	replace(dsnPattern, "${1}[REDACTED]@")
	replace(tokenPattern, "[REDACTED_TOKEN]")
	replace(bearerPattern, "Bearer [REDACTED_TOKEN]")
	replace(assignmentPattern, "${1}[REDACTED]")
	replace(emailPattern, "[REDACTED_EMAIL]")
	replace(cardPattern, "[REDACTED_CARD]")

	return out, changed
}
