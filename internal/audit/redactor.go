package audit

import (
	"regexp"
	"strings"
)

// redactor strips common PII patterns (emails, SSNs, API keys, IPs) from
// free-text detail fields before they are written to the WAL.
type redactor struct {
	enabled bool
	ssn     *regexp.Regexp
	email   *regexp.Regexp
	ipv4    *regexp.Regexp
	apiKey  *regexp.Regexp
}

func newRedactor(enabled bool) *redactor {
	return &redactor{
		enabled: enabled,
		ssn:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		email:   regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		ipv4:    regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
		apiKey:  regexp.MustCompile(`\b[a-fA-F0-9]{32,64}\b`),
	}
}

// Redact replaces each recognized pattern with a masked placeholder. A
// caller that disabled redaction gets the input back unchanged.
func (r *redactor) Redact(input string) string {
	if !r.enabled || input == "" {
		return input
	}

	out := r.ssn.ReplaceAllString(input, "***-**-****")

	out = r.email.ReplaceAllStringFunc(out, func(match string) string {
		parts := strings.SplitN(match, "@", 2)
		if len(parts) == 2 {
			return "***@" + parts[1]
		}
		return "***@***"
	})

	out = r.ipv4.ReplaceAllStringFunc(out, func(match string) string {
		parts := strings.SplitN(match, ".", 2)
		if len(parts) == 2 {
			return parts[0] + ".***.***.***"
		}
		return "***.***.***.***"
	})

	out = r.apiKey.ReplaceAllStringFunc(out, func(match string) string {
		if len(match) > 8 {
			return match[:4] + "..." + match[len(match)-4:]
		}
		return "***"
	})

	return out
}
