package security

import (
	"fmt"
	"regexp"
)

// Violation types.
const (
	ViolationInjection = "input_injection"
	ViolationSecret    = "secret_exposure"
	ViolationSize      = "size_limit"
)

// Violation severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Violation records one payload-safety finding. Blocking violations reject
// the request; the rest are sanitized through and kept for audit output.
type Violation struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Field    string `json:"field"`
	Detail   string `json:"detail"`
	Blocking bool   `json:"blocking"`
}

type signature struct {
	pattern  *regexp.Regexp
	vtype    string
	severity string
	detail   string
}

// Injection and secret signatures scanned against every string-valued
// request parameter. Detection is deliberately broad; only the size ceiling
// is blocking, so a false positive costs an escaped tag, not a rejection.
var signatures = []signature{
	{
		pattern:  regexp.MustCompile(`(?i)\b(union\s+select|drop\s+table|delete\s+from|insert\s+into)\b`),
		vtype:    ViolationInjection,
		severity: SeverityHigh,
		detail:   "sql control sequence",
	},
	{
		pattern:  regexp.MustCompile(`(?i)<\s*/?\s*script\b`),
		vtype:    ViolationInjection,
		severity: SeverityHigh,
		detail:   "script tag",
	},
	{
		pattern:  regexp.MustCompile("\\$\\(|`"),
		vtype:    ViolationInjection,
		severity: SeverityMedium,
		detail:   "shell metacharacter",
	},
	{
		pattern:  regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password)\s*[:=]\s*\S{6,}`),
		vtype:    ViolationSecret,
		severity: SeverityCritical,
		detail:   "credential-like assignment",
	},
	{
		pattern:  regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		vtype:    ViolationSecret,
		severity: SeverityCritical,
		detail:   "aws access key id",
	},
}

// scanString returns violations found in a single parameter value.
func scanString(field, value string) []Violation {
	var out []Violation
	for _, sig := range signatures {
		if sig.pattern.MatchString(value) {
			out = append(out, Violation{
				Type:     sig.vtype,
				Severity: sig.severity,
				Field:    field,
				Detail:   sig.detail,
			})
		}
	}
	return out
}

// checkSize returns a blocking size_limit violation when a single parameter
// exceeds the configured byte ceiling.
func checkSize(field, value string, maxBytes int) *Violation {
	if len(value) <= maxBytes {
		return nil
	}
	return &Violation{
		Type:     ViolationSize,
		Severity: SeverityCritical,
		Field:    field,
		Detail:   fmt.Sprintf("parameter is %d bytes, ceiling is %d", len(value), maxBytes),
		Blocking: true,
	}
}
