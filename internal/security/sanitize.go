package security

import (
	"strings"
	"unicode"
)

// SanitizeString neutralizes unsafe substrings in a parameter value while
// keeping the legitimate text intact.
//
// The transform is idempotent: every rewrite produces output that no rule
// matches again, so sanitizing an already-sanitized value is a no-op. That
// is why angle brackets are escaped without touching ampersands, and why
// shell metacharacters are dropped rather than quoted.
func SanitizeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '<':
			b.WriteString("&lt;")
		case r == '>':
			b.WriteString("&gt;")
		case r == '`':
			// dropped: backticks only matter to shells
		case r == 0:
			// dropped: NUL is never legitimate text
		case unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r':
			// dropped: other control characters
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	// "$(" starts a shell substitution; the inserted space defuses it and
	// survives re-sanitization unchanged.
	out = strings.ReplaceAll(out, "$(", "$ (")
	return out
}

// sanitizeValue walks a decoded JSON value and sanitizes every string leaf.
func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return SanitizeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = sanitizeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(inner)
		}
		return out
	default:
		return v
	}
}
