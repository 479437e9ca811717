// Package security scrubs card data and credentials from text the relay
// persists or logs, such as counterpart error bodies kept as last_error.
package security

import (
	"regexp"
	"strings"
)

const marker = "[REDACTED]"

var (
	secretKeyExpr     = `(?:password|passwd|secret|api[_-]?key|cvv2?|cvc|pin|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern   = regexp.MustCompile(`(?i)\b(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"',;]+)`)
	jsonSecretPattern = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)(?:"(?:[^"\\]|\\.)*"|\d+)`)
	authHeaderPattern = regexp.MustCompile(`(?i)((?:authorization|x-device-token)\s*:\s*)[^\r\n]+`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	// 13 to 19 digits, optionally grouped by spaces or dashes.
	panPattern = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)
)

// Redact masks card numbers down to their last four digits and replaces
// credential values with a marker.
func Redact(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"`+marker+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return marker
		}
		return match[:idx+1] + marker
	})
	out = authHeaderPattern.ReplaceAllString(out, "${1}"+marker)
	out = bearerPattern.ReplaceAllString(out, "Bearer "+marker)
	out = panPattern.ReplaceAllStringFunc(out, maskPAN)
	return out
}

// RedactForStorage is Redact plus a length cap for stored error text.
func RedactForStorage(input string, limit int) string {
	out := Redact(strings.TrimSpace(input))
	if limit > 0 && len(out) > limit {
		out = out[:limit] + "…"
	}
	return out
}

func maskPAN(match string) string {
	digits := make([]byte, 0, len(match))
	for i := 0; i < len(match); i++ {
		if match[i] >= '0' && match[i] <= '9' {
			digits = append(digits, match[i])
		}
	}
	if !luhn(digits) {
		return match
	}
	return strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-4:])
}

// luhn keeps order ids and timestamps that merely look long from being
// masked.
func luhn(digits []byte) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
