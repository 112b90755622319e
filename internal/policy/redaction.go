package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// Cards go before phones so long digit runs are not reported as phone numbers.
var piiRules = []struct {
	pattern *regexp.Regexp
	marker  string
}{
	{emailPattern, "[REDACTED_EMAIL]"},
	{cardPattern, "[REDACTED_CARD]"},
	{phonePattern, "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (string, bool) {
	out := input
	for _, rule := range piiRules {
		out = rule.pattern.ReplaceAllString(out, rule.marker)
	}
	return out, out != input
}

// RedactValue masks PII in every string inside a decoded JSON value. Keys
// and non-string scalars are left alone.
func RedactValue(v any) (any, bool) {
	switch t := v.(type) {
	case string:
		return RedactPII(t)
	case map[string]any:
		changed := false
		for k, inner := range t {
			next, c := RedactValue(inner)
			t[k] = next
			changed = changed || c
		}
		return t, changed
	case []any:
		changed := false
		for i, inner := range t {
			next, c := RedactValue(inner)
			t[i] = next
			changed = changed || c
		}
		return t, changed
	default:
		return v, false
	}
}
