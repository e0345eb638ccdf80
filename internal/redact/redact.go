// Package redact scrubs secrets from text before it leaves the process
// or is persisted. It is a pure function of (text, pattern set): no I/O,
// no state, safe to apply repeatedly.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultPlaceholder is the replacement token. With the default, matches
// are tagged with their category ("[REDACTED:api_key]"); a custom
// placeholder is used verbatim with no tag.
const DefaultPlaceholder = "[REDACTED]"

type pattern struct {
	re       *regexp.Regexp
	category string
}

// Patterns with a capture group redact only the captured span, keeping
// the surrounding context (key=VALUE stays readable as key=[REDACTED:...]).
// The capture character classes exclude '[' and ']' so already-redacted
// text never rematches.
var builtin = []struct {
	expr     string
	category string
}{
	{`sk-(?:proj-|ant-api\d{2}-)?[a-zA-Z0-9_-]{20,}`, "api_key"},
	{`AKIA[0-9A-Z]{16}`, "api_key"},
	{`ghp_[a-zA-Z0-9]{30,}`, "api_key"},
	{`gho_[a-zA-Z0-9]{30,}`, "api_key"},
	{`github_pat_[a-zA-Z0-9_]{22,}`, "api_key"},
	{`glpat-[a-zA-Z0-9_-]{20,}`, "api_key"},
	{`xox[bpors]-[a-zA-Z0-9-]{10,}`, "api_key"},
	{`Bearer\s+[a-zA-Z0-9._-]{20,}`, "token"},
	{`(?:postgres(?:ql)?|mysql|redis|mongodb(?:\+srv)?|amqp)://[^\s"']+@[^\s"']+`, "connection_string"},
	{`-----BEGIN [A-Z ]+PRIVATE KEY-----[\s\S]*?-----END [A-Z ]+PRIVATE KEY-----`, "private_key"},
	{`(?i)password\s*[=:]\s*["']?([^\s"'\[\]]{8,})["']?`, "password"},
	{`(?i)(?:secret|_key|_token|api_key)\s*[=:]\s*["']?([^\s"'\[\]]{8,})["']?`, "generic_secret"},
}

// Redactor replaces secret-shaped substrings with a placeholder.
type Redactor struct {
	placeholder string
	patterns    []pattern
}

// New compiles the built-in pattern set plus any caller-supplied extra
// expressions (tagged "custom"). An empty placeholder selects the default.
func New(extraPatterns []string, placeholder string) (*Redactor, error) {
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}
	r := &Redactor{placeholder: placeholder}
	for _, b := range builtin {
		r.patterns = append(r.patterns, pattern{re: regexp.MustCompile(b.expr), category: b.category})
	}
	for _, expr := range extraPatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile redaction pattern %q: %w", expr, err)
		}
		r.patterns = append(r.patterns, pattern{re: re, category: "custom"})
	}
	return r, nil
}

func (r *Redactor) replacement(category string) string {
	if r.placeholder == DefaultPlaceholder {
		return "[REDACTED:" + category + "]"
	}
	return r.placeholder
}

// Redact returns text with every pattern match replaced. Idempotent:
// redacting already-redacted text is a no-op.
func (r *Redactor) Redact(text string) string {
	result := text
	for _, p := range r.patterns {
		if p.re.NumSubexp() > 0 {
			result = r.redactCaptured(result, p)
			continue
		}
		result = p.re.ReplaceAllString(result, r.replacement(p.category))
	}
	return result
}

// redactCaptured replaces only the first capture group of each match,
// preserving the literal context around it.
func (r *Redactor) redactCaptured(text string, p pattern) string {
	return p.re.ReplaceAllStringFunc(text, func(m string) string {
		idx := p.re.FindStringSubmatchIndex(m)
		if idx == nil || len(idx) < 4 || idx[2] < 0 {
			return m
		}
		return m[:idx[2]] + r.replacement(p.category) + m[idx[3]:]
	})
}

// Truncate bounds s to max bytes, appending an ellipsis when trimmed.
// Used on error messages before they are stored: library errors can echo
// arbitrarily large chunks of the input.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "") + "..."
}
