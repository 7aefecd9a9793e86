package logging

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"mercator-hq/cohort/pkg/config"
)

// Redactor masks sensitive values in log attributes. Values under sensitive
// keys are always masked; string values are additionally rewritten by the
// PII patterns when pattern redaction is enabled.
type Redactor struct {
	patterns []*redactPattern
	keys     []string
}

// redactPattern contains a compiled regex and replacement string.
type redactPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Common PII pattern names.
const (
	PatternEmail       = "email"
	PatternIPv4        = "ipv4"
	PatternBearerToken = "bearer_token"
	PatternAPIKey      = "api_key"
	PatternPassword    = "password"
)

// Masked replaces values under sensitive keys.
const Masked = "***"

var defaultPatterns = []struct {
	name        string
	regex       string
	replacement string
}{
	{PatternEmail, `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, "[email]"},
	{PatternIPv4, `\b(?:\d{1,3}\.){3}\d{1,3}\b`, "[ip]"},
	{PatternBearerToken, `Bearer\s+[a-zA-Z0-9\-._~+/]+=*`, "Bearer ***"},
	{PatternAPIKey, `api[-_]?key[-_:=]\s*[a-zA-Z0-9]+`, "api_key=***"},
	{PatternPassword, `(password|passwd|pwd)[:=]\s*[^\s]+`, "$1: ***"},
}

var defaultSensitiveKeys = []string{
	"password", "passwd", "secret", "token",
	"api_key", "apikey", "authorization",
	"private_key",
}

// NewRedactor creates a Redactor. When patterns is false only sensitive keys
// are masked. Custom patterns are applied after the built-in ones; an
// invalid custom pattern is an error.
func NewRedactor(patterns bool, custom []config.RedactPattern, extraKeys []string) (*Redactor, error) {
	r := &Redactor{}

	if patterns {
		for _, p := range defaultPatterns {
			r.patterns = append(r.patterns, &redactPattern{
				name:        p.name,
				regex:       regexp.MustCompile(p.regex),
				replacement: p.replacement,
			})
		}
		for _, p := range custom {
			regex, err := regexp.Compile(p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid redact pattern %q: %w", p.Name, err)
			}
			r.patterns = append(r.patterns, &redactPattern{
				name:        p.Name,
				regex:       regex,
				replacement: p.Replacement,
			})
		}
	}

	r.keys = append(r.keys, defaultSensitiveKeys...)
	for _, k := range extraKeys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			r.keys = append(r.keys, k)
		}
	}

	return r, nil
}

// RedactString rewrites PII in value using the configured patterns.
func (r *Redactor) RedactString(value string) string {
	if r == nil || value == "" {
		return value
	}
	for _, p := range r.patterns {
		value = p.regex.ReplaceAllString(value, p.replacement)
	}
	return value
}

// RedactAttr returns a copy of a with sensitive content masked. Groups are
// redacted recursively.
func (r *Redactor) RedactAttr(a slog.Attr) slog.Attr {
	if r == nil {
		return a
	}

	a.Value = a.Value.Resolve()

	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		redacted := make([]slog.Attr, len(group))
		for i, g := range group {
			redacted[i] = r.RedactAttr(g)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(redacted...)}
	}

	if r.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, Masked)
	}

	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, r.RedactString(a.Value.String()))
	}

	return a
}

// IsSensitiveKey reports whether a key name indicates sensitive data.
func (r *Redactor) IsSensitiveKey(key string) bool {
	if r == nil {
		return false
	}
	lower := strings.ToLower(key)
	for _, k := range r.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// RedactMap returns a deep copy of m in which the value of every key that
// matches one of keys (case-insensitive, exact) is replaced with Masked.
// Nested maps are copied and redacted recursively. m is never modified.
func RedactMap(m map[string]any, keys []string) map[string]any {
	if m == nil {
		return nil
	}

	masked := make(map[string]bool, len(keys))
	for _, k := range keys {
		masked[strings.ToLower(k)] = true
	}

	return redactMap(m, masked)
}

func redactMap(m map[string]any, masked map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if masked[strings.ToLower(k)] {
			out[k] = Masked
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = redactMap(val, masked)
		case map[string]string:
			inner := make(map[string]any, len(val))
			for ik, iv := range val {
				inner[ik] = iv
			}
			out[k] = redactMap(inner, masked)
		case []any:
			items := make([]any, len(val))
			for i, item := range val {
				if nested, ok := item.(map[string]any); ok {
					items[i] = redactMap(nested, masked)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
