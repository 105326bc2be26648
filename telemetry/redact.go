// Package telemetry provides redaction, tracing and metrics for LLM and tool calls.
//
// Information Hiding:
// - PII and secret patterns hidden behind Redact
// - Span naming and attribute keys hidden behind StartSpan
// - Prometheus collector registration hidden behind NewMetrics

package telemetry

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Placeholder replaces redacted secrets.
const Placeholder = "[REDACTED]"

var (
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern  = regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?(?:\(\d{3}\)\s?|\b\d{3}[\s.-])\d{3}[\s.-]\d{4}\b`)
	bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`)
	keyPattern    = regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}|\bAIza[0-9A-Za-z_\-]{30,}`)
	assignPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password|access[_-]?token)(["']?\s*[:=]\s*["']?)[^\s"',}]+`)
)

// Redact scrubs emails, phone numbers, bearer tokens and API keys from s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	out := bearerPattern.ReplaceAllString(s, "${1}"+Placeholder)
	out = assignPattern.ReplaceAllString(out, "${1}${2}"+Placeholder)
	out = keyPattern.ReplaceAllString(out, Placeholder)
	out = emailPattern.ReplaceAllString(out, "[EMAIL]")
	out = phonePattern.ReplaceAllString(out, "[PHONE]")
	return out
}

// Preview redacts s and cuts it to at most n runes.
func Preview(s string, n int) string {
	s = Redact(strings.TrimSpace(s))
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Text is a zap field whose value is redacted.
func Text(key, value string) zap.Field {
	return zap.String(key, Redact(value))
}

// Err is a zap field carrying the redacted error text.
func Err(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("err", Redact(err.Error()))
}
