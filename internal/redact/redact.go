// Package redact scrubs credential material from text before it reaches
// logs, traces, memory snapshots or model context.
package redact

import "regexp"

// Pattern pairs a compiled matcher with its fixed replacement token.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

var builtins = []Pattern{
	{
		Name:        "discord_token",
		Regex:       regexp.MustCompile(`[A-Za-z0-9_-]{24}\.[A-Za-z0-9_-]{6}\.[A-Za-z0-9_-]{27}`),
		Replacement: "[REDACTED_DISCORD_TOKEN]",
	},
	{
		Name:        "api_key",
		Regex:       regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`),
		Replacement: "[REDACTED_API_KEY]",
	},
	{
		Name:        "google_key",
		Regex:       regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}`),
		Replacement: "[REDACTED_GOOGLE_KEY]",
	},
	{
		Name:        "env_assignment",
		Regex:       regexp.MustCompile(`\b([A-Za-z0-9_]*(?:KEY|TOKEN|SECRET|PASSWORD|PASSWD|CREDENTIALS?)[A-Za-z0-9_]*)\s*=\s*\S+`),
		Replacement: "$1=[REDACTED]",
	},
}

// String applies every builtin pattern in order.
func String(s string) string {
	for _, p := range builtins {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}

// Patterns returns the builtin table, for callers that extend it.
func Patterns() []Pattern {
	out := make([]Pattern, len(builtins))
	copy(out, builtins)
	return out
}
