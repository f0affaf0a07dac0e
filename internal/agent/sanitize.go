package agent

import (
	"regexp"
	"strings"

	"github.com/adytum-sh/adytum/internal/providers"
)

// Sentinel strings used by background job prompts (dream, monologue,
// heartbeat). If they show up in an interactive context something has
// leaked between sessions and the context is rebuilt from scratch.
const (
	SentinelStatus    = "STATUS:"
	SentinelSummary   = "SUMMARY:"
	SentinelHeartbeat = "[HEARTBEAT]"
)

// HasBackgroundSentinel scans messages for background-prompt sentinels.
// Only assistant and user content is checked; tool output legitimately
// quotes arbitrary text.
func HasBackgroundSentinel(msgs []providers.Message) bool {
	for _, m := range msgs {
		if m.Role != "assistant" && m.Role != "user" {
			continue
		}
		for _, line := range strings.Split(m.Content, "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, SentinelStatus) ||
				strings.HasPrefix(trimmed, SentinelSummary) ||
				strings.HasPrefix(trimmed, SentinelHeartbeat) {
				return true
			}
		}
	}
	return false
}

// ScrubSentinels drops sentinel-prefixed lines from user-facing text.
func ScrubSentinels(content string) string {
	if !strings.Contains(content, SentinelStatus) &&
		!strings.Contains(content, SentinelSummary) &&
		!strings.Contains(content, SentinelHeartbeat) {
		return content
	}
	lines := strings.Split(content, "\n")
	var out []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, SentinelStatus) ||
			strings.HasPrefix(trimmed, SentinelSummary) ||
			strings.HasPrefix(trimmed, SentinelHeartbeat) {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// SanitizeAssistantContent cleans model output before it is committed to
// history or delivered: reasoning tags stripped, sentinel lines scrubbed,
// repeated paragraphs collapsed.
func SanitizeAssistantContent(content string) string {
	if content == "" {
		return content
	}
	content = stripThinkingTags(content)
	content = ScrubSentinels(content)
	content = collapseConsecutiveDuplicateBlocks(content)
	return strings.TrimSpace(content)
}

// Some models emit reasoning inline as pseudo-XML instead of using the
// dedicated thinking channel. Go regexp has no backreferences, so one
// pattern per tag.
var thinkingTagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)<thought>.*?</thought>`),
}

func stripThinkingTags(content string) string {
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "<think") && !strings.Contains(lower, "<thought") {
		return content
	}
	for _, pat := range thinkingTagPatterns {
		content = pat.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

func collapseConsecutiveDuplicateBlocks(content string) string {
	blocks := strings.Split(content, "\n\n")
	if len(blocks) <= 1 {
		return content
	}
	var out []string
	for _, block := range blocks {
		trimmed := strings.TrimSpace(block)
		if trimmed == "" {
			continue
		}
		if len(out) > 0 && trimmed == strings.TrimSpace(out[len(out)-1]) {
			continue
		}
		out = append(out, block)
	}
	return strings.Join(out, "\n\n")
}

// IsSilentReply reports whether the text is the NO_REPLY token, which
// background jobs use to signal "nothing worth saying".
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	const token = "NO_REPLY"
	if trimmed == token {
		return true
	}
	if strings.HasPrefix(trimmed, token) {
		rest := trimmed[len(token):]
		if rest == "" || !isWordChar(rune(rest[0])) {
			return true
		}
	}
	if strings.HasSuffix(trimmed, token) {
		before := trimmed[:len(trimmed)-len(token)]
		if before == "" || !isWordChar(rune(before[len(before)-1])) {
			return true
		}
	}
	return false
}

func isWordChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
}
