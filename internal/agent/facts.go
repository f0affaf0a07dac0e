package agent

import (
	"regexp"
	"strings"
)

// Cheap regex mining of durable user facts from interactive messages.
// Only high-confidence patterns; everything subtler is left to the
// dreamer job, which has a whole model at its disposal.
var factPatterns = []struct {
	re     *regexp.Regexp
	render func(groups []string) string
}{
	{
		re:     regexp.MustCompile(`(?i)\bmy name is ([A-Za-zÀ-ÖØ-öø-ÿ][\w'’-]{0,40})`),
		render: func(g []string) string { return "User's name is " + g[1] + "." },
	},
	{
		re:     regexp.MustCompile(`(?i)\bcall me ([A-Za-zÀ-ÖØ-öø-ÿ][\w'’-]{0,40})`),
		render: func(g []string) string { return "User prefers to be called " + g[1] + "." },
	},
	{
		re:     regexp.MustCompile(`(?i)\bi live in ([A-Za-zÀ-ÖØ-öø-ÿ][\w ,'’-]{1,60}?)[.!?\n]`),
		render: func(g []string) string { return "User lives in " + strings.TrimSpace(g[1]) + "." },
	},
	{
		re:     regexp.MustCompile(`(?i)\bmy (?:time ?zone|tz) is ([\w/+-]{2,40})`),
		render: func(g []string) string { return "User's timezone is " + g[1] + "." },
	},
	{
		re:     regexp.MustCompile(`(?i)\bi work (?:at|for) ([A-Za-z0-9][\w .&'’-]{1,60}?)[.!?\n]`),
		render: func(g []string) string { return "User works at " + strings.TrimSpace(g[1]) + "." },
	},
}

// MineUserFacts extracts durable facts from one user message. The input
// gets a trailing newline so end-anchored patterns match unpunctuated
// messages too.
func MineUserFacts(message string) []string {
	if message == "" {
		return nil
	}
	probe := message + "\n"

	var facts []string
	seen := make(map[string]bool)
	for _, p := range factPatterns {
		for _, groups := range p.re.FindAllStringSubmatch(probe, 3) {
			fact := p.render(groups)
			if !seen[fact] {
				seen[fact] = true
				facts = append(facts, fact)
			}
		}
	}
	return facts
}
