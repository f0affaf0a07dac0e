package agent

import (
	"fmt"
	"strings"
	"time"
)

// PromptSources supplies the dynamic parts of the system prompt. Fields
// may be nil; the builder skips missing sections.
type PromptSources struct {
	// Soul returns the persona preamble (soul.md).
	Soul func() string
	// Context returns workspace instruction files (AGENTS.md and friends),
	// rendered as their own sections.
	Context func() []ContextSection
	// Skills returns one summary line per loaded skill.
	Skills func() []string
	// Rules returns extra behavioural rules appended after the built-ins.
	Rules func() []string
}

// ContextSection is one workspace file injected into the system prompt.
type ContextSection struct {
	Name string
	Body string
}

type promptInputs struct {
	agentName string
	role      string
	workspace string
	tools     []toolLine
	sources   PromptSources
	now       time.Time
}

type toolLine struct {
	name        string
	description string
}

// buildSystemPrompt composes the interactive system prompt: soul preamble,
// tools, skills, then behavioural rules.
func buildSystemPrompt(in promptInputs) string {
	var b strings.Builder

	if in.sources.Soul != nil {
		if soul := strings.TrimSpace(in.sources.Soul()); soul != "" {
			b.WriteString(soul)
			b.WriteString("\n\n")
		}
	}

	b.WriteString("You are ")
	if in.agentName != "" {
		b.WriteString(in.agentName)
	} else {
		b.WriteString("an agent")
	}
	if in.role != "" {
		fmt.Fprintf(&b, " (%s)", in.role)
	}
	b.WriteString(", running inside the Adytum gateway.\n")
	if in.workspace != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", in.workspace)
	}
	if !in.now.IsZero() {
		fmt.Fprintf(&b, "Current time: %s\n", in.now.Format("2006-01-02 15:04 MST"))
	}

	if in.sources.Context != nil {
		for _, sec := range in.sources.Context() {
			body := strings.TrimSpace(sec.Body)
			if body == "" {
				continue
			}
			fmt.Fprintf(&b, "\n## %s\n%s\n", sec.Name, body)
		}
	}

	if len(in.tools) > 0 {
		b.WriteString("\n## Tools\n")
		for _, t := range in.tools {
			if t.description != "" {
				fmt.Fprintf(&b, "- %s: %s\n", t.name, t.description)
			} else {
				fmt.Fprintf(&b, "- %s\n", t.name)
			}
		}
	}

	if in.sources.Skills != nil {
		if skills := in.sources.Skills(); len(skills) > 0 {
			b.WriteString("\n## Skills\n")
			for _, s := range skills {
				fmt.Fprintf(&b, "- %s\n", s)
			}
		}
	}

	b.WriteString("\n## Rules\n")
	for _, rule := range defaultRules {
		fmt.Fprintf(&b, "- %s\n", rule)
	}
	if in.sources.Rules != nil {
		for _, rule := range in.sources.Rules() {
			fmt.Fprintf(&b, "- %s\n", rule)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

var defaultRules = []string{
	"Answer directly; use tools when a task needs them, not to narrate.",
	"Never invent tool output. If a tool fails, say what failed and what you would try next.",
	"Delegate large independent subtasks with spawn_sub_agent instead of doing everything inline.",
	"Keep secrets out of replies. Credentials are injected for you; never echo them.",
	"If there is nothing useful to add, reply with exactly NO_REPLY.",
}

// buildBackgroundPrompt is the minimal variant for system-* and cron-*
// sessions. No soul, no skills, no conversation rules: just the task frame.
func buildBackgroundPrompt(agentName, task string, now time.Time) string {
	var b strings.Builder
	b.WriteString("You are ")
	if agentName != "" {
		b.WriteString(agentName)
	} else {
		b.WriteString("an agent")
	}
	b.WriteString(" performing an internal background task")
	if task != "" {
		fmt.Fprintf(&b, " (%s)", task)
	}
	b.WriteString(".\n")
	if !now.IsZero() {
		fmt.Fprintf(&b, "Current time: %s\n", now.Format("2006-01-02 15:04 MST"))
	}
	b.WriteString("Work autonomously: no user is present and nobody can answer questions.\n")
	b.WriteString("Be brief. Reply with exactly NO_REPLY if there is nothing to report.")
	return b.String()
}
