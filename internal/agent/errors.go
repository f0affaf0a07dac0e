package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/adytum-sh/adytum/internal/llm"
)

// Canned replies for the failure paths users actually hit. Raw provider
// errors stay in the logs and the audit trail, never in the chat.
const (
	msgAllModelsFailed  = "I can't reach the model provider right now. Every model in the chain failed."
	msgNoCredentials    = "I have no credentials for the model provider. Set an API key and try again."
	msgProviderDown     = "I can't reach the model provider. Is it running?"
	msgCallTimedOut     = "The model call timed out."
	msgTurnCancelled    = "This run was cancelled before it finished."
	msgNoUsableResponse = "I didn't get a usable response from the model. Try asking again."
	msgIterationCap     = "(Stopped here: this turn hit its iteration limit.)"
)

// FriendlyError maps an internal error to the single sentence shown to
// the user. Configuration errors pass through verbatim; everything else
// is rephrased.
func FriendlyError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return msgTurnCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return msgCallTimedOut
	}

	var allFailed *llm.AllFailedError
	if errors.As(err, &allFailed) {
		onlyMissingKeys := len(allFailed.Attempts) > 0
		for _, a := range allFailed.Attempts {
			if a.Err == nil || !strings.Contains(a.Err.Error(), "no API key") {
				onlyMissingKeys = false
				break
			}
		}
		if onlyMissingKeys {
			return msgNoCredentials
		}
		return msgAllModelsFailed
	}

	text := err.Error()
	switch {
	case strings.Contains(text, "no API key"):
		return msgNoCredentials
	case strings.Contains(text, "connection refused"),
		strings.Contains(text, "ECONNREFUSED"),
		strings.Contains(text, "fetch failed"):
		return msgProviderDown
	case strings.Contains(text, "no model chain"):
		// configuration problem: the raw message is the useful message
		return text
	}
	return "The run failed: " + firstLine(text)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
