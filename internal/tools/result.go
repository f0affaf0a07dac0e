package tools

import "github.com/adytum-sh/adytum/internal/providers"

// Result is what every tool execution returns. Tools never propagate errors
// as Go errors to the loop; failures ride back in IsError so the model can
// read them and adjust.
type Result struct {
	ForLLM  string `json:"for_llm"`
	ForUser string `json:"for_user,omitempty"` // shown to the user when different from ForLLM
	Silent  bool   `json:"silent"`             // suppress the user-facing echo
	IsError bool   `json:"is_error"`
	Async   bool   `json:"async"` // work continues in the background
	Err     error  `json:"-"`

	// Usage is set by tools that make their own model calls; the loop folds
	// it into the turn's token accounting.
	Usage *providers.Usage `json:"-"`
	Model string           `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// Truncate shortens s to max runes for audit payloads and log lines.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
