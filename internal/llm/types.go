package llm

import "context"

// Reasons reported in Outcome.Reason.
const (
	ReasonRewritten = "rewritten"
	ReasonDisabled  = "disabled"
	ReasonNotSocial = "not_social"
	ReasonTooShort  = "too_short"
	ReasonFailed    = "request_failed"
	ReasonRejected  = "output_rejected"
)

// Outcome is the result of a rewrite attempt. Text is always usable: when
// Rewritten is false it holds the original input. Err records why a request
// that was attempted did not produce a rewrite; it is informational only.
type Outcome struct {
	Text      string
	Rewritten bool
	Reason    string
	Err       error
}

// Prompt is a single chat-completion exchange.
type Prompt struct {
	System      string
	User        string
	Model       string
	Temperature float32
	MaxTokens   int
	Stop        []string
}

// Completer sends a prompt to a language model and returns the first
// choice's content.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
	Ping(ctx context.Context) error
}
