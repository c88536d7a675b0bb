// Package llm rewrites raw game log lines into short narrated dialogue.
package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/event"
)

// Accepted rewrites are strictly longer than minOutputLength and strictly
// shorter than maxOutputLength characters.
const (
	minOutputLength = 10
	maxOutputLength = 200
)

// SystemPrompt sets the narrator persona.
const SystemPrompt = "You are a crude, uncensored narrator for an unfiltered colony simulator. " +
	"Rewrite the input into one SHORT sentence (under 15 words).\n" +
	"Rules:\n" +
	"1. Be explicit and witty.\n" +
	"2. No invented details (locations).\n" +
	"3. Keep character names.\n" +
	"4. Style: cynical, deadpan.\n\n" +
	"Examples:\n" +
	"IN: Chaz commented on salty food to Martinho.\n" +
	"OUT: Chaz bitched that the rations were so fucking salty to Martinho.\n\n" +
	"IN: Nelson tried to romance Chaz but was rejected.\n" +
	"OUT: Nelson tried to get with Chaz but she told him to fuck off.\n\n" +
	"IN: Darcie told a joke about eating peas to Nelson.\n" +
	"OUT: Darcie cracked a dry joke about the mushy peas, making Nelson chuckle."

// Rewriter optionally turns social events into in-character lines. It never
// fails: every error path falls back to the original text.
type Rewriter struct {
	cfg       config.LLMConfig
	completer Completer
	timeout   time.Duration
	logger    *slog.Logger
}

func NewRewriter(cfg config.LLMConfig, completer Completer, logger *slog.Logger) *Rewriter {
	return &Rewriter{
		cfg:       cfg,
		completer: completer,
		timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:    logger.With(slog.String("component", "llm-rewriter")),
	}
}

// Enabled reports whether rewrites are attempted at all.
func (r *Rewriter) Enabled() bool {
	return r != nil && r.cfg.Enabled && r.completer != nil
}

// Rewrite returns the rewritten text for social events that are long enough,
// and the input unchanged otherwise.
func (r *Rewriter) Rewrite(ctx context.Context, text string, typ event.Type) Outcome {
	switch {
	case !r.Enabled():
		return Outcome{Text: text, Reason: ReasonDisabled}
	case typ != event.TypeSocial:
		return Outcome{Text: text, Reason: ReasonNotSocial}
	case utf8.RuneCountInString(text) < r.cfg.MinInputLength:
		return Outcome{Text: text, Reason: ReasonTooShort}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	content, err := r.completer.Complete(ctx, Prompt{
		System:      SystemPrompt,
		User:        text,
		Model:       r.cfg.Model,
		Temperature: float32(r.cfg.Temperature),
		MaxTokens:   r.cfg.MaxTokens,
		Stop:        []string{"\n"},
	})
	if err != nil {
		r.logger.Warn("llm request failed, using raw text", slogError(err))
		return Outcome{Text: text, Reason: ReasonFailed, Err: err}
	}

	cleaned, ok := Clean(content)
	if !ok {
		r.logger.Warn("llm output rejected, using raw text", slog.Int("chars", utf8.RuneCountInString(cleaned)))
		return Outcome{Text: text, Reason: ReasonRejected}
	}
	r.logger.Info("llm rewrite", slog.String("input", text), slog.String("output", cleaned))
	return Outcome{Text: cleaned, Rewritten: true, Reason: ReasonRewritten}
}

// Clean trims model output, strips quote and emphasis characters and reports
// whether the result has an acceptable length.
func Clean(content string) (string, bool) {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.NewReplacer(`"`, "", "*", "").Replace(cleaned)
	n := utf8.RuneCountInString(cleaned)
	return cleaned, n > minOutputLength && n < maxOutputLength
}

// Ping logs whether the model server answers. Disabled rewriters report true.
func (r *Rewriter) Ping(ctx context.Context) bool {
	if !r.Enabled() {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.completer.Ping(ctx); err != nil {
		r.logger.Warn("llm server not reachable", slogError(err))
		return false
	}
	r.logger.Info("llm server reachable")
	return true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
