// Package event models the game events accepted by the narrator.
package event

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Type classifies a game event.
type Type string

const (
	TypeMessage Type = "message"
	TypeLetter  Type = "letter"
	TypeSocial  Type = "social"
)

const (
	DefaultType  = TypeMessage
	DefaultVoice = "narrator"

	MinTextLength = 1
	MaxTextLength = 500
)

// Valid reports whether t is one of the recognised categories.
func (t Type) Valid() bool {
	switch t {
	case TypeMessage, TypeLetter, TypeSocial:
		return true
	}
	return false
}

// GameEvent is a single inbound narration request.
type GameEvent struct {
	Text  string `json:"text"`
	Type  Type   `json:"type"`
	Voice string `json:"voice"`
}

// Issue describes one failed constraint.
type Issue struct {
	Field   string
	Message string
	Kind    string
}

// ValidationError is returned when an event violates its constraints.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Field, issue.Message))
	}
	return "invalid event: " + strings.Join(parts, "; ")
}

// TypeIssue is the issue reported for a type outside the recognised set.
func TypeIssue() Issue {
	return Issue{
		Field:   "type",
		Message: "String should match pattern '^(message|letter|social)$'",
		Kind:    "string_pattern_mismatch",
	}
}

// Normalize fills in defaults for absent optional fields.
func (e GameEvent) Normalize() GameEvent {
	if e.Type == "" {
		e.Type = DefaultType
	}
	if e.Voice == "" {
		e.Voice = DefaultVoice
	}
	return e
}

// Validate applies defaults and checks the event. Text length is counted in
// characters, not bytes.
func Validate(e GameEvent) (GameEvent, error) {
	e = e.Normalize()

	var issues []Issue
	n := utf8.RuneCountInString(e.Text)
	switch {
	case n < MinTextLength:
		issues = append(issues, Issue{
			Field:   "text",
			Message: fmt.Sprintf("String should have at least %d character", MinTextLength),
			Kind:    "string_too_short",
		})
	case n > MaxTextLength:
		issues = append(issues, Issue{
			Field:   "text",
			Message: fmt.Sprintf("String should have at most %d characters", MaxTextLength),
			Kind:    "string_too_long",
		})
	}
	if !e.Type.Valid() {
		issues = append(issues, TypeIssue())
	}
	if len(issues) > 0 {
		return e, &ValidationError{Issues: issues}
	}
	return e, nil
}
