package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrSynthesis marks every failure to produce an audio artifact.
var ErrSynthesis = errors.New("tts synthesis failed")

// ResponseFormat is the only audio format requested from backends.
const ResponseFormat = "wav"

// Request is the payload sent to a speech backend.
type Request struct {
	Model          string  `json:"model"`
	Voice          string  `json:"voice"`
	Input          string  `json:"input"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

// Backend turns a request into encoded audio bytes.
type Backend interface {
	Generate(ctx context.Context, req Request) ([]byte, error)
	// Ping checks that the backend is reachable. It is only used for
	// startup diagnostics.
	Ping(ctx context.Context) error
}

// APIError is a non-200 answer from an HTTP backend.
type APIError struct {
	StatusCode int
	Detail     string
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		if e.Code != "" {
			return fmt.Sprintf("tts backend returned %d: %s (code: %s)", e.StatusCode, e.Detail, e.Code)
		}
		return fmt.Sprintf("tts backend returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("tts backend returned %d: %s", e.StatusCode, e.Body)
}
