package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const chatCompletionsPath = "/chat/completions"

type openAICompleter struct {
	client *openai.Client
}

// BaseURL turns a configured chat-completions endpoint into the API base the
// client expects.
func BaseURL(endpoint string) string {
	base := strings.TrimRight(endpoint, "/")
	return strings.TrimSuffix(base, chatCompletionsPath)
}

// NewOpenAICompleter talks to any OpenAI-compatible chat completion server.
// httpClient may be nil.
func NewOpenAICompleter(endpoint, apiKey string, httpClient *http.Client) Completer {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = BaseURL(endpoint)
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &openAICompleter{client: openai.NewClientWithConfig(cfg)}
}

func (c *openAICompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: p.System},
			{Role: openai.ChatMessageRoleUser, Content: p.User},
		},
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Stop:        p.Stop,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openAICompleter) Ping(ctx context.Context) error {
	_, err := c.client.ListModels(ctx)
	return err
}
