package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	speechPath     = "/v1/audio/speech"
	maxErrorBody   = 200
	maxErrorDecode = 4096
)

type httpBackend struct {
	url    string
	client *http.Client
}

type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
}

// NewHTTPBackend posts OpenAI-style speech requests to url. Timeouts are
// taken from the request context.
func NewHTTPBackend(url string, client *http.Client) Backend {
	if client == nil {
		client = &http.Client{}
	}
	return &httpBackend{url: url, client: client}
}

func (b *httpBackend) Generate(ctx context.Context, req Request) ([]byte, error) {
	body, err := sonic.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request to %s: %w", b.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("backend returned empty audio")
	}
	return data, nil
}

func parseErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorDecode))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	snippet := raw
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	apiErr.Body = string(snippet)

	var parsed errorResponse
	if err := sonic.Unmarshal(raw, &parsed); err == nil && parsed.Detail != "" {
		apiErr.Detail = parsed.Detail
		apiErr.Code = parsed.ErrorCode
	}
	return apiErr
}

// Ping issues a GET against the server root derived from the speech URL.
func (b *httpBackend) Ping(ctx context.Context) error {
	root := strings.TrimSuffix(b.url, speechPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, root, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
