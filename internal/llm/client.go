// Package llm manages the upstream model endpoints: rotation and failover
// across them, bounded retry, and the HTTP transport that actually speaks
// to a chat-completions API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CallTimeout bounds a single generation call. Slow models can legitimately
// take minutes on long articles.
const CallTimeout = 300 * time.Second

// Client executes a single generation call against one endpoint.
type Client interface {
	Generate(ctx context.Context, ep *Endpoint, prompt string) (string, error)
}

// HTTPClient is a Client speaking the OpenAI-compatible chat-completions
// wire format, which every configured endpoint is expected to serve.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient creates a transport with the standard call timeout.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{
			Timeout: CallTimeout,
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends the prompt to the endpoint and returns the model's reply.
// Any non-success outcome is returned as an error; the caller does not need
// to know why the call failed, only that rotating and retrying is worthwhile.
func (c *HTTPClient) Generate(ctx context.Context, ep *Endpoint, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: ep.Model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: ep.Temperature,
		MaxTokens:   ep.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm: failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(ep.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: request to %s failed: %w", ep.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("llm: failed to read response from %s: %w", ep.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("llm: %s returned status %d: %s", ep.Name, resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("llm: malformed response from %s: %w", ep.Name, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm: %s returned error: %s", ep.Name, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("llm: %s returned empty content", ep.Name)
	}

	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
