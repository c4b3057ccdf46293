package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stupiduntilnot/cookbot/internal/model"
	"github.com/stupiduntilnot/cookbot/internal/prompt"
)

// EmptyResponse replaces a reply with no content.
const EmptyResponse = "(empty model response)"

// Client is a minimal OpenAI-compatible chat completions client. It works
// against OpenRouter or any server exposing /chat/completions.
type Client struct {
	apiKey     string
	url        string
	model      string
	httpClient *http.Client
}

// NewClient creates a client for baseURL (e.g. "https://openrouter.ai/api/v1").
// timeout bounds each request.
func NewClient(apiKey, baseURL, modelName string, timeout time.Duration) *Client {
	return &Client{
		apiKey: apiKey,
		url:    strings.TrimRight(baseURL, "/") + "/chat/completions",
		model:  modelName,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Model returns the model identifier sent with every request.
func (c *Client) Model() string {
	return c.model
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []prompt.Message `json:"messages"`
	Temperature float32          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatCompletion sends a chat completion request and returns a CompletionResponse.
// Transport timeouts are returned wrapped so callers can detect them with
// errors.As(err, &net.Error) or errors.Is(err, context.DeadlineExceeded).
func (c *Client) ChatCompletion(ctx context.Context, r model.Request) (model.CompletionResponse, error) {
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    r.Messages,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("failed to marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("failed to create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("failed reading openai response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		truncated := truncate(string(body), 400)
		return model.CompletionResponse{}, fmt.Errorf("openai non-success status=%d body=%s", resp.StatusCode, truncated)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		truncated := truncate(string(body), 400)
		return model.CompletionResponse{}, fmt.Errorf("failed to parse openai response: %s", truncated)
	}

	result := model.CompletionResponse{}
	if parsed.Usage != nil {
		result.InputTokens = parsed.Usage.PromptTokens
		result.OutputTokens = parsed.Usage.CompletionTokens
	}

	if len(parsed.Choices) == 0 {
		result.Content = EmptyResponse
		return result, nil
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		result.Content = EmptyResponse
		return result, nil
	}
	result.Content = content
	return result, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
