package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	cmdpkg "github.com/stupiduntilnot/cookbot/internal/commander"
)

// MaxMessageChars keeps replies under the Bot API 4096 character limit.
const MaxMessageChars = 3900

// Client is a minimal Telegram Bot API client.
type Client struct {
	apiBase    string
	httpClient *http.Client
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>"). requestTimeout must exceed
// the long-poll timeout passed to GetUpdates.
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase: apiBase,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// APIError is returned when Telegram answers with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed: code=%d %s", e.Method, e.Code, e.Description)
}

type Update = cmdpkg.Update
type Message = cmdpkg.Message
type Chat = cmdpkg.Chat

// GetUpdates calls the getUpdates API. Only message updates are requested.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates request: %w", err)
	}
	result, err := c.do(req, "getUpdates")
	if err != nil {
		return nil, err
	}

	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("failed to parse getUpdates result: %w", err)
	}
	return updates, nil
}

// SendMessage sends a text message to the given chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.post(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    truncate(text, MaxMessageChars),
	})
}

// SendChatAction shows a chat action such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.post(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  action,
	})
}

func (c *Client) post(ctx context.Context, method string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s marshal: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req, method)
	return err
}

func (c *Client) do(req *http.Request, method string) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return nil, fmt.Errorf("failed to parse %s response (status=%d): %w", method, resp.StatusCode, err)
	}
	if !tgResp.OK {
		return nil, &APIError{Method: method, Code: tgResp.ErrorCode, Description: tgResp.Description}
	}
	return tgResp.Result, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
