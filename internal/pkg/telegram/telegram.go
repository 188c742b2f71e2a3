// Package telegram is a minimal Bot API client used to push payment
// notifications to users. Only sendMessage is implemented.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/timipay/kkbridge/internal/pkg/env"
)

const (
	// DefaultAPIURL is the public Bot API endpoint. Override via
	// TELEGRAM_API_URL for local bot API servers or tests.
	DefaultAPIURL = "https://api.telegram.org"

	defaultTimeout = 15 * time.Second
)

// Client sends messages through the Telegram Bot API.
type Client struct {
	token      string
	apiURL     string
	httpClient *http.Client
}

// NewClient builds a client for the given bot token.
func NewClient(token string) *Client {
	return &Client{
		token:      token,
		apiURL:     DefaultAPIURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// NewClientFromEnv builds a client from BOT_TOKEN and TELEGRAM_API_URL.
func NewClientFromEnv() *Client {
	c := NewClient(env.GetEnv("BOT_TOKEN", ""))
	if u := env.GetEnv("TELEGRAM_API_URL", ""); u != "" {
		c.apiURL = u
	}
	return c
}

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendMessage delivers a Markdown formatted message to the given chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if c.token == "" {
		return fmt.Errorf("telegram: bot token is not set")
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		return fmt.Errorf("telegram: encode message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram: decode response: %v", err)
	}

	if !result.OK {
		desc := result.Description
		if desc == "" {
			desc = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("telegram: sendMessage failed: %s", desc)
	}
	return nil
}
