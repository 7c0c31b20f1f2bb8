package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	// DefaultAPIURL is the public Bot API host.
	DefaultAPIURL = "https://api.telegram.org"

	// MaxMessageLength is the Bot API limit for one text message, in runes.
	MaxMessageLength = 4096

	requestTimeout = 30 * time.Second
)

// User is the sender of a message.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	IsBot    bool   `json:"is_bot,omitempty"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// Message is an incoming chat message. Only text messages are used.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text,omitempty"`
}

// Update is one entry returned by getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// Client talks to the Telegram Bot API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a Bot API client. apiURL defaults to DefaultAPIURL.
func New(token, apiURL string, logger *zap.Logger) (*Client, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL: strings.TrimSuffix(apiURL, "/") + "/bot" + token,
		// Long polls set their own deadline through the request context.
		client: &http.Client{},
		logger: logger,
	}, nil
}

// GetMe returns the bot's own account.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", map[string]any{}, requestTimeout, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for updates with id >= offset, waiting up to timeoutSec seconds.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	payload := map[string]any{
		"offset":          offset,
		"timeout":         timeoutSec,
		"allowed_updates": []string{"message"},
	}

	var updates []Update
	wait := time.Duration(timeoutSec)*time.Second + requestTimeout
	if err := c.call(ctx, "getUpdates", payload, wait, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends text to chatID as plain text, split into parts that fit
// MaxMessageLength.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("telegram: refusing to send empty message")
	}

	parts := SplitText(text, MaxMessageLength)
	for i, part := range parts {
		payload := map[string]any{
			"chat_id": chatID,
			"text":    part,
		}
		if err := c.call(ctx, "sendMessage", payload, requestTimeout, nil); err != nil {
			return fmt.Errorf("%w (part %d of %d)", err, i+1, len(parts))
		}
	}

	c.logger.Debug("message sent",
		zap.Int64("chat_id", chatID),
		zap.Int("parts", len(parts)),
	)
	return nil
}

func (c *Client) call(ctx context.Context, method string, payload any, timeout time.Duration, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: reading %s response: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("telegram: API error (status %d): %s", resp.StatusCode, truncate(string(raw), 200))
	}
	if !envelope.OK || resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: API error (status %d): %s", resp.StatusCode, envelope.Description)
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return fmt.Errorf("telegram: decoding %s result: %w", method, err)
	}
	return nil
}

// SplitText cuts text into chunks of at most limit runes, preferring to break
// after a newline in the second half of a chunk.
func SplitText(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
