package provider

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

	"go.uber.org/zap"
)

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the WhatsApp gateway with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a gateway client.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListChats returns every chat on the line, most recent first.
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	var out struct {
		Chats []Chat `json:"chats"`
	}
	if err := c.get(ctx, "/chats", nil, &out); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return out.Chats, nil
}

// ListMessages returns the most recent count messages of one chat.
func (c *Client) ListMessages(ctx context.Context, chatID string, count int) ([]WireMessage, error) {
	if count <= 0 {
		count = 100
	}
	var out struct {
		Messages []WireMessage `json:"messages"`
	}
	params := url.Values{"count": {strconv.Itoa(count)}}
	if err := c.get(ctx, "/messages/list/"+url.PathEscape(chatID), params, &out); err != nil {
		return nil, fmt.Errorf("list messages %s: %w", chatID, err)
	}
	return out.Messages, nil
}

// SendText sends a plain text message and returns the gateway message ID.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	payload := map[string]string{
		"to":   ChatIDFromNumber(to),
		"body": body,
	}
	var out struct {
		Sent    bool `json:"sent"`
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	if err := c.post(ctx, "/messages/text", payload, &out); err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	return out.Message.ID, nil
}

// SendMedia sends a media message by URL with an optional caption.
func (c *Client) SendMedia(ctx context.Context, to, mediaURL, caption string) (string, error) {
	payload := map[string]string{
		"to":      ChatIDFromNumber(to),
		"media":   mediaURL,
		"caption": caption,
	}
	var out struct {
		Sent    bool `json:"sent"`
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	if err := c.post(ctx, "/messages/image", payload, &out); err != nil {
		return "", fmt.Errorf("send media: %w", err)
	}
	return out.Message.ID, nil
}

// SendTemplate sends a pre-approved template message, the only kind the
// gateway accepts once a conversation's 24h service window has closed.
func (c *Client) SendTemplate(ctx context.Context, to, templateSID, body string) (string, error) {
	payload := map[string]string{
		"to":   ChatIDFromNumber(to),
		"sid":  templateSID,
		"body": body,
	}
	var out struct {
		Sent    bool `json:"sent"`
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	if err := c.post(ctx, "/messages/template", payload, &out); err != nil {
		return "", fmt.Errorf("send template: %w", err)
	}
	return out.Message.ID, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("gateway request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
