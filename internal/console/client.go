// Package console implements the operator-side pipeline: a relay client, the
// delivery queue feeding the conversation cache, new-message detection, and
// the notification presenter. All state hangs off a Session object.
package console

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

	"github.com/bslsalud/opchat/internal/chat"
)

// APIError is a non-2xx response from the relay.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Body)
}

// Agent identifies the logged-in operator.
type Agent struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Summary is one row of the relay's conversation list.
type Summary struct {
	Number         string `json:"number"`
	Name           string `json:"name"`
	LastMessage    string `json:"last_message"`
	LastMessageAt  string `json:"last_message_time"`
	UnreadCount    int    `json:"unread"`
	MessageCount   int    `json:"message_count"`
	ProfilePicture string `json:"profile_picture"`
}

// Detail is a single conversation with its messages.
type Detail struct {
	Number       string     `json:"number"`
	Name         string     `json:"name"`
	Messages     []chat.Raw `json:"messages"`
	MessageCount int        `json:"message_count"`
}

// SearchHit is one full-text search result.
type SearchHit struct {
	Message chat.Raw `json:"message"`
	Snippet string   `json:"snippet"`
}

// Client talks to the relay's HTTP API on behalf of one agent.
type Client struct {
	baseURL    string
	token      string
	agent      Agent
	httpClient *http.Client
	logger     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates an unauthenticated relay client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the relay address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the bearer token obtained at login, or empty.
func (c *Client) Token() string { return c.token }

// Agent returns the agent identity obtained at login.
func (c *Client) Agent() Agent { return c.agent }

// Login authenticates and stores the bearer token for subsequent calls.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp struct {
		AccessToken string `json:"access_token"`
		Agent       Agent  `json:"agent"`
	}
	err := c.post(ctx, "/api/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return err
	}
	c.token = resp.AccessToken
	c.agent = resp.Agent
	c.logger.Info("logged in", zap.String("agent", resp.Agent.Username))
	return nil
}

// ListConversations fetches the agent's conversation list.
func (c *Client) ListConversations(ctx context.Context, limit, offset int) ([]Summary, error) {
	var resp struct {
		Conversations []Summary `json:"conversations"`
	}
	path := "/api/conversations?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// GetConversation fetches one conversation with up to limit messages.
func (c *Client) GetConversation(ctx context.Context, number string, limit int) (*Detail, error) {
	var detail Detail
	path := "/api/conversations/" + url.PathEscape(number) + "?limit=" + strconv.Itoa(limit)
	if err := c.get(ctx, path, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Send queues a text message; the relay returns a client message id that the
// eventual status frames refer to.
func (c *Client) Send(ctx context.Context, to, body string) (string, error) {
	return c.send(ctx, map[string]string{"to": to, "body": body})
}

// SendMedia queues a media message with an optional caption.
func (c *Client) SendMedia(ctx context.Context, to, mediaURL, mediaType, caption string) (string, error) {
	return c.send(ctx, map[string]string{
		"to":         to,
		"body":       caption,
		"media_url":  mediaURL,
		"media_type": mediaType,
	})
}

func (c *Client) send(ctx context.Context, payload map[string]string) (string, error) {
	var resp struct {
		ClientMsgID string `json:"client_msg_id"`
	}
	if err := c.post(ctx, "/api/send", payload, &resp); err != nil {
		return "", err
	}
	return resp.ClientMsgID, nil
}

// Assignment maps a conversation to the agent handling it.
type Assignment struct {
	Conversation string `json:"conversation"`
	Agent        string `json:"agent"`
}

// Assignments fetches the conversation-to-agent mapping from the relay.
func (c *Client) Assignments(ctx context.Context) ([]Assignment, error) {
	var resp struct {
		Assignments []Assignment `json:"assignments"`
	}
	if err := c.get(ctx, "/api/assignments", &resp); err != nil {
		return nil, err
	}
	return resp.Assignments, nil
}

// MarkRead resets the unread counter for a conversation on the relay.
func (c *Client) MarkRead(ctx context.Context, number string) error {
	return c.post(ctx, "/api/read/"+url.PathEscape(number), struct{}{}, nil)
}

// Search runs a full-text query, optionally scoped to one conversation.
func (c *Client) Search(ctx context.Context, query, conversation string, limit int) ([]SearchHit, error) {
	var resp struct {
		Results []SearchHit `json:"results"`
	}
	q := url.Values{}
	q.Set("q", query)
	if conversation != "" {
		q.Set("conversation", conversation)
	}
	q.Set("limit", strconv.Itoa(limit))
	if err := c.get(ctx, "/api/search?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
