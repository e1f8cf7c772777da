// Package chatsync keeps a per-conversation message timeline consistent
// across three concurrent sources: paginated history fetched on demand,
// optimistic locally-created messages awaiting acknowledgment, and live push
// events from other participants.
//
// Example:
//
//	client := chatsync.NewClient("token", chatsync.WithBaseURL("https://api.example.com"))
//	registry := chatsync.NewRegistry(chatsync.NewWebSocketDialer(client.BaseURL(), client.Token), nil)
//
//	ctrl := chatsync.NewController(chatsync.ControllerConfig{
//		Registry: registry,
//		History:  client,
//		SelfID:   "user-1",
//	})
//	registry.Start(ctx, chatsync.ChatHub)
//	ctrl.Select(ctx, "conv-42")
//	ctrl.Send(ctx, "hello")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds every REST round-trip.
	DefaultTimeout = 30 * time.Second

	// DefaultPageSize is the history page size used when none is configured.
	DefaultPageSize = 50
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the chat backend: history pages, conversation
// lookup/creation, and read receipts. The push channel lives in HubConnection.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new chat API client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current auth token. It satisfies the credential source
// contract of the push transport dialer.
func (c *Client) Token() string {
	return c.token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func resultError(r *Result) error {
	if r.Error != nil {
		return r.Error
	}
	return fmt.Errorf("API returned an error (no details)")
}

// ============================================================================
// History
// ============================================================================

// History fetches one page of messages for a conversation, newest page first.
// Pass an empty cursor for the first page; pass the NextCursor of the previous
// page to walk backwards through older messages.
func (c *Client) History(ctx context.Context, conversationID string, limit int, cursor string) (*HistoryPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if cursor != "" {
		query["cursor"] = cursor
	}

	result, err := c.do(ctx, "GET", "/api/chat/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultError(result)
	}

	var page HistoryPage
	if err := result.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode history page: %w", err)
	}
	return &page, nil
}

// ============================================================================
// Conversations
// ============================================================================

// Conversations lists the caller's conversations, most recently active first.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	result, err := c.do(ctx, "GET", "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultError(result)
	}

	var conversations []Conversation
	if err := result.Decode(&conversations); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return conversations, nil
}

// EnsureDirectConversation resolves a counterpart user id to a conversation,
// creating one if absent.
func (c *Client) EnsureDirectConversation(ctx context.Context, userID string) (*Conversation, error) {
	result, err := c.do(ctx, "POST", "/api/chat/conversations/direct", map[string]string{"userId": userID}, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, resultError(result)
	}

	var conversation Conversation
	if err := result.Decode(&conversation); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &conversation, nil
}

// MarkRead marks a conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	result, err := c.do(ctx, "POST", "/api/chat/conversations/"+conversationID+"/read", nil, nil)
	if err != nil {
		return err
	}
	if !result.OK {
		return resultError(result)
	}
	return nil
}
