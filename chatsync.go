// Package chatsync is a real-time chat synchronization client.
//
// A Session owns one persistent realtime connection per identity and
// multiplexes it across any number of open conversation views. It resolves
// peers to conversations, merges paged history with live frames, tracks
// presence and read receipts, and survives reconnects.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("http://localhost:8085"))
//	session := chatsync.NewSession(client, "me@example.com")
//	session.Activate()
//	defer session.Teardown()
//
//	conv, _ := session.OpenConversation(ctx, "friend@example.com", nil)
//	conv.Send(ctx, "hello")
//	conv.LoadOlder(ctx)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL  = "http://localhost:8085"
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 50
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat backend's REST endpoints and builds realtime
// connections. It is safe for concurrent use.
type Client struct {
	token      string
	baseURL    string
	wsURL      string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *Metrics
	realtime   RealtimeConfig
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithWebSocketURL overrides the realtime endpoint. By default it is the
// base URL with a ws scheme and a /ws path.
func WithWebSocketURL(u string) ClientOption {
	return func(c *Client) { c.wsURL = u }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func WithRealtimeConfig(cfg RealtimeConfig) ClientOption {
	return func(c *Client) { c.realtime = cfg }
}

// NewClient creates a client authenticated with the given bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.wsURL == "" {
		c.wsURL = websocketURL(c.baseURL)
	}
	return c
}

// Token returns the bearer token the client authenticates with.
func (c *Client) Token() string { return c.token }

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// BaseURL returns the REST endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// WebSocketURL returns the realtime endpoint, derived from the base URL unless
// overridden.
func (c *Client) WebSocketURL() string { return c.wsURL }

func websocketURL(base string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
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
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// peerGone reports whether err means the peer relationship no longer exists.
func peerGone(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusNotFound, http.StatusForbidden, http.StatusGone:
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "not found")
}

func conversationPath(conversationID int64, suffix string) string {
	return "/api/conversations/" + strconv.FormatInt(conversationID, 10) + suffix
}

// ============================================================================
// Conversation API Methods
// ============================================================================

// ResolveDirect resolves the direct conversation with peer. Failures caused
// by the relationship not existing are returned as *ResolveError.
func (c *Client) ResolveDirect(ctx context.Context, peer string) (*ConversationIdentity, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/conversations/direct/resolve", nil,
		url.Values{"friendEmail": {peer}})
	if err != nil {
		if peerGone(err) {
			return nil, &ResolveError{Peer: peer, Err: err}
		}
		return nil, fmt.Errorf("resolve conversation with %q: %w", peer, err)
	}
	id, err := decodeJSON[ConversationIdentity](data)
	if err != nil {
		return nil, err
	}
	if id.ConversationID == 0 {
		return nil, &ResolveError{Peer: peer, Err: errors.New("empty conversation id")}
	}
	return id, nil
}

// LatestMessages returns up to limit of the newest messages, oldest first.
func (c *Client) LatestMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, conversationPath(conversationID, "/messages/latest"), nil,
		url.Values{"limit": {strconv.Itoa(limit)}})
	if err != nil {
		return nil, fmt.Errorf("latest messages: %w", err)
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// PagedMessages returns one page of history, newest first.
func (c *Client) PagedMessages(ctx context.Context, conversationID int64, page, size int) (*Page[Message], error) {
	data, err := c.doRequest(ctx, http.MethodGet, conversationPath(conversationID, "/messages"), nil,
		url.Values{"page": {strconv.Itoa(page)}, "size": {strconv.Itoa(size)}})
	if err != nil {
		return nil, fmt.Errorf("paged messages: %w", err)
	}
	return decodeJSON[Page[Message]](data)
}

// ReadState fetches both read markers of a conversation.
func (c *Client) ReadState(ctx context.Context, conversationID int64) (*ReadState, error) {
	data, err := c.doRequest(ctx, http.MethodGet, conversationPath(conversationID, "/messages/read-state"), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return decodeJSON[ReadState](data)
}

// MarkRead reports that the caller has read the conversation up to now.
func (c *Client) MarkRead(ctx context.Context, conversationID int64) error {
	if _, err := c.doRequest(ctx, http.MethodPost, conversationPath(conversationID, "/messages/read"), nil, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}
