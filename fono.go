// Package fono provides the Go client SDK for the fono family chat backend.
//
// Covers the chat REST API, the user directory, and the realtime broker
// (Pusher protocol) with a conversation sync engine on top.
//
// Example:
//
//	tokens := fono.NewStaticTokenProvider(jwt, "github|204113180")
//	client := fono.NewClient(tokens)
//
//	// REST surface
//	history, _ := client.Messages.History(ctx, "google-oauth2|117")
//	client.Messages.Send(ctx, fono.SendMessageRequest{...})
//	roster, _ := client.Users.List(ctx)
//
//	// Realtime + sync engine
//	transport := fono.NewWSTransport(&fono.TransportConfig{URL: wsURL, Authorizer: client})
//	engine := fono.NewEngine(client, transport, nil)
//	engine.Start(ctx)
package fono

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:3000/api/v1"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	audience   string
	httpClient *http.Client
	logger     *slog.Logger

	tokensMu sync.RWMutex
	tokens   TokenProvider

	Messages *MessagesClient
	Users    *UsersClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithAudience sets the token audience requested from the TokenProvider.
func WithAudience(audience string) ClientOption {
	return func(c *Client) { c.audience = audience }
}

// WithLogger sets the logger used by the client and its sub-clients.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new fono client.
// tokens may be nil for an unauthenticated client; every request that needs
// a bearer token then fails with ErrNotAuthenticated.
func NewClient(tokens TokenProvider, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Messages = &MessagesClient{client: c}
	c.Users = &UsersClient{client: c}
	return c
}

// SetTokenProvider sets or replaces the token provider, for example after a
// login flow completes. Safe to call while requests are in flight.
func (c *Client) SetTokenProvider(tokens TokenProvider) {
	c.tokensMu.Lock()
	c.tokens = tokens
	c.tokensMu.Unlock()
}

func (c *Client) tokenProvider() TokenProvider {
	c.tokensMu.RLock()
	defer c.tokensMu.RUnlock()
	return c.tokens
}

// Subject returns the authenticated user's subject id, or "" when the
// client is unauthenticated.
func (c *Client) Subject() string {
	tokens := c.tokenProvider()
	if tokens == nil {
		return ""
	}
	return tokens.Subject()
}

// Authenticated reports whether the client carries a usable identity.
func (c *Client) Authenticated() bool {
	return c.Subject() != ""
}

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	tokens := c.tokenProvider()
	if tokens == nil {
		return nil, ErrNotAuthenticated
	}
	token, err := tokens.Token(ctx, c.audience)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}

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
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		c.logger.Debug("request rejected",
			"method", method, "path", path, "status", resp.StatusCode)
		return nil, apiErr
	}

	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Messages Sub-Client
// ============================================================================

// MessagesClient handles the chat message endpoints.
type MessagesClient struct{ client *Client }

// History fetches the full message history with a conversation partner.
// The backend returns a bare JSON array, unsorted.
func (m *MessagesClient) History(ctx context.Context, partnerID string) ([]Message, error) {
	data, err := m.client.doRequest(ctx, "GET", "/chat_messages", nil,
		map[string]string{"participantId": partnerID})
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](data)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// Send persists a message and returns the backend's record of it.
func (m *MessagesClient) Send(ctx context.Context, msg SendMessageRequest) (*Message, error) {
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	data, err := m.client.doRequest(ctx, "POST", "/chat_messages", msg, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Message](data)
}

// Delete removes a single message by id.
func (m *MessagesClient) Delete(ctx context.Context, messageID string) error {
	_, err := m.client.doRequest(ctx, "DELETE", "/chat_messages/"+messageID, nil, nil)
	return err
}

// Typing relays a typing indicator to the target user's channel.
func (m *MessagesClient) Typing(ctx context.Context, action TypingAction, targetUserID string) error {
	_, err := m.client.doRequest(ctx, "POST", "/pusher/typing", map[string]string{
		"action":       string(action),
		"targetUserId": targetUserID,
	}, nil)
	return err
}

// ============================================================================
// Users Sub-Client
// ============================================================================

// UsersClient handles the user directory endpoints.
type UsersClient struct{ client *Client }

// List returns the roster of all known users.
func (u *UsersClient) List(ctx context.Context) ([]User, error) {
	data, err := u.client.doRequest(ctx, "GET", "/users", nil, nil)
	if err != nil {
		return nil, err
	}
	users, err := decodeJSON[[]User](data)
	if err != nil {
		return nil, err
	}
	return *users, nil
}

// Me returns the authenticated user's own directory entry.
func (u *UsersClient) Me(ctx context.Context) (*User, error) {
	data, err := u.client.doRequest(ctx, "GET", "/users/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// UpdateProfile updates display name and/or avatar.
func (u *UsersClient) UpdateProfile(ctx context.Context, updates ProfileUpdate) (*User, error) {
	data, err := u.client.doRequest(ctx, "PUT", "/users/profile", updates, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// UpdateStatus sets the presence status ("online", "away", "offline").
func (u *UsersClient) UpdateStatus(ctx context.Context, status string) error {
	_, err := u.client.doRequest(ctx, "PUT", "/users/status",
		map[string]string{"status": status}, nil)
	return err
}
