package fono

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ============================================================================
// Token Providers
// ============================================================================

// TokenProvider supplies bearer tokens for API calls and the subject id of
// the authenticated user.
type TokenProvider interface {
	Token(ctx context.Context, audience string) (string, error)
	Subject() string
}

// StaticTokenProvider returns a fixed token. Intended for the CLI and tests.
type StaticTokenProvider struct {
	token   string
	subject string
}

func NewStaticTokenProvider(token, subject string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token, subject: subject}
}

func (p *StaticTokenProvider) Token(ctx context.Context, audience string) (string, error) {
	if p.token == "" {
		return "", ErrNotAuthenticated
	}
	return p.token, nil
}

func (p *StaticTokenProvider) Subject() string { return p.subject }

// TokenFetchFunc fetches a fresh access token for an audience, typically
// from an identity provider.
type TokenFetchFunc func(ctx context.Context, audience string) (string, error)

// CachingTokenProvider wraps a fetch function and caches the token until
// shortly before its exp claim. The claim is read without signature
// verification; the backend is the verifier.
type CachingTokenProvider struct {
	fetch   TokenFetchFunc
	subject string
	leeway  time.Duration

	mu     sync.Mutex
	cached string
	expiry time.Time
}

func NewCachingTokenProvider(subject string, fetch TokenFetchFunc) *CachingTokenProvider {
	return &CachingTokenProvider{
		fetch:   fetch,
		subject: subject,
		leeway:  30 * time.Second,
	}
}

func (p *CachingTokenProvider) Subject() string { return p.subject }

func (p *CachingTokenProvider) Token(ctx context.Context, audience string) (string, error) {
	p.mu.Lock()
	if p.cached != "" && !p.expiry.IsZero() && time.Now().Before(p.expiry.Add(-p.leeway)) {
		token := p.cached
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	token, err := p.fetch(ctx, audience)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}

	p.mu.Lock()
	p.cached = token
	p.expiry = tokenExpiry(token)
	p.mu.Unlock()

	return token, nil
}

// tokenExpiry extracts the exp claim, or zero time when absent or unreadable
// (such tokens are refetched every call).
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// ============================================================================
// Channel Authorization
// ============================================================================

// ChannelAuthorizer signs private channel subscriptions. The broker hands
// the signature back to the server in the subscribe frame.
type ChannelAuthorizer interface {
	AuthorizeChannel(ctx context.Context, socketID, channelName string) (json.RawMessage, error)
}

type channelAuthRequest struct {
	SocketID    string `json:"socket_id"`
	ChannelName string `json:"channel_name"`
}

// AuthorizeChannel requests a private channel signature from the backend.
// HTTP 403 maps to ErrAccessDenied and must not be retried.
func (c *Client) AuthorizeChannel(ctx context.Context, socketID, channelName string) (json.RawMessage, error) {
	data, err := c.doRequest(ctx, "POST", "/pusher/auth", channelAuthRequest{
		SocketID:    socketID,
		ChannelName: channelName,
	}, nil)
	if err != nil {
		if apiErr, ok := AsAPIError(err); ok && apiErr.Status == 403 {
			return nil, fmt.Errorf("authorize %s: %w", channelName, ErrAccessDenied)
		}
		return nil, err
	}
	return json.RawMessage(data), nil
}
