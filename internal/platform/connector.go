package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTokenEndpoint issues connector tokens for multi-tenant bots.
	DefaultTokenEndpoint = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	// DefaultOAuthScope is the scope connector tokens are requested for.
	DefaultOAuthScope = "https://api.botframework.com/.default"

	// tokenRefreshSkew renews tokens slightly before they expire.
	tokenRefreshSkew  = time.Minute
	tokenFetchTimeout = 10 * time.Second
)

// TokenSource supplies bearer tokens for outbound connector calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ClientCredentials fetches and caches OAuth client-credentials tokens.
type ClientCredentials struct {
	appID      string
	secret     string
	endpoint   string
	scope      string
	httpClient *http.Client
	now        func() time.Time

	fetchGroup singleflight.Group

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewClientCredentials creates a token source for the bot's app registration.
// Empty endpoint or scope fall back to the Bot Framework defaults.
func NewClientCredentials(appID, secret, endpoint, scope string, httpClient *http.Client) *ClientCredentials {
	if endpoint == "" {
		endpoint = DefaultTokenEndpoint
	}
	if scope == "" {
		scope = DefaultOAuthScope
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ClientCredentials{
		appID:      appID,
		secret:     secret,
		endpoint:   endpoint,
		scope:      scope,
		httpClient: httpClient,
		now:        time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns a cached token, fetching a new one when it is near expiry.
// Concurrent callers share a single fetch.
func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	if token, ok := c.cached(); ok {
		return token, nil
	}

	// The fetch outlives any single caller, so it is detached from ctx's
	// cancellation and bounded on its own.
	result, err, _ := c.fetchGroup.Do("token", func() (any, error) {
		if token, ok := c.cached(); ok {
			return token, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenFetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *ClientCredentials) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expires.Add(-tokenRefreshSkew)) {
		return c.token, true
	}
	return "", false
}

func (c *ClientCredentials) fetch(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.appID)
	form.Set("client_secret", c.secret)
	form.Set("scope", c.scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to unmarshal token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response has no access_token")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = tr.AccessToken
	c.expires = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return c.token, nil
}

// Connector posts reply activities to the channel's service URL.
type Connector struct {
	tokens     TokenSource
	httpClient *http.Client
}

// NewConnector creates a connector. A nil token source sends unauthenticated
// replies, which the local emulator accepts.
func NewConnector(tokens TokenSource, httpClient *http.Client) *Connector {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Connector{tokens: tokens, httpClient: httpClient}
}

// SendActivity posts reply to
// {serviceURL}/v3/conversations/{conversationId}/activities/{replyToId}.
func (c *Connector) SendActivity(ctx context.Context, serviceURL string, reply *Activity) error {
	if serviceURL == "" {
		return fmt.Errorf("activity has no serviceUrl")
	}

	endpoint := strings.TrimSuffix(serviceURL, "/") +
		"/v3/conversations/" + url.PathEscape(reply.Conversation.ID) + "/activities"
	if reply.ReplyToID != "" {
		endpoint += "/" + url.PathEscape(reply.ReplyToID)
	}

	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get connector token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reply request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("connector returned status %d", resp.StatusCode)
	}
	return nil
}
