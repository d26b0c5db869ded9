package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultOpenIDMetadataURL describes the keys channel tokens are signed with.
	DefaultOpenIDMetadataURL = "https://login.botframework.com/v1/.well-known/openidconfiguration"
	// DefaultChannelIssuer is the iss claim of channel-issued tokens.
	DefaultChannelIssuer = "https://api.botframework.com"
)

// Authenticator validates the Authorization header of an inbound activity.
type Authenticator interface {
	Authenticate(ctx context.Context, authHeader string, act *Activity) error
}

// NoAuth accepts every request. It is used when no app id is configured,
// which is how the local emulator runs.
type NoAuth struct{}

// Authenticate always succeeds.
func (NoAuth) Authenticate(context.Context, string, *Activity) error { return nil }

// ChannelClaims are the claims carried by a channel-issued bearer token.
type ChannelClaims struct {
	jwt.RegisteredClaims
	ServiceURL string `json:"serviceurl,omitempty"`
}

// JWTAuthenticator validates bearer tokens whose audience is the bot's app id.
type JWTAuthenticator struct {
	appID   string
	issuer  string
	keyFunc jwt.Keyfunc
	methods []string
}

// NewJWTAuthenticator validates tokens with keyFunc, accepting only the
// listed signing methods.
func NewJWTAuthenticator(appID string, keyFunc jwt.Keyfunc, methods ...string) *JWTAuthenticator {
	return &JWTAuthenticator{appID: appID, keyFunc: keyFunc, methods: methods}
}

// NewChannelAuthenticator validates RS256 channel tokens against the signing
// keys published in the OpenID metadata document. Keys are refreshed in the
// background until ctx is done. Empty metadataURL or issuer use the Bot
// Framework defaults.
func NewChannelAuthenticator(ctx context.Context, appID, metadataURL, issuer string, httpClient *http.Client) (*JWTAuthenticator, error) {
	if metadataURL == "" {
		metadataURL = DefaultOpenIDMetadataURL
	}
	if issuer == "" {
		issuer = DefaultChannelIssuer
	}

	jwksURL, err := ResolveJWKSURL(ctx, httpClient, metadataURL)
	if err != nil {
		return nil, err
	}
	keys, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("load signing keys from %s: %w", jwksURL, err)
	}

	a := NewJWTAuthenticator(appID, keys.Keyfunc, jwt.SigningMethodRS256.Alg())
	a.issuer = issuer
	return a, nil
}

// ResolveJWKSURL reads jwks_uri from an OpenID metadata document.
func ResolveJWKSURL(ctx context.Context, httpClient *http.Client, metadataURL string) (string, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return "", fmt.Errorf("build metadata request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch openid metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openid metadata returned status %d", resp.StatusCode)
	}
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("decode openid metadata: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("openid metadata has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

// NewSharedSecretAuthenticator validates HS256 tokens signed with secret.
// Channels never issue these; it exists for local tooling and tests.
func NewSharedSecretAuthenticator(appID, secret string) *JWTAuthenticator {
	key := []byte(secret)
	return NewJWTAuthenticator(appID, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.SigningMethodHS256.Alg())
}

// Authenticate checks the bearer token's signature, expiry, audience and
// issuer (when configured). A serviceurl claim must match the activity.
func (a *JWTAuthenticator) Authenticate(_ context.Context, authHeader string, act *Activity) error {
	if authHeader == "" {
		return fmt.Errorf("missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return fmt.Errorf("invalid authorization format")
	}

	opts := []jwt.ParserOption{
		jwt.WithAudience(a.appID),
		jwt.WithExpirationRequired(),
	}
	if len(a.methods) > 0 {
		opts = append(opts, jwt.WithValidMethods(a.methods))
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(parts[1], &ChannelClaims{}, a.keyFunc, opts...)
	if err != nil {
		return fmt.Errorf("validate token: %w", err)
	}
	claims, ok := token.Claims.(*ChannelClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid token claims")
	}

	if claims.ServiceURL != "" && act != nil && !sameServiceURL(claims.ServiceURL, act.ServiceURL) {
		return fmt.Errorf("serviceurl claim %q does not match activity", claims.ServiceURL)
	}
	return nil
}

func sameServiceURL(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "/"), strings.TrimSuffix(b, "/"))
}
