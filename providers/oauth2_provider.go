package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/goliatone/go-ledgersync/transport"
)

const defaultTokenRequestTimeout = 30 * time.Second

// OAuth2Config describes one provider's authorization-code endpoints.
type OAuth2Config struct {
	ID                  core.ProviderID
	AuthURL             string
	TokenURL            string
	RevokeURL           string
	ClientID            string
	ClientSecret        string
	ClientSecretInBody  bool
	Scopes              []string
	AuthParams          map[string]string
	TokenRequestTimeout time.Duration
	HTTPClient          *http.Client
	Now                 func() time.Time
}

// OAuth2Provider is the shared authorization-code helper embedded by every
// accounting provider.
type OAuth2Provider struct {
	cfg     OAuth2Config
	client  *http.Client
	revoker *transport.RESTAdapter
}

func NewOAuth2Provider(cfg OAuth2Config) *OAuth2Provider {
	cfg.AuthURL = strings.TrimSpace(cfg.AuthURL)
	cfg.TokenURL = strings.TrimSpace(cfg.TokenURL)
	cfg.RevokeURL = strings.TrimSpace(cfg.RevokeURL)
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	cfg.Scopes = normalizeScopes(cfg.Scopes)
	if cfg.TokenRequestTimeout <= 0 {
		cfg.TokenRequestTimeout = defaultTokenRequestTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.TokenRequestTimeout}
	}
	return &OAuth2Provider{
		cfg:     cfg,
		client:  client,
		revoker: transport.NewRESTAdapter(client),
	}
}

func (p *OAuth2Provider) ID() core.ProviderID {
	if p == nil {
		return ""
	}
	return p.cfg.ID
}

func (p *OAuth2Provider) Scopes() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.cfg.Scopes...)
}

// ValidateConfig reports missing client credentials or endpoints without
// touching the network.
func (p *OAuth2Provider) ValidateConfig() error {
	if p == nil {
		return core.NewProviderConfigError("providers: oauth2 provider is nil", nil)
	}
	missing := make([]string, 0, 4)
	if p.cfg.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if p.cfg.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if p.cfg.AuthURL == "" {
		missing = append(missing, "auth_url")
	}
	if p.cfg.TokenURL == "" {
		missing = append(missing, "token_url")
	}
	if len(missing) == 0 {
		return nil
	}
	return core.NewProviderConfigError(
		fmt.Sprintf("providers: %s is missing %s", p.cfg.ID, strings.Join(missing, ", ")), nil,
	).WithMetadata(map[string]any{"provider": string(p.cfg.ID), "missing": missing})
}

func (p *OAuth2Provider) BuildAuthorizeURL(_ context.Context, req core.AuthorizeURLRequest) (string, error) {
	if err := p.ValidateConfig(); err != nil {
		return "", err
	}
	state := strings.TrimSpace(req.State)
	if state == "" {
		return "", core.NewBadInputError("providers: authorize state is required")
	}
	scopes := normalizeScopes(req.Scopes)
	if len(scopes) == 0 {
		scopes = p.Scopes()
	}
	conf := p.oauthConfig(req.RedirectURI, scopes)
	params := make([]oauth2.AuthCodeOption, 0, len(p.cfg.AuthParams))
	for key, value := range p.cfg.AuthParams {
		params = append(params, oauth2.SetAuthURLParam(key, value))
	}
	return conf.AuthCodeURL(state, params...), nil
}

// Exchange trades an authorization code for tokens. Tenant discovery is left
// to the embedding provider.
func (p *OAuth2Provider) Exchange(ctx context.Context, code, redirectURI string) (core.TokenGrant, error) {
	if err := p.ValidateConfig(); err != nil {
		return core.TokenGrant{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return core.TokenGrant{}, core.NewAuthError("providers: authorization code is required", nil)
	}
	requestCtx, cancel := p.requestContext(ctx)
	defer cancel()

	token, err := p.oauthConfig(redirectURI, p.cfg.Scopes).Exchange(requestCtx, code)
	if err != nil {
		return core.TokenGrant{}, p.classify(ctx, "exchange", err)
	}
	return p.grantFromToken(token, ""), nil
}

// Refresh redeems refreshToken. The previous refresh token is kept when the
// provider does not rotate it.
func (p *OAuth2Provider) Refresh(ctx context.Context, refreshToken string) (core.TokenGrant, error) {
	if err := p.ValidateConfig(); err != nil {
		return core.TokenGrant{}, err
	}
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return core.TokenGrant{}, core.NewTokenExpiredError("providers: refresh token is missing", nil)
	}
	requestCtx, cancel := p.requestContext(ctx)
	defer cancel()

	source := p.oauthConfig("", p.cfg.Scopes).TokenSource(requestCtx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return core.TokenGrant{}, p.classify(ctx, "refresh", err)
	}
	return p.grantFromToken(token, refreshToken), nil
}

// Revoke posts an RFC 7009 revocation for the refresh token, falling back to
// the access token. Providers without a revocation endpoint succeed silently.
func (p *OAuth2Provider) Revoke(ctx context.Context, req core.RevokeRequest) error {
	if p == nil || p.cfg.RevokeURL == "" {
		return nil
	}
	token, hint := strings.TrimSpace(req.RefreshToken), "refresh_token"
	if token == "" {
		token, hint = strings.TrimSpace(req.AccessToken), "access_token"
	}
	if token == "" {
		return nil
	}
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", hint)
	headers := map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
	if p.cfg.ClientSecretInBody {
		form.Set("client_id", p.cfg.ClientID)
		form.Set("client_secret", p.cfg.ClientSecret)
	} else {
		headers["Authorization"] = basicAuthorization(p.cfg.ClientID, p.cfg.ClientSecret)
	}
	_, err := p.revoker.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		URL:     p.cfg.RevokeURL,
		Headers: headers,
		Body:    []byte(form.Encode()),
		Timeout: p.cfg.TokenRequestTimeout,
	})
	return err
}

func (p *OAuth2Provider) oauthConfig(redirectURI string, scopes []string) *oauth2.Config {
	style := oauth2.AuthStyleInHeader
	if p.cfg.ClientSecretInBody {
		style = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		RedirectURL:  strings.TrimSpace(redirectURI),
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.cfg.AuthURL,
			TokenURL:  p.cfg.TokenURL,
			AuthStyle: style,
		},
	}
}

func (p *OAuth2Provider) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	return context.WithTimeout(ctx, p.cfg.TokenRequestTimeout)
}

func (p *OAuth2Provider) grantFromToken(token *oauth2.Token, previousRefresh string) core.TokenGrant {
	grant := core.TokenGrant{
		AccessToken:  strings.TrimSpace(token.AccessToken),
		RefreshToken: strings.TrimSpace(token.RefreshToken),
		TokenType:    normalizeTokenType(token.TokenType),
		Scopes:       p.Scopes(),
		Metadata:     map[string]any{},
	}
	if grant.RefreshToken == "" {
		grant.RefreshToken = previousRefresh
	}
	grant.Rotated = previousRefresh != "" && grant.RefreshToken != previousRefresh
	if !token.Expiry.IsZero() {
		expiresAt := token.Expiry.UTC()
		grant.ExpiresAt = &expiresAt
	}
	if seconds := extraInt64(token, "x_refresh_token_expires_in", "refresh_token_expires_in"); seconds > 0 {
		expiresAt := p.cfg.Now().Add(time.Duration(seconds) * time.Second).UTC()
		grant.RefreshTokenExpiresAt = &expiresAt
	}
	if scope, ok := token.Extra("scope").(string); ok && strings.TrimSpace(scope) != "" {
		grant.Scopes = normalizeScopes(strings.Fields(scope))
	}
	return grant
}

// classify maps token endpoint failures onto the error taxonomy. Rejected
// grants and clients are terminal; throttling and server errors are not.
func (p *OAuth2Provider) classify(ctx context.Context, operation string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	message := fmt.Sprintf("providers: %s %s failed", p.cfg.ID, operation)
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		metadata := map[string]any{
			"provider":    string(p.cfg.ID),
			"status_code": status,
			"error_code":  retrieveErr.ErrorCode,
		}
		switch {
		case isTerminalGrantError(retrieveErr.ErrorCode):
			return core.NewAuthError(message+": "+retrieveErr.ErrorCode, nil).WithMetadata(metadata)
		case status == http.StatusTooManyRequests:
			var retryAfter time.Duration
			if retrieveErr.Response != nil {
				retryAfter = transport.ParseRetryAfter(retrieveErr.Response.Header.Get("Retry-After"), p.cfg.Now())
			}
			return core.NewRateLimitedError(message, retryAfter, nil).WithMetadata(metadata)
		case status == http.StatusRequestTimeout || status >= 500:
			return core.NewUpstreamUnavailableError(message, nil).WithMetadata(metadata)
		case status == http.StatusUnauthorized || status == http.StatusBadRequest:
			return core.NewAuthError(message, nil).WithMetadata(metadata)
		default:
			return core.NewProviderConfigError(message, nil).WithMetadata(metadata)
		}
	}
	return core.NewUpstreamUnavailableError(message, err).WithMetadata(map[string]any{"provider": string(p.cfg.ID)})
}

func isTerminalGrantError(code string) bool {
	switch strings.TrimSpace(strings.ToLower(code)) {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	default:
		return false
	}
}

func extraInt64(token *oauth2.Token, keys ...string) int64 {
	for _, key := range keys {
		switch typed := token.Extra(key).(type) {
		case float64:
			return int64(typed)
		case int64:
			return typed
		case int:
			return int64(typed)
		case string:
			var parsed int64
			if _, err := fmt.Sscan(strings.TrimSpace(typed), &parsed); err == nil {
				return parsed
			}
		}
	}
	return 0
}

func normalizeTokenType(value string) string {
	normalized := strings.TrimSpace(value)
	if normalized == "" || strings.EqualFold(normalized, "bearer") {
		return "Bearer"
	}
	return normalized
}

func normalizeScopes(input []string) []string {
	if len(input) == 0 {
		return nil
	}
	values := make([]string, 0, len(input))
	seen := map[string]struct{}{}
	for _, value := range input {
		for _, part := range strings.Fields(value) {
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			values = append(values, part)
		}
	}
	return values
}

var _ core.ConfiguredProvider = (*OAuth2Provider)(nil)
