package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/example/tokenbroker/internal/config"
)

const (
	exchangeTimeout = 15 * time.Second
	revokeTimeout   = 10 * time.Second

	// expirySkew is subtracted from Google's declared lifetime so a token is
	// never handed out in its last moments.
	expirySkew = 30 * time.Second

	googleRevokeEndpoint = "https://oauth2.googleapis.com/revoke"
)

// googleScopes are the Workspace scopes this broker requests. Read-only on
// purpose: the passthrough surface only ever reads.
var googleScopes = []string{
	"https://www.googleapis.com/auth/drive.readonly",
	"https://www.googleapis.com/auth/documents.readonly",
	"https://www.googleapis.com/auth/spreadsheets.readonly",
	"https://www.googleapis.com/auth/presentations.readonly",
}

// ExchangeClient talks to Google's authorization server: consent URLs, code
// exchange, refresh grants and best-effort revocation. Every call is a single
// round trip under a bounded timeout.
type ExchangeClient struct {
	clientID     string
	clientSecret string
	allowedHosts []string
	states       *StateSigner
	logger       *zap.Logger

	endpoint   oauth2.Endpoint
	revokeURL  string
	httpClient *http.Client
}

func NewExchangeClient(cfg *config.Config, states *StateSigner, logger *zap.Logger) *ExchangeClient {
	return &ExchangeClient{
		clientID:     cfg.GoogleClientID,
		clientSecret: cfg.GoogleClientSecret,
		allowedHosts: cfg.AllowedRedirectHosts,
		states:       states,
		logger:       logger,
		endpoint:     google.Endpoint,
		revokeURL:    googleRevokeEndpoint,
		httpClient:   &http.Client{},
	}
}

func (c *ExchangeClient) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     c.endpoint,
		RedirectURL:  redirectURI,
		Scopes:       googleScopes,
	}
}

func (c *ExchangeClient) ensureClientConfig() error {
	if c.clientID == "" || c.clientSecret == "" {
		return ErrClientConfigMissing
	}
	return nil
}

// validateRedirectHost rejects redirect URIs pointing anywhere outside the
// explicit allow-list. Tokens leak to whoever receives the redirect.
func (c *ExchangeClient) validateRedirectHost(redirectURI string) error {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrRedirectHostNotAllowed, redirectURI)
	}
	host := u.Hostname()
	for _, allowed := range c.allowedHosts {
		if host == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrRedirectHostNotAllowed, host)
}

// BuildConsentURL composes the Google authorization URL for userID,
// embedding a fresh signed state. Offline access and forced consent are
// requested so the first grant always yields a refresh token.
func (c *ExchangeClient) BuildConsentURL(userID, redirectURI string) (string, error) {
	if err := c.ensureClientConfig(); err != nil {
		return "", err
	}
	if err := c.validateRedirectHost(redirectURI); err != nil {
		return "", err
	}

	state, err := c.states.Create(userID, defaultStateTTL)
	if err != nil {
		return "", fmt.Errorf("create state: %w", err)
	}

	return c.oauthConfig(redirectURI).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	), nil
}

// ExchangeCode trades an authorization code for tokens.
func (c *ExchangeClient) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResult, error) {
	if err := c.ensureClientConfig(); err != nil {
		return nil, err
	}
	if err := c.validateRedirectHost(redirectURI); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.oauthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, upstreamError(ErrExchangeFailed, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access_token in response", ErrExchangeFailed)
	}

	return &TokenResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken, // may be absent on re-consent
		ExpiresAt:    skewedExpiry(tok.Expiry),
		Scope:        tokenScope(tok),
	}, nil
}

// Refresh mints a new access token from a stored refresh token.
func (c *ExchangeClient) Refresh(ctx context.Context, refreshToken string) (*TokenResult, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh_token required", ErrInvalidArgument)
	}
	if err := c.ensureClientConfig(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	src := c.oauthConfig("").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, upstreamError(ErrRefreshFailed, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access_token in response", ErrRefreshFailed)
	}

	return &TokenResult{
		AccessToken: tok.AccessToken,
		ExpiresAt:   skewedExpiry(tok.Expiry),
		Scope:       tokenScope(tok),
	}, nil
}

// Revoke asks Google to invalidate a token. Best-effort: both "revoked" and
// "already invalid" (200 and 400) count as success, and callers proceed with
// local cleanup whatever the outcome.
func (c *ExchangeClient) Revoke(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("token revocation request failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusBadRequest
	if !ok {
		c.logger.Warn("token revocation rejected", zap.Int("status", resp.StatusCode))
	}
	return ok
}

// upstreamError wraps a token-endpoint failure, keeping the status and a
// truncated body for diagnostics. Credentials never appear in error bodies.
func upstreamError(sentinel error, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return fmt.Errorf("%w: status %d: %s", sentinel, status, truncateBody(re.Body))
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}

func truncateBody(b []byte) string {
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

func skewedExpiry(expiry time.Time) *time.Time {
	if expiry.IsZero() {
		return nil
	}
	t := expiry.Add(-expirySkew).UTC()
	return &t
}

func tokenScope(tok *oauth2.Token) string {
	if s, ok := tok.Extra("scope").(string); ok {
		return s
	}
	return ""
}
