package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// refresher is the slice of the exchange client the manager needs.
type refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResult, error)
}

// credentialState makes the freshness decision explicit instead of deriving
// it from nullable checks at every call site.
type credentialState int

const (
	credentialFresh credentialState = iota
	credentialStaleRefreshable
	credentialStaleUnrefreshable
)

// classifyCredential decides what to do with a stored row. Unknown expiry is
// treated as stale: expiry is a trust signal, not a guarantee, so unknown
// means "verify".
func classifyCredential(cred *Credential, now time.Time, skew time.Duration) credentialState {
	stale := true
	if cred.ExpiresAt != nil && cred.AccessToken != "" {
		stale = cred.ExpiresAt.Sub(now) <= skew
	}
	if !stale {
		return credentialFresh
	}
	if cred.RefreshToken != "" {
		return credentialStaleRefreshable
	}
	return credentialStaleUnrefreshable
}

// AccessTokenManager guarantees callers always receive a currently-valid
// access token, refreshing transparently through the exchange client when
// the stored one is expired or near expiry.
//
// Two concurrent requests for the same expired user may both trigger a
// refresh; the outcome is idempotent (last write wins, both callers get a
// valid token) so no per-user mutual exclusion is taken.
type AccessTokenManager struct {
	store  CredentialStore
	oauth  refresher
	skew   time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewAccessTokenManager(store CredentialStore, oauth refresher, logger *zap.Logger) *AccessTokenManager {
	return &AccessTokenManager{
		store:  store,
		oauth:  oauth,
		skew:   expirySkew,
		now:    time.Now,
		logger: logger,
	}
}

// EnsureValidAccessToken returns a token valid for at least the skew
// duration at the moment of return.
func (m *AccessTokenManager) EnsureValidAccessToken(ctx context.Context, userID string) (*AccessToken, error) {
	cred, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return nil, ErrTokenNotFound
	}

	switch classifyCredential(cred, m.now(), m.skew) {
	case credentialFresh:
		return &AccessToken{
			AccessToken: cred.AccessToken,
			ExpiresAt:   cred.ExpiresAt,
			Scopes:      cred.Scopes,
		}, nil
	case credentialStaleUnrefreshable:
		return nil, ErrReconnectRequired
	}

	// The caller may disconnect mid-refresh; a completed refresh is still
	// worth persisting, so the upstream call runs detached from the
	// caller's cancellation.
	refreshCtx := context.WithoutCancel(ctx)

	result, err := m.oauth.Refresh(refreshCtx, cred.RefreshToken)
	if err != nil {
		return nil, err
	}

	scope := result.Scope
	if scope == "" {
		scope = strings.Join(cred.Scopes, " ")
	}

	// Re-persist the new access token; the stored refresh token stays
	// untouched (nil means "not supplied" to the store).
	if _, err := m.store.Upsert(refreshCtx, UpsertParams{
		UserID:      userID,
		AccessToken: result.AccessToken,
		ExpiresAt:   result.ExpiresAt,
		Scope:       scope,
	}); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	m.logger.Info("access token refreshed", zap.String("user_id", userID))

	return &AccessToken{
		AccessToken: result.AccessToken,
		ExpiresAt:   result.ExpiresAt,
		Scopes:      strings.Fields(scope),
	}, nil
}
