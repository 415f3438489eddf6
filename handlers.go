package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// redirectURI is the single source of truth for the callback URL.
func (a *App) redirectURI() string {
	return strings.TrimRight(a.cfg.GoogleRedirectBase, "/") + "/auth/google/callback"
}

// HandleAuthURL generates the Google consent URL for a user.
func (a *App) HandleAuthURL(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required")
		return
	}

	url, err := a.oauth.BuildConsentURL(userID, a.redirectURI())
	switch {
	case errors.Is(err, ErrClientConfigMissing):
		writeError(w, http.StatusInternalServerError, "CONFIG_ERROR", "OAuth client is not configured")
		return
	case errors.Is(err, ErrRedirectHostNotAllowed):
		writeError(w, http.StatusBadRequest, "REDIRECT_NOT_ALLOWED", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to build consent URL")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"auth_url": url})
}

// HandleCallback verifies the signed state, exchanges the authorization code
// and persists the encrypted tokens.
func (a *App) HandleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "code and state are required")
		return
	}

	payload, err := a.states.Verify(state)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_STATE", "invalid state: "+err.Error())
		return
	}

	// The authorization code is single-use: once the exchange starts, a
	// caller disconnect must not consume the code without persisting the
	// tokens, so the exchange and the write run detached.
	ctx := context.WithoutCancel(r.Context())

	result, err := a.oauth.ExchangeCode(ctx, code, a.redirectURI())
	if err != nil {
		a.logger.Warn("code exchange failed", zap.String("user_id", payload.UserID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "token exchange failed")
		return
	}

	params := UpsertParams{
		UserID:      payload.UserID,
		AccessToken: result.AccessToken,
		ExpiresAt:   result.ExpiresAt,
		Scope:       result.Scope,
	}
	if result.RefreshToken != "" {
		params.RefreshToken = &result.RefreshToken
	}
	if _, err := a.store.Upsert(ctx, params); err != nil {
		a.logger.Error("failed to save tokens", zap.String("user_id", payload.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "PERSISTENCE_ERROR", "failed to save tokens")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

// checkTokenRateLimits applies both fixed-window scopes: per caller
// credential and per (caller credential, user). Writes the 429 itself.
func (a *App) checkTokenRateLimits(w http.ResponseWriter, r *http.Request, userID string) bool {
	apiKey := apiKeyFromContext(r.Context())
	window := a.cfg.RateLimitWindowSeconds

	for _, check := range []struct {
		key   string
		limit int
	}{
		{callerLimitKey(apiKey), a.cfg.RateLimitMaxPerKey},
		{userLimitKey(apiKey, userID), a.cfg.RateLimitMaxPerUser},
	} {
		if err := a.limiter.Check(check.key, check.limit, window); err != nil {
			var rle *RateLimitError
			if errors.As(err, &rle) {
				writeRateLimited(w, rle)
			} else {
				writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "rate limit exceeded")
			}
			return false
		}
	}
	return true
}

// HandleToken returns a currently-valid access token for a user, refreshing
// transparently when needed.
func (a *App) HandleToken(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required")
		return
	}
	if !a.checkTokenRateLimits(w, r, userID) {
		return
	}

	tok, err := a.tokens.EnsureValidAccessToken(r.Context(), userID)
	if err != nil {
		writeTokenError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// HandleRevoke revokes a user's tokens upstream (best effort) and clears
// them locally. Idempotent: revoked is always true once local state is
// clean, existed reports whether live tokens were cleared.
func (a *App) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required")
		return
	}

	// Revocation and cleanup should finish even if the caller disconnects.
	ctx := context.WithoutCancel(r.Context())

	cred, err := a.store.Get(ctx, userID)
	if err != nil {
		a.logger.Error("load credential for revoke", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "PERSISTENCE_ERROR", "failed to load tokens")
		return
	}

	if cred != nil {
		// Upstream revocation is best effort: the user-facing contract is
		// "this service no longer holds usable credentials", which local
		// clearing satisfies on its own.
		for _, token := range []string{cred.AccessToken, cred.RefreshToken} {
			if token == "" {
				continue
			}
			if !a.oauth.Revoke(ctx, token) {
				a.logger.Warn("upstream revocation failed, proceeding with local cleanup",
					zap.String("user_id", userID))
			}
		}
	}

	existed, err := a.store.Clear(ctx, userID)
	if err != nil {
		a.logger.Error("clear tokens", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "PERSISTENCE_ERROR", "failed to clear tokens")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true, "existed": existed})
}

// HandlePing answers internal-auth health checks.
func (a *App) HandlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
