package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"

	"github.com/example/tokenbroker/internal/config"
)

func newHandlersApp(t *testing.T) (*App, *fakeTokenEndpoint) {
	t.Helper()
	f := &fakeTokenEndpoint{
		accessToken:  "AT",
		refreshToken: "RT",
		expiresIn:    3600,
		scope:        "s1 s2",
		revokeStatus: http.StatusOK,
	}
	oauth := newTestExchangeClient(t, f.server(t))
	store := NewMemoryStore(testCipher(t))

	app := &App{
		cfg: &config.Config{
			GoogleRedirectBase:     "http://localhost:8080",
			InternalAPIKey:         "internal-key",
			AllowedRedirectHosts:   []string{"localhost", "127.0.0.1"},
			RateLimitWindowSeconds: 60,
			RateLimitMaxPerKey:     120,
			RateLimitMaxPerUser:    60,
		},
		logger:        zap.NewNop(),
		store:         store,
		states:        oauth.states,
		oauth:         oauth,
		tokens:        NewAccessTokenManager(store, oauth, zap.NewNop()),
		limiter:       NewFixedWindowLimiter(),
		callerLimiter: newCallerLimiter(300),
	}
	return app, f
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	return m
}

func TestHandleAuthURL(t *testing.T) {
	app, _ := newHandlersApp(t)

	rec := httptest.NewRecorder()
	app.HandleAuthURL(rec, httptest.NewRequest("GET", "/auth/google/url", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	app.HandleAuthURL(rec, httptest.NewRequest("GET", "/auth/google/url?user_id=u1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, decodeBody(t, rec)["auth_url"])
}

func TestHandleAuthURLConfigError(t *testing.T) {
	app, _ := newHandlersApp(t)
	app.oauth.clientID = ""

	rec := httptest.NewRecorder()
	app.HandleAuthURL(rec, httptest.NewRequest("GET", "/auth/google/url?user_id=u1", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "CONFIG_ERROR", decodeBody(t, rec)["error_code"])
}

func TestCallbackAndTokenFlow(t *testing.T) {
	app, _ := newHandlersApp(t)

	state, err := app.states.Create("u1", 5*time.Minute)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.HandleCallback(rec, httptest.NewRequest("GET", "/auth/google/callback?code=c&state="+state, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decodeBody(t, rec)["connected"])

	cred, err := app.store.Get(httptest.NewRequest("GET", "/", nil).Context(), "u1")
	require.NoError(t, err)
	require.NotNil(t, cred)
	require.Equal(t, "AT", cred.AccessToken)
	require.Equal(t, "RT", cred.RefreshToken)

	// the stored token is fresh, so the token endpoint returns it as-is
	rec = httptest.NewRecorder()
	app.HandleToken(rec, httptest.NewRequest("GET", "/auth/google/token?user_id=u1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "AT", decodeBody(t, rec)["access_token"])
}

func TestCallbackSurvivesCallerDisconnect(t *testing.T) {
	app, _ := newHandlersApp(t)

	state, err := app.states.Create("u1", 5*time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/auth/google/callback?code=c&state="+state, nil)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	app.HandleCallback(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// the single-use code was consumed, so the tokens must have landed
	cred, err := app.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, cred)
	require.Equal(t, "AT", cred.AccessToken)
	require.Equal(t, "RT", cred.RefreshToken)
}

func TestCallbackRejectsBadState(t *testing.T) {
	app, _ := newHandlersApp(t)

	rec := httptest.NewRecorder()
	app.HandleCallback(rec, httptest.NewRequest("GET", "/auth/google/callback?code=c&state=garbage", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "INVALID_STATE", decodeBody(t, rec)["error_code"])

	rec = httptest.NewRecorder()
	app.HandleCallback(rec, httptest.NewRequest("GET", "/auth/google/callback?code=c", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackUpstreamFailure(t *testing.T) {
	app, f := newHandlersApp(t)
	f.status = http.StatusBadRequest
	f.body = `{"error":"invalid_grant"}`

	state, err := app.states.Create("u1", 5*time.Minute)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.HandleCallback(rec, httptest.NewRequest("GET", "/auth/google/callback?code=bad&state="+state, nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "UPSTREAM_ERROR", decodeBody(t, rec)["error_code"])
}

func TestHandleTokenUnknownUser(t *testing.T) {
	app, _ := newHandlersApp(t)

	rec := httptest.NewRecorder()
	app.HandleToken(rec, httptest.NewRequest("GET", "/auth/google/token?user_id=nobody", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "TOKEN_NOT_FOUND", decodeBody(t, rec)["error_code"])
}

func TestHandleTokenRateLimited(t *testing.T) {
	app, _ := newHandlersApp(t)
	app.cfg.RateLimitMaxPerUser = 1

	state, err := app.states.Create("u1", 5*time.Minute)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	app.HandleCallback(rec, httptest.NewRequest("GET", "/auth/google/callback?code=c&state="+state, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.HandleToken(rec, httptest.NewRequest("GET", "/auth/google/token?user_id=u1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.HandleToken(rec, httptest.NewRequest("GET", "/auth/google/token?user_id=u1", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	// a different user under the same caller is still allowed
	rec = httptest.NewRecorder()
	app.HandleToken(rec, httptest.NewRequest("GET", "/auth/google/token?user_id=u2", nil))
	require.NotEqual(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleRevoke(t *testing.T) {
	app, _ := newHandlersApp(t)

	state, err := app.states.Create("u1", 5*time.Minute)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	app.HandleCallback(rec, httptest.NewRequest("GET", "/auth/google/callback?code=c&state="+state, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.HandleRevoke(rec, httptest.NewRequest("POST", "/auth/google/revoke?user_id=u1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["revoked"])
	require.Equal(t, true, body["existed"])

	// idempotent: second revoke reports nothing live
	rec = httptest.NewRecorder()
	app.HandleRevoke(rec, httptest.NewRequest("POST", "/auth/google/revoke?user_id=u1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	require.Equal(t, true, body["revoked"])
	require.Equal(t, false, body["existed"])

	// the cleared row now demands a reconnect
	rec = httptest.NewRecorder()
	app.HandleToken(rec, httptest.NewRequest("GET", "/auth/google/token?user_id=u1", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "RECONNECT_REQUIRED", decodeBody(t, rec)["error_code"])
}

func TestHandleRevokeSurvivesUpstreamFailure(t *testing.T) {
	app, f := newHandlersApp(t)
	f.revokeStatus = http.StatusInternalServerError

	state, err := app.states.Create("u1", 5*time.Minute)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	app.HandleCallback(rec, httptest.NewRequest("GET", "/auth/google/callback?code=c&state="+state, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.HandleRevoke(rec, httptest.NewRequest("POST", "/auth/google/revoke?user_id=u1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decodeBody(t, rec)["revoked"])
}

func TestHandlePing(t *testing.T) {
	app, _ := newHandlersApp(t)
	rec := httptest.NewRecorder()
	app.HandlePing(rec, httptest.NewRequest("GET", "/internal/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decodeBody(t, rec)["ok"])
}

func TestGoogleHandlersRequireUser(t *testing.T) {
	app, _ := newHandlersApp(t)

	handlers := map[string]http.HandlerFunc{
		"drive me":       app.HandleDriveMe,
		"drive files":    app.HandleDriveFiles,
		"doc text":       app.HandleDocText,
		"doc raw":        app.HandleDoc,
		"sheet values":   app.HandleSheetValues,
		"slides summary": app.HandleSlidesSummary,
		"slides raw":     app.HandleSlides,
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest("GET", "/google/x", nil))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, "INVALID_REQUEST", decodeBody(t, rec)["error_code"])
		})
	}
}

func TestWriteGoogleError(t *testing.T) {
	app, _ := newHandlersApp(t)

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"google 401", &googleapi.Error{Code: http.StatusUnauthorized}, http.StatusConflict, "RECONNECT_REQUIRED"},
		{"google 500", &googleapi.Error{Code: http.StatusInternalServerError}, http.StatusBadGateway, "GOOGLE_API_ERROR"},
		{"token not found", ErrTokenNotFound, http.StatusNotFound, "TOKEN_NOT_FOUND"},
		{"reconnect", ErrReconnectRequired, http.StatusConflict, "RECONNECT_REQUIRED"},
		{"refresh failed", ErrRefreshFailed, http.StatusBadGateway, "UPSTREAM_ERROR"},
		{"network", errors.New("dial tcp: timeout"), http.StatusBadGateway, "GOOGLE_API_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			app.writeGoogleError(rec, tc.err)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.code, decodeBody(t, rec)["error_code"])
		})
	}
}
