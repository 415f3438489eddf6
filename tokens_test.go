package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRefresher struct {
	calls  int
	gotRT  string
	result *TokenResult
	err    error
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string) (*TokenResult, error) {
	f.calls++
	f.gotRT = refreshToken
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestManager(t *testing.T, f *fakeRefresher, at time.Time) (*AccessTokenManager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore(testCipher(t))
	m := NewAccessTokenManager(store, f, zap.NewNop())
	m.now = func() time.Time { return at }
	return m, store
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func TestEnsureTokenUnknownUser(t *testing.T) {
	m, _ := newTestManager(t, &fakeRefresher{}, time.Now())
	_, err := m.EnsureValidAccessToken(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestEnsureTokenFresh(t *testing.T) {
	now := time.Now()
	f := &fakeRefresher{}
	m, store := newTestManager(t, f, now)

	_, err := store.Upsert(context.Background(), UpsertParams{
		UserID:       "u1",
		AccessToken:  "A1",
		RefreshToken: strPtr("R1"),
		ExpiresAt:    timePtr(now.Add(time.Hour)),
		Scope:        "s1 s2",
	})
	require.NoError(t, err)

	tok, err := m.EnsureValidAccessToken(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "A1", tok.AccessToken)
	require.Equal(t, []string{"s1", "s2"}, tok.Scopes)
	require.Zero(t, f.calls)
}

func TestEnsureTokenRefreshesNearExpiry(t *testing.T) {
	now := time.Now()
	f := &fakeRefresher{result: &TokenResult{
		AccessToken: "A2",
		ExpiresAt:   timePtr(now.Add(time.Hour)),
		Scope:       "s1",
	}}
	m, store := newTestManager(t, f, now)

	// inside the 30s skew, so stale
	_, err := store.Upsert(context.Background(), UpsertParams{
		UserID:       "u1",
		AccessToken:  "A1",
		RefreshToken: strPtr("R1"),
		ExpiresAt:    timePtr(now.Add(10 * time.Second)),
		Scope:        "s1",
	})
	require.NoError(t, err)

	tok, err := m.EnsureValidAccessToken(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "A2", tok.AccessToken)
	require.Equal(t, 1, f.calls)
	require.Equal(t, "R1", f.gotRT)

	// the stored refresh token survives the rewrite
	cred, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "A2", cred.AccessToken)
	require.Equal(t, "R1", cred.RefreshToken)
}

func TestEnsureTokenAbsentExpiryForcesRefresh(t *testing.T) {
	now := time.Now()
	f := &fakeRefresher{result: &TokenResult{
		AccessToken: "A2",
		ExpiresAt:   timePtr(now.Add(time.Hour)),
	}}
	m, store := newTestManager(t, f, now)

	_, err := store.Upsert(context.Background(), UpsertParams{
		UserID:       "u1",
		AccessToken:  "A1",
		RefreshToken: strPtr("R1"),
		Scope:        "s1",
	})
	require.NoError(t, err)

	tok, err := m.EnsureValidAccessToken(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "A2", tok.AccessToken)
	require.Equal(t, 1, f.calls)
	// scope falls back to the stored one when the refresh omits it
	require.Equal(t, []string{"s1"}, tok.Scopes)
}

func TestEnsureTokenReconnectRequired(t *testing.T) {
	now := time.Now()
	f := &fakeRefresher{}
	m, store := newTestManager(t, f, now)

	_, err := store.Upsert(context.Background(), UpsertParams{
		UserID:      "u1",
		AccessToken: "A1",
		ExpiresAt:   timePtr(now.Add(-time.Minute)),
		Scope:       "s1",
	})
	require.NoError(t, err)

	_, err = m.EnsureValidAccessToken(context.Background(), "u1")
	require.ErrorIs(t, err, ErrReconnectRequired)
	require.Zero(t, f.calls)
}

func TestEnsureTokenRefreshFailurePropagates(t *testing.T) {
	now := time.Now()
	f := &fakeRefresher{err: errors.New("boom")}
	m, store := newTestManager(t, f, now)

	_, err := store.Upsert(context.Background(), UpsertParams{
		UserID:       "u1",
		AccessToken:  "A1",
		RefreshToken: strPtr("R1"),
		ExpiresAt:    timePtr(now.Add(-time.Minute)),
	})
	require.NoError(t, err)

	_, err = m.EnsureValidAccessToken(context.Background(), "u1")
	require.Error(t, err)
	require.Equal(t, "boom", err.Error())
}

func TestClassifyCredential(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name string
		cred *Credential
		want credentialState
	}{
		{"fresh", &Credential{AccessToken: "A", RefreshToken: "R", ExpiresAt: timePtr(now.Add(time.Hour))}, credentialFresh},
		{"expiring inside skew", &Credential{AccessToken: "A", RefreshToken: "R", ExpiresAt: timePtr(now.Add(10 * time.Second))}, credentialStaleRefreshable},
		{"expired with refresh", &Credential{AccessToken: "A", RefreshToken: "R", ExpiresAt: timePtr(now.Add(-time.Hour))}, credentialStaleRefreshable},
		{"expired without refresh", &Credential{AccessToken: "A", ExpiresAt: timePtr(now.Add(-time.Hour))}, credentialStaleUnrefreshable},
		{"no expiry", &Credential{AccessToken: "A", RefreshToken: "R"}, credentialStaleRefreshable},
		{"no access token", &Credential{RefreshToken: "R", ExpiresAt: timePtr(now.Add(time.Hour))}, credentialStaleRefreshable},
		{"cleared row", &Credential{}, credentialStaleUnrefreshable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classifyCredential(tc.cred, now, 30*time.Second))
		})
	}
}
