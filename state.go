package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signed state tokens bind a user identity to one Google consent flow. They
// are stateless: no server-side lookup table, security rests on the HMAC and
// a narrow TTL. Wire format is the compact JWS form with typ "STATE" and
// claims {u, p, iat, exp, n}.

const (
	statePurpose    = "google_oauth"
	stateTokenType  = "STATE"
	minStateTTL     = 30 * time.Second
	defaultStateTTL = 5 * time.Minute
	stateLeeway     = 5 * time.Second
)

var (
	ErrStateMalformed      = errors.New("malformed state")
	ErrStateSignature      = errors.New("invalid state signature")
	ErrStatePayload        = errors.New("invalid state payload")
	ErrStatePurpose        = errors.New("unexpected state purpose")
	ErrStateExpired        = errors.New("state expired")
	ErrStateIssuedInFuture = errors.New("state issued in the future")
	ErrStateMissingSubject = errors.New("missing user_id in state")
)

// StatePayload is the claim set carried by a state token.
type StatePayload struct {
	UserID    string `json:"u"`
	Purpose   string `json:"p"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Nonce     string `json:"n"`
}

func (p *StatePayload) GetExpirationTime() (*jwt.NumericDate, error) {
	if p.ExpiresAt == 0 {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(p.ExpiresAt, 0)), nil
}

func (p *StatePayload) GetIssuedAt() (*jwt.NumericDate, error) {
	if p.IssuedAt == 0 {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(p.IssuedAt, 0)), nil
}

func (p *StatePayload) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }
func (p *StatePayload) GetIssuer() (string, error)              { return "", nil }
func (p *StatePayload) GetSubject() (string, error)             { return p.UserID, nil }
func (p *StatePayload) GetAudience() (jwt.ClaimStrings, error)  { return nil, nil }

// StateSigner creates and verifies signed state tokens with a server secret.
type StateSigner struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

func NewStateSigner(secret string) *StateSigner {
	return &StateSigner{
		secret: []byte(secret),
		leeway: stateLeeway,
		now:    time.Now,
	}
}

// Create issues a state token for userID. The TTL is clamped to a 30s floor
// so a caller passing a bogus value cannot mint an instantly-dead token.
func (s *StateSigner) Create(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", ErrStateMissingSubject
	}
	if ttl < minStateTTL {
		ttl = minStateTTL
	}

	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	now := s.now()
	claims := &StatePayload{
		UserID:    userID,
		Purpose:   statePurpose,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		Nonce:     base64.RawURLEncoding.EncodeToString(nonce),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["typ"] = stateTokenType
	return tok.SignedString(s.secret)
}

// Verify checks signature, shape, purpose, freshness and subject, in that
// order of severity. Expiry and issued-at are checked with a small leeway
// for clock skew.
func (s *StateSigner) Verify(token string) (*StatePayload, error) {
	if strings.Count(token, ".") != 2 {
		return nil, ErrStateMalformed
	}

	claims := &StatePayload{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrStateSignature
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrStateExpired
		case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
			return nil, ErrStateIssuedInFuture
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrStatePayload
		default:
			return nil, ErrStateMalformed
		}
	}

	if typ, _ := parsed.Header["typ"].(string); typ != stateTokenType {
		return nil, ErrStatePurpose
	}
	if claims.Purpose != statePurpose {
		return nil, ErrStatePurpose
	}
	if claims.UserID == "" {
		return nil, ErrStateMissingSubject
	}

	return claims, nil
}
