package main

import "time"

// Credential is the single persisted token row for a user. Token fields hold
// plaintext only between the store boundary and the caller; at rest they are
// ciphertext.
type Credential struct {
	ID           int64
	UserID       string
	AccessToken  string // "" when absent or undecryptable
	RefreshToken string // "" when absent or undecryptable
	ExpiresAt    *time.Time
	Scopes       []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasTokens reports whether the row still carries any token material.
// A cleared row keeps existing for the audit trail.
func (c *Credential) HasTokens() bool {
	return c.AccessToken != "" || c.RefreshToken != ""
}

// UpsertParams carries one write to the credential store. RefreshToken is a
// pointer because "not supplied" must be distinguishable from "supplied
// empty": Google often omits refresh_token on re-consent and the previously
// stored one has to survive.
type UpsertParams struct {
	UserID       string
	AccessToken  string
	RefreshToken *string
	ExpiresAt    *time.Time
	Scope        string // space-delimited, as returned by Google
}

// TokenResult is what the exchange client returns from the token endpoint.
type TokenResult struct {
	AccessToken  string
	RefreshToken string // may be empty on re-consent
	ExpiresAt    *time.Time
	Scope        string
}

// AccessToken is the broker's answer to "give me a valid token for user X".
type AccessToken struct {
	AccessToken string     `json:"access_token"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Scopes      []string   `json:"scopes"`
}
