package main

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// CredentialStore owns the single persisted token row per user. Encryption
// happens at this boundary: callers see plaintext, storage sees ciphertext,
// and nothing in between holds a token longer than one call.
type CredentialStore interface {
	// Upsert writes tokens for a user, creating the row on first contact.
	// The refresh token is only overwritten when a new one is supplied.
	Upsert(ctx context.Context, p UpsertParams) (*Credential, error)
	// Get returns the decrypted row, or (nil, nil) when the user is unknown.
	Get(ctx context.Context, userID string) (*Credential, error)
	// Clear blanks the token fields but keeps the row for the audit trail.
	// Idempotent: reports false when there was nothing live to clear.
	Clear(ctx context.Context, userID string) (bool, error)
}

func encodeScopes(scope string) string {
	b, _ := json.Marshal(strings.Fields(scope))
	return string(b)
}

func decodeScopes(s string) []string {
	if s == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return []string{}
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// decryptField turns undecryptable ciphertext into absence; staleness logic
// upstream already treats missing data as "needs refresh".
func decryptField(c *Cipher, enc string) string {
	if enc == "" {
		return ""
	}
	plain, ok := c.Decrypt(enc)
	if !ok {
		return ""
	}
	return plain
}

// Memory store, for tests and local development.

type memRow struct {
	id         int64
	accessEnc  string
	refreshEnc string
	expiresAt  *time.Time
	scopesJSON string
	createdAt  time.Time
	updatedAt  time.Time
}

type MemoryStore struct {
	cipher *Cipher
	mu     sync.Mutex
	rows   map[string]*memRow
	seq    int64
	now    func() time.Time
}

func NewMemoryStore(cipher *Cipher) *MemoryStore {
	return &MemoryStore{cipher: cipher, rows: map[string]*memRow{}, seq: 1, now: time.Now}
}

func (m *MemoryStore) Upsert(_ context.Context, p UpsertParams) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	row, ok := m.rows[p.UserID]
	if !ok {
		row = &memRow{id: m.seq, createdAt: now}
		m.seq++
		m.rows[p.UserID] = row
	}
	row.accessEnc = m.cipher.Encrypt(p.AccessToken)
	if p.RefreshToken != nil {
		row.refreshEnc = m.cipher.Encrypt(*p.RefreshToken)
	}
	row.expiresAt = utcPtr(p.ExpiresAt)
	row.scopesJSON = encodeScopes(p.Scope)
	row.updatedAt = now

	return m.credential(p.UserID, row), nil
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[userID]
	if !ok {
		return nil, nil
	}
	return m.credential(userID, row), nil
}

func (m *MemoryStore) Clear(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[userID]
	if !ok {
		return false, nil
	}
	if row.accessEnc == "" && row.refreshEnc == "" {
		return false, nil
	}
	row.accessEnc = ""
	row.refreshEnc = ""
	row.expiresAt = nil
	row.updatedAt = m.now().UTC()
	return true, nil
}

func (m *MemoryStore) credential(userID string, row *memRow) *Credential {
	return &Credential{
		ID:           row.id,
		UserID:       userID,
		AccessToken:  decryptField(m.cipher, row.accessEnc),
		RefreshToken: decryptField(m.cipher, row.refreshEnc),
		ExpiresAt:    row.expiresAt,
		Scopes:       decodeScopes(row.scopesJSON),
		CreatedAt:    row.createdAt,
		UpdatedAt:    row.updatedAt,
	}
}

func (m *MemoryStore) ping() bool   { return true }
func (m *MemoryStore) close() error { return nil }
