package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps credentials in a local sqlite file. Timestamps are stored
// as RFC3339 UTC text.
type SQLiteStore struct {
	db     *sql.DB
	cipher *Cipher
	path   string
}

func NewSQLiteStore(path string, cipher *Cipher) (*SQLiteStore, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: d, cipher: cipher, path: path}
	if err := s.init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS oauth_tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL UNIQUE,
		access_token_enc TEXT NOT NULL DEFAULT '',
		refresh_token_enc TEXT NOT NULL DEFAULT '',
		expires_at TEXT,
		scopes_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`)
	return err
}

func (s *SQLiteStore) Upsert(ctx context.Context, p UpsertParams) (*Credential, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	var expires interface{}
	if e := utcPtr(p.ExpiresAt); e != nil {
		expires = e.Format(time.RFC3339)
	}
	accessEnc := s.cipher.Encrypt(p.AccessToken)
	scopes := encodeScopes(p.Scope)

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM oauth_tokens WHERE user_id = ?`, p.UserID).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		refreshEnc := ""
		if p.RefreshToken != nil {
			refreshEnc = s.cipher.Encrypt(*p.RefreshToken)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO oauth_tokens(user_id,access_token_enc,refresh_token_enc,expires_at,scopes_json,created_at,updated_at)
			VALUES(?,?,?,?,?,?,?)`, p.UserID, accessEnc, refreshEnc, expires, scopes, now, now)
	case err == nil:
		if p.RefreshToken != nil {
			_, err = tx.ExecContext(ctx, `UPDATE oauth_tokens SET access_token_enc=?, refresh_token_enc=?, expires_at=?, scopes_json=?, updated_at=? WHERE id=?`,
				accessEnc, s.cipher.Encrypt(*p.RefreshToken), expires, scopes, now, id)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE oauth_tokens SET access_token_enc=?, expires_at=?, scopes_json=?, updated_at=? WHERE id=?`,
				accessEnc, expires, scopes, now, id)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("upsert tokens: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return s.Get(ctx, p.UserID)
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,access_token_enc,refresh_token_enc,expires_at,scopes_json,created_at,updated_at
		FROM oauth_tokens WHERE user_id = ?`, userID)

	var (
		c                    Credential
		accessEnc            string
		refreshEnc           string
		expires              sql.NullString
		scopes               string
		createdAt, updatedAt string
	)
	if err := row.Scan(&c.ID, &accessEnc, &refreshEnc, &expires, &scopes, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.UserID = userID
	c.AccessToken = decryptField(s.cipher, accessEnc)
	c.RefreshToken = decryptField(s.cipher, refreshEnc)
	c.Scopes = decodeScopes(scopes)
	if expires.Valid {
		if t, err := time.Parse(time.RFC3339, expires.String); err == nil {
			t = t.UTC()
			c.ExpiresAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		c.CreatedAt = t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		c.UpdatedAt = t.UTC()
	}
	return &c, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	var accessEnc, refreshEnc string
	err = tx.QueryRowContext(ctx, `SELECT access_token_enc, refresh_token_enc FROM oauth_tokens WHERE user_id = ?`, userID).
		Scan(&accessEnc, &refreshEnc)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if accessEnc == "" && refreshEnc == "" {
		return false, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE oauth_tokens SET access_token_enc='', refresh_token_enc='', expires_at=NULL, updated_at=? WHERE user_id=?`, now, userID); err != nil {
		return false, fmt.Errorf("clear tokens: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit clear: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) close() error { return s.db.Close() }
func (s *SQLiteStore) ping() bool   { return s.db.Ping() == nil }
