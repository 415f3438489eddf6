package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore is the production credential store. Schema is owned by the
// migrations under ./migrations; init only verifies connectivity.
type PostgresStore struct {
	db     *sql.DB
	cipher *Cipher
	dsn    string
}

func NewPostgresStore(dsn string, cipher *Cipher) (*PostgresStore, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresStore{db: d, cipher: cipher, dsn: dsn}
	if err := d.Ping(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, p UpsertParams) (*Credential, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	accessEnc := s.cipher.Encrypt(p.AccessToken)
	scopes := encodeScopes(p.Scope)
	expires := utcPtr(p.ExpiresAt)

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM oauth_tokens WHERE user_id = $1 FOR UPDATE`, p.UserID).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		refreshEnc := ""
		if p.RefreshToken != nil {
			refreshEnc = s.cipher.Encrypt(*p.RefreshToken)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO oauth_tokens(user_id,access_token_enc,refresh_token_enc,expires_at,scopes_json,created_at,updated_at)
			VALUES($1,$2,$3,$4,$5,now(),now())`, p.UserID, accessEnc, refreshEnc, expires, scopes)
	case err == nil:
		if p.RefreshToken != nil {
			_, err = tx.ExecContext(ctx, `UPDATE oauth_tokens SET access_token_enc=$1, refresh_token_enc=$2, expires_at=$3, scopes_json=$4, updated_at=now() WHERE id=$5`,
				accessEnc, s.cipher.Encrypt(*p.RefreshToken), expires, scopes, id)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE oauth_tokens SET access_token_enc=$1, expires_at=$2, scopes_json=$3, updated_at=now() WHERE id=$4`,
				accessEnc, expires, scopes, id)
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

func (s *PostgresStore) Get(ctx context.Context, userID string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,access_token_enc,refresh_token_enc,expires_at,scopes_json,created_at,updated_at
		FROM oauth_tokens WHERE user_id = $1`, userID)

	var (
		c          Credential
		accessEnc  string
		refreshEnc string
		expires    sql.NullTime
		scopes     string
	)
	if err := row.Scan(&c.ID, &accessEnc, &refreshEnc, &expires, &scopes, &c.CreatedAt, &c.UpdatedAt); err != nil {
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
		t := expires.Time.UTC()
		c.ExpiresAt = &t
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *PostgresStore) Clear(ctx context.Context, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	var accessEnc, refreshEnc string
	err = tx.QueryRowContext(ctx, `SELECT access_token_enc, refresh_token_enc FROM oauth_tokens WHERE user_id = $1 FOR UPDATE`, userID).
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

	if _, err := tx.ExecContext(ctx, `UPDATE oauth_tokens SET access_token_enc='', refresh_token_enc='', expires_at=NULL, updated_at=now() WHERE user_id=$1`, userID); err != nil {
		return false, fmt.Errorf("clear tokens: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit clear: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) close() error { return s.db.Close() }
func (s *PostgresStore) ping() bool   { return s.db.Ping() == nil }
