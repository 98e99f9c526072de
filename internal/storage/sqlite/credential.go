package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gateway "github.com/routiium/gateway/internal"
)

// Put inserts a new credential record, or overwrites an existing one with
// the same ID. The credential store calls it from Generate and Seed;
// Revoke and SetExpiration below update their column in place.
func (s *Store) Put(ctx context.Context, rec *gateway.ApiKeyRecord) error {
	scopes, err := marshalJSON(rec.Scopes)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO api_keys (id, secret_hash, salt, label, scopes, created_at, expires_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   secret_hash=excluded.secret_hash, salt=excluded.salt, label=excluded.label,
		   scopes=excluded.scopes, expires_at=excluded.expires_at, revoked_at=excluded.revoked_at`,
		rec.ID, rec.SecretHash, rec.Salt, nullStr(rec.Label), scopes,
		rec.CreatedAt.UTC().Format(time.RFC3339), timeToStr(rec.ExpiresAt), timeToStr(rec.RevokedAt),
	)
	return err
}

// Get retrieves a credential record by ID.
func (s *Store) Get(ctx context.Context, id string) (*gateway.ApiKeyRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, secret_hash, salt, label, scopes, created_at, expires_at, revoked_at
		 FROM api_keys WHERE id = ?`, id,
	)
	return scanCredential(row)
}

// Delete removes a credential record outright.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// Revoke sets revoked_at, leaving the row (and its history) in place.
func (s *Store) Revoke(ctx context.Context, id string, at time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at=? WHERE id=?`, at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// SetExpiration updates the expiry timestamp on an existing record.
func (s *Store) SetExpiration(ctx context.Context, id string, at time.Time) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET expires_at=? WHERE id=?`, at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "credential")
}

// List returns a page of credential records ordered by creation time.
func (s *Store) List(ctx context.Context, offset, limit int) ([]*gateway.ApiKeyRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, secret_hash, salt, label, scopes, created_at, expires_at, revoked_at
		 FROM api_keys ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*gateway.ApiKeyRecord
	for rows.Next() {
		r, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func scanCredential(s scanner) (*gateway.ApiKeyRecord, error) {
	var r gateway.ApiKeyRecord
	var label sql.NullString
	var scopesJSON sql.NullString
	var createdAt, expiresAt, revokedAt sql.NullString

	err := s.Scan(&r.ID, &r.SecretHash, &r.Salt, &label, &scopesJSON, &createdAt, &expiresAt, &revokedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	r.Label = label.String
	scopes, err := unmarshalStringSlice(scopesJSON)
	if err != nil {
		return nil, err
	}
	r.Scopes = scopes
	if t := parseTime(createdAt); t != nil {
		r.CreatedAt = *t
	}
	r.ExpiresAt = parseTime(expiresAt)
	r.RevokedAt = parseTime(revokedAt)
	return &r, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to a NotFound status error.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.NewStatusError(gateway.ErrAuthInvalid, 404, "credential not found")
	}
	return err
}

func marshalJSON(v any) (sql.NullString, error) {
	if s, ok := v.([]string); ok && len(s) == 0 {
		return sql.NullString{}, nil
	}
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalStringSlice(ns sql.NullString) ([]string, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("unmarshal string slice: %w", err)
	}
	return s, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrAuthInvalid)
	}
	return nil
}
