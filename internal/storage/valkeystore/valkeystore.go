// Package valkeystore implements storage.CredentialStore over a remote
// Valkey/Redis-protocol server, the credential subsystem's "remote"
// pluggable backend. Kept on a distinct client (valkey-go, rather than the
// go-redis client used for analytics) so neither pluggable-backend axis
// leaks the other's client type.
package valkeystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	gateway "github.com/routiium/gateway/internal"
)

const keyPrefix = "routiium:cred:"

// Store is a Valkey-backed CredentialStore.
type Store struct {
	client valkey.Client
}

// New wraps an existing valkey.Client.
func New(client valkey.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Put(ctx context.Context, rec *gateway.ApiKeyRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	cmd := s.client.B().Set().Key(keyPrefix + rec.ID).Value(string(body)).Build()
	return s.client.Do(ctx, cmd).Error()
}

func (s *Store) Get(ctx context.Context, id string) (*gateway.ApiKeyRecord, error) {
	cmd := s.client.B().Get().Key(keyPrefix + id).Build()
	resp := s.client.Do(ctx, cmd)
	if resp.Error() != nil {
		if valkey.IsValkeyNil(resp.Error()) {
			return nil, gateway.NewStatusError(gateway.ErrAuthInvalid, 404, "credential not found")
		}
		return nil, resp.Error()
	}
	body, err := resp.ToString()
	if err != nil {
		return nil, err
	}
	var rec gateway.ApiKeyRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	cmd := s.client.B().Del().Key(keyPrefix + id).Build()
	return s.client.Do(ctx, cmd).Error()
}

func (s *Store) Revoke(ctx context.Context, id string, at time.Time) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.RevokedAt = &at
	return s.Put(ctx, rec)
}

func (s *Store) SetExpiration(ctx context.Context, id string, at time.Time) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.ExpiresAt = &at
	return s.Put(ctx, rec)
}

// List is not efficiently supported by a plain key/value remote store
// without a secondary index; it scans keys matching the credential prefix,
// acceptable for the operator-facing, low-QPS /keys listing endpoint.
func (s *Store) List(ctx context.Context, offset, limit int) ([]*gateway.ApiKeyRecord, error) {
	var cursor uint64
	var ids []string
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(keyPrefix + "*").Count(200).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, err
		}
		ids = append(ids, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	if offset >= len(ids) {
		return nil, nil
	}
	end := min(offset+limit, len(ids))
	if limit <= 0 {
		end = len(ids)
	}
	out := make([]*gateway.ApiKeyRecord, 0, end-offset)
	for _, key := range ids[offset:end] {
		id := key[len(keyPrefix):]
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("list credential %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	cmd := s.client.B().Ping().Build()
	return s.client.Do(ctx, cmd).Error()
}
