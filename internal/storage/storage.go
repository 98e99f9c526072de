// Package storage defines the pluggable backend capability interfaces
// consumed by the credential subsystem and the analytics sink. Concrete
// backends (embedded SQLite, remote Redis/Valkey, in-memory ring, JSONL
// file) live in sibling packages and never leak their client types across
// this boundary.
package storage

import (
	"context"
	"time"

	gateway "github.com/routiium/gateway/internal"
)

// CredentialStore is the durable backend behind the credential subsystem's
// lookup cache. Implementations: embedded SQLite (sqlite.Store),
// remote (valkeystore.Store).
type CredentialStore interface {
	Put(ctx context.Context, rec *gateway.ApiKeyRecord) error
	Get(ctx context.Context, id string) (*gateway.ApiKeyRecord, error)
	Delete(ctx context.Context, id string) error
	Revoke(ctx context.Context, id string, at time.Time) error
	SetExpiration(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, offset, limit int) ([]*gateway.ApiKeyRecord, error)
	Ping(ctx context.Context) error
}

// AnalyticsStore is the durable/queryable backend behind the analytics
// sink. Implementations: JSONL append-only file, embedded SQLite, remote
// Redis sorted-set, bounded in-memory ring.
type AnalyticsStore interface {
	Append(ctx context.Context, events []gateway.AnalyticsEvent) error
	Query(ctx context.Context, start, end time.Time, limit int) ([]gateway.AnalyticsEvent, error)
	Aggregate(ctx context.Context, start, end time.Time) (AnalyticsAggregate, error)
	Clear(ctx context.Context) error
}

// AnalyticsAggregate is the result of a time-bounded rollup query.
type AnalyticsAggregate struct {
	Count            int64
	SuccessCount     int64
	TotalCostUSD     float64
	PromptTokens     int64
	CompletionTokens int64
	ByModel          map[string]int64
}
