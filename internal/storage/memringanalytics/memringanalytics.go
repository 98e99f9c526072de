// Package memringanalytics implements storage.AnalyticsStore as a bounded
// in-memory ring buffer: the cheapest backend for local development or a
// deployment that doesn't need analytics to survive a restart.
package memringanalytics

import (
	"context"
	"sync"
	"time"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/storage"
)

// defaultCapacity bounds memory use absent an explicit size. Oldest events
// are evicted first once the ring fills.
const defaultCapacity = 10_000

// Store is a mutex-guarded ring buffer of the most recent events.
type Store struct {
	mu       sync.Mutex
	events   []gateway.AnalyticsEvent
	capacity int
	next     int // write cursor, wraps once len(events) == capacity
	full     bool
}

// New returns an empty Store holding up to capacity events. capacity <= 0
// uses defaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Store{events: make([]gateway.AnalyticsEvent, 0, capacity), capacity: capacity}
}

// Append inserts events into the ring, evicting the oldest entries first
// once capacity is reached.
func (s *Store) Append(ctx context.Context, events []gateway.AnalyticsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if len(s.events) < s.capacity {
			s.events = append(s.events, e)
			continue
		}
		s.events[s.next] = e
		s.next = (s.next + 1) % s.capacity
		s.full = true
	}
	return nil
}

// snapshot returns a copy of all currently-held events in insertion order
// (oldest first), without holding the lock during the caller's use of it.
func (s *Store) snapshot() []gateway.AnalyticsEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		out := make([]gateway.AnalyticsEvent, len(s.events))
		copy(out, s.events)
		return out
	}
	out := make([]gateway.AnalyticsEvent, s.capacity)
	copy(out, s.events[s.next:])
	copy(out[s.capacity-s.next:], s.events[:s.next])
	return out
}

// Query returns events with timestamp in [start, end), newest first,
// capped at limit.
func (s *Store) Query(ctx context.Context, start, end time.Time, limit int) ([]gateway.AnalyticsEvent, error) {
	all := s.snapshot()
	out := make([]gateway.AnalyticsEvent, 0, limit)
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Aggregate rolls up counts/tokens/cost over [start, end).
func (s *Store) Aggregate(ctx context.Context, start, end time.Time) (storage.AnalyticsAggregate, error) {
	agg := storage.AnalyticsAggregate{ByModel: make(map[string]int64)}
	for _, e := range s.snapshot() {
		if e.Timestamp.Before(start) || !e.Timestamp.Before(end) {
			continue
		}
		agg.Count++
		if e.Response.Success {
			agg.SuccessCount++
		}
		if e.Cost != nil {
			agg.TotalCostUSD += e.Cost.Total
		}
		agg.PromptTokens += int64(e.Tokens.Prompt)
		agg.CompletionTokens += int64(e.Tokens.Completion)
		agg.ByModel[e.Request.Model]++
	}
	return agg, nil
}

// Clear empties the ring.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = s.events[:0]
	s.next = 0
	s.full = false
	return nil
}
