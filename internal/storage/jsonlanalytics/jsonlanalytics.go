// Package jsonlanalytics implements storage.AnalyticsStore as a single
// append-only, line-delimited JSON file -- the durable backend for a
// deployment that wants a durable analytics trail without standing up a
// database.
package jsonlanalytics

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/storage"
)

// Store serializes writes with a mutex since os.File offers no atomic
// append-many primitive; reads (Query/Aggregate/Clear) also take the lock
// so a Clear can't race a concurrent Append.
type Store struct {
	mu   sync.Mutex
	path string
}

// New opens (creating if absent) the line-delimited JSON file at path.
func New(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open analytics file: %w", err)
	}
	f.Close()
	return &Store{path: path}, nil
}

// Append writes one JSON object per line, fsync'd so a crash immediately
// after Append returning doesn't lose the batch.
func (s *Store) Append(ctx context.Context, events []gateway.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open analytics file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal analytics event: %w", err)
		}
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("write analytics event: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush analytics file: %w", err)
	}
	return f.Sync()
}

// readAll streams every event out of the file in on-disk (oldest-first)
// order. Malformed trailing lines (e.g. a partially-written final line from
// a crash mid-append) are skipped rather than failing the whole read.
func (s *Store) readAll() ([]gateway.AnalyticsEvent, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []gateway.AnalyticsEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e gateway.AnalyticsEvent
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// Query returns events with timestamp in [start, end), newest first,
// capped at limit.
func (s *Store) Query(ctx context.Context, start, end time.Time, limit int) ([]gateway.AnalyticsEvent, error) {
	s.mu.Lock()
	all, err := s.readAll()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

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
	s.mu.Lock()
	all, err := s.readAll()
	s.mu.Unlock()
	if err != nil {
		return storage.AnalyticsAggregate{}, err
	}

	agg := storage.AnalyticsAggregate{ByModel: make(map[string]int64)}
	for _, e := range all {
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

// Clear truncates the file.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.Truncate(s.path, 0)
}
