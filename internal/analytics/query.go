package analytics

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/storage"
)

// Service serves the read, export, and maintenance operations over a
// configured storage.AnalyticsStore.
type Service struct {
	store storage.AnalyticsStore
}

// NewService returns a Service backed by store.
func NewService(store storage.AnalyticsStore) *Service {
	return &Service{store: store}
}

// Events returns events in [start, end), newest first, capped at limit.
func (s *Service) Events(ctx context.Context, start, end time.Time, limit int) ([]gateway.AnalyticsEvent, error) {
	return s.store.Query(ctx, start, end, limit)
}

// Aggregate rolls up events in [start, end) into summary counters.
func (s *Service) Aggregate(ctx context.Context, start, end time.Time) (storage.AnalyticsAggregate, error) {
	return s.store.Aggregate(ctx, start, end)
}

// Clear deletes all recorded events.
func (s *Service) Clear(ctx context.Context) error {
	return s.store.Clear(ctx)
}

// csvColumns is the fixed export column order; callers of /analytics/export
// depend on this exact order and must not see it reordered across releases.
var csvColumns = []string{
	"id", "timestamp", "endpoint", "method", "model", "stream", "status_code", "success",
	"duration_ms", "ttfb_ms", "tokens_per_second", "input_tokens", "output_tokens",
	"cached_tokens", "reasoning_tokens", "input_cost", "output_cost", "cached_cost",
	"total_cost", "backend", "upstream_mode", "api_key_id", "api_key_label",
}

// ExportJSON returns events in [start, end) as a JSON array.
func (s *Service) ExportJSON(ctx context.Context, start, end time.Time, limit int) ([]byte, error) {
	events, err := s.store.Query(ctx, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return json.Marshal(events)
}

// ExportCSV returns events in [start, end) as CSV with a header row, in the
// fixed csvColumns order.
func (s *Service) ExportCSV(ctx context.Context, start, end time.Time, limit int) ([]byte, error) {
	events, err := s.store.Query(ctx, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvColumns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range events {
		if err := w.Write(csvRow(e)); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func csvRow(e gateway.AnalyticsEvent) []string {
	var ttfb, tps string
	if e.Perf.TTFBMs != nil {
		ttfb = strconv.FormatInt(*e.Perf.TTFBMs, 10)
	}
	if e.Perf.TPS != nil {
		tps = strconv.FormatFloat(*e.Perf.TPS, 'f', -1, 64)
	}

	var inputCost, outputCost, cachedCost, totalCost string
	if e.Cost != nil {
		inputCost = strconv.FormatFloat(e.Cost.Input, 'f', 6, 64)
		outputCost = strconv.FormatFloat(e.Cost.Output, 'f', 6, 64)
		cachedCost = strconv.FormatFloat(e.Cost.Cached, 'f', 6, 64)
		totalCost = strconv.FormatFloat(e.Cost.Total, 'f', 6, 64)
	}

	return []string{
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Request.Endpoint,
		e.Request.Method,
		e.Request.Model,
		strconv.FormatBool(e.Request.Stream),
		strconv.Itoa(e.Response.Status),
		strconv.FormatBool(e.Response.Success),
		strconv.FormatInt(e.Perf.DurationMs, 10),
		ttfb,
		tps,
		strconv.Itoa(e.Tokens.Prompt),
		strconv.Itoa(e.Tokens.Completion),
		strconv.Itoa(e.Tokens.Cached),
		strconv.Itoa(e.Tokens.Reasoning),
		inputCost,
		outputCost,
		cachedCost,
		totalCost,
		e.Routing.Backend,
		e.Routing.Mode,
		e.Auth.APIKeyID,
		e.Auth.Label,
	}
}
