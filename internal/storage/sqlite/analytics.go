package sqlite

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/storage"
)

// Append batch-inserts analytics events. A single multi-row INSERT avoids
// N round-trips for large batches, mirroring the write-side discipline the
// batching worker already applies before calling in.
func (s *Store) Append(ctx context.Context, events []gateway.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 12
	placeholders := make([]string, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return err
		}
		var costTotal float64
		if e.Cost != nil {
			costTotal = e.Cost.Total
		}
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.Request.Endpoint, e.Request.Model, boolToInt(e.Request.Stream),
			e.Response.Status, boolToInt(e.Response.Success), e.Perf.DurationMs,
			e.Tokens.Prompt, e.Tokens.Completion, costTotal, string(body),
		)
	}

	query := `INSERT INTO analytics_events
		(id, timestamp, endpoint, model, stream, status, success, duration_ms,
		 prompt_tokens, completion_tokens, cost_total, body)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// Query returns events in [start, end) ordered by timestamp, newest first.
func (s *Store) Query(ctx context.Context, start, end time.Time, limit int) ([]gateway.AnalyticsEvent, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT body FROM analytics_events WHERE timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp DESC LIMIT ?`,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.AnalyticsEvent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e gateway.AnalyticsEvent
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Aggregate rolls up counts, cost, and tokens in [start, end).
func (s *Store) Aggregate(ctx context.Context, start, end time.Time) (storage.AnalyticsAggregate, error) {
	var agg storage.AnalyticsAggregate
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(SUM(cost_total), 0),
		        COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		 FROM analytics_events WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano),
	).Scan(&agg.Count, &agg.SuccessCount, &agg.TotalCostUSD, &agg.PromptTokens, &agg.CompletionTokens)
	if err != nil {
		return agg, err
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT model, COUNT(*) FROM analytics_events
		 WHERE timestamp >= ? AND timestamp < ? GROUP BY model`,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return agg, err
	}
	defer rows.Close()

	agg.ByModel = make(map[string]int64)
	for rows.Next() {
		var model string
		var n int64
		if err := rows.Scan(&model, &n); err != nil {
			return agg, err
		}
		agg.ByModel[model] = n
	}
	return agg, rows.Err()
}

// Clear truncates the analytics table.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM analytics_events`)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
