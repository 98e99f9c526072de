package analytics

import (
	"strings"
	"testing"
	"time"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/storage/memringanalytics"
)

func sampleEvent(id string, ts time.Time) gateway.AnalyticsEvent {
	return gateway.AnalyticsEvent{
		ID:        id,
		Timestamp: ts,
		Request:   gateway.RequestMeta{Endpoint: "/v1/chat/completions", Method: "POST", Model: "m"},
		Response:  gateway.ResponseMeta{Status: 200, Success: true},
		Perf:      gateway.PerfMeta{DurationMs: 42},
		Tokens:    gateway.TokensMeta{Prompt: 10, Completion: 5},
		Cost:      &gateway.CostMeta{Input: 0.01, Output: 0.02, Total: 0.03, Currency: "USD"},
		Auth:      gateway.AuthMeta{APIKeyID: "key_1", Method: "managed"},
		Routing:   gateway.RoutingMeta{Backend: "alias_map", Mode: "chat"},
	}
}

func TestService_ExportCSV_HeaderAndRow(t *testing.T) {
	store := memringanalytics.New(10)
	now := time.Now().UTC()
	if err := store.Append(t.Context(), []gateway.AnalyticsEvent{sampleEvent("evt_1", now)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	svc := NewService(store)
	csvBytes, err := svc.ExportCSV(t.Context(), now.Add(-time.Hour), now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(csvBytes), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines: %q", len(lines), csvBytes)
	}
	if !strings.HasPrefix(lines[0], "id,timestamp,endpoint,method,model,stream,status_code,success") {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "evt_1") || !strings.Contains(lines[1], "key_1") {
		t.Fatalf("unexpected row: %q", lines[1])
	}
}

func TestService_ExportJSON_RoundTrips(t *testing.T) {
	store := memringanalytics.New(10)
	now := time.Now().UTC()
	_ = store.Append(t.Context(), []gateway.AnalyticsEvent{sampleEvent("evt_1", now)})

	svc := NewService(store)
	out, err := svc.ExportJSON(t.Context(), now.Add(-time.Hour), now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	if !strings.Contains(string(out), `"evt_1"`) {
		t.Fatalf("unexpected export: %s", out)
	}
}

func TestService_Aggregate(t *testing.T) {
	store := memringanalytics.New(10)
	now := time.Now().UTC()
	_ = store.Append(t.Context(), []gateway.AnalyticsEvent{sampleEvent("evt_1", now), sampleEvent("evt_2", now)})

	svc := NewService(store)
	agg, err := svc.Aggregate(t.Context(), now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.Count != 2 {
		t.Fatalf("expected count 2, got %+v", agg)
	}
}

func TestService_Clear(t *testing.T) {
	store := memringanalytics.New(10)
	now := time.Now().UTC()
	_ = store.Append(t.Context(), []gateway.AnalyticsEvent{sampleEvent("evt_1", now)})

	svc := NewService(store)
	if err := svc.Clear(t.Context()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	events, err := svc.Events(t.Context(), now.Add(-time.Hour), now.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected empty after clear, got %+v", events)
	}
}
