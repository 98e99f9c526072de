package memringanalytics

import (
	"context"
	"testing"
	"time"

	gateway "github.com/routiium/gateway/internal"
)

func evt(id string, ts time.Time) gateway.AnalyticsEvent {
	return gateway.AnalyticsEvent{
		ID:        id,
		Timestamp: ts,
		Request:   gateway.RequestMeta{Model: "m"},
		Response:  gateway.ResponseMeta{Success: true},
		Tokens:    gateway.TokensMeta{Prompt: 1, Completion: 2},
	}
}

func TestStore_AppendAndQuery(t *testing.T) {
	s := New(10)
	ctx := context.Background()
	base := time.Now()
	if err := s.Append(ctx, []gateway.AnalyticsEvent{evt("a", base), evt("b", base.Add(time.Second))}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	out, err := s.Query(ctx, base.Add(-time.Minute), base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 2 || out[0].ID != "b" {
		t.Fatalf("expected newest-first [b,a], got %+v", out)
	}
}

func TestStore_EvictsOldestOnOverflow(t *testing.T) {
	s := New(2)
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		if err := s.Append(ctx, []gateway.AnalyticsEvent{evt(id, base.Add(time.Duration(i) * time.Second))}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	out, err := s.Query(ctx, base.Add(-time.Minute), base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected ring capped at 2, got %d: %+v", len(out), out)
	}
	for _, e := range out {
		if e.ID == "a" {
			t.Fatalf("oldest event should have been evicted, got %+v", out)
		}
	}
}

func TestStore_Aggregate(t *testing.T) {
	s := New(10)
	ctx := context.Background()
	base := time.Now()
	if err := s.Append(ctx, []gateway.AnalyticsEvent{evt("a", base), evt("b", base.Add(time.Second))}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	agg, err := s.Aggregate(ctx, base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.Count != 2 || agg.SuccessCount != 2 || agg.PromptTokens != 2 || agg.ByModel["m"] != 2 {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
}

func TestStore_Clear(t *testing.T) {
	s := New(10)
	ctx := context.Background()
	base := time.Now()
	_ = s.Append(ctx, []gateway.AnalyticsEvent{evt("a", base)})
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	out, err := s.Query(ctx, base.Add(-time.Minute), base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty store after Clear, got %+v", out)
	}
}
