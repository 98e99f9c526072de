package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/storage"
)

type fakeAnalyticsStore struct {
	mu      sync.Mutex
	batches [][]gateway.AnalyticsEvent
}

func (s *fakeAnalyticsStore) Append(_ context.Context, events []gateway.AnalyticsEvent) error {
	s.mu.Lock()
	s.batches = append(s.batches, events)
	s.mu.Unlock()
	return nil
}

func (s *fakeAnalyticsStore) Query(context.Context, time.Time, time.Time, int) ([]gateway.AnalyticsEvent, error) {
	return nil, nil
}

func (s *fakeAnalyticsStore) Aggregate(context.Context, time.Time, time.Time) (storage.AnalyticsAggregate, error) {
	return storage.AnalyticsAggregate{}, nil
}

func (s *fakeAnalyticsStore) Clear(context.Context) error { return nil }

func (s *fakeAnalyticsStore) totalRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestAnalyticsWriter_BatchOnSize(t *testing.T) {
	t.Parallel()
	store := &fakeAnalyticsStore{}
	w := NewAnalyticsWriter(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	for i := range analyticsBatchSize {
		w.Record(gateway.AnalyticsEvent{ID: string(rune('a' + i%26))})
	}

	deadline := time.After(2 * time.Second)
	for {
		if store.totalRecords() >= analyticsBatchSize {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("batch not flushed; got %d records", store.totalRecords())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestAnalyticsWriter_FlushOnTimeout(t *testing.T) {
	t.Parallel()
	store := &fakeAnalyticsStore{}
	w := &AnalyticsWriter{
		ch:    make(chan gateway.AnalyticsEvent, analyticsChanSize),
		store: store,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Record(gateway.AnalyticsEvent{ID: "test-1"})
	w.Record(gateway.AnalyticsEvent{ID: "test-2"})

	deadline := time.After(10 * time.Second)
	for {
		if store.totalRecords() >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timeout flush not triggered; got %d records", store.totalRecords())
		default:
			time.Sleep(100 * time.Millisecond)
		}
	}

	cancel()
	<-done
}

func TestAnalyticsWriter_DropOnFull(t *testing.T) {
	t.Parallel()
	store := &fakeAnalyticsStore{}
	w := &AnalyticsWriter{
		ch:    make(chan gateway.AnalyticsEvent, 2), // tiny buffer
		store: store,
	}

	w.Record(gateway.AnalyticsEvent{ID: "1"})
	w.Record(gateway.AnalyticsEvent{ID: "2"})
	// This should be dropped silently.
	w.Record(gateway.AnalyticsEvent{ID: "3"})

	if len(w.ch) != 2 {
		t.Errorf("channel len = %d, want 2", len(w.ch))
	}
}

func TestAnalyticsWriter_DrainOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeAnalyticsStore{}
	w := NewAnalyticsWriter(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Record(gateway.AnalyticsEvent{ID: "drain-1"})
	w.Record(gateway.AnalyticsEvent{ID: "drain-2"})

	time.Sleep(50 * time.Millisecond) // let the goroutine start
	cancel()
	<-done

	if store.totalRecords() < 2 {
		t.Errorf("expected at least 2 drained records, got %d", store.totalRecords())
	}
}

func TestAnalyticsWriter_AssignsIDWhenEmpty(t *testing.T) {
	t.Parallel()
	store := &fakeAnalyticsStore{}
	w := NewAnalyticsWriter(store)

	w.flush(context.Background(), []gateway.AnalyticsEvent{{}})
	if store.totalRecords() != 1 {
		t.Fatalf("expected 1 record flushed, got %d", store.totalRecords())
	}
	if store.batches[0][0].ID == "" {
		t.Error("expected ID to be assigned on flush")
	}
}
