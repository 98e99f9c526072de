package worker

import (
	"context"
	"crypto/rand"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	gateway "github.com/routiium/gateway/internal"
	"github.com/routiium/gateway/internal/storage"
)

const (
	analyticsChanSize   = 1000
	analyticsBatchSize  = 100
	analyticsFlushEvery = 5 * time.Second
	analyticsDrainTime  = 30 * time.Second
)

// AnalyticsWriter buffers analytics events and batch-flushes them to the
// configured storage.AnalyticsStore. Events are dropped if the channel is
// full (back-pressure on a slow backend never blocks the request path).
type AnalyticsWriter struct {
	ch    chan gateway.AnalyticsEvent
	store storage.AnalyticsStore
}

// NewAnalyticsWriter creates an AnalyticsWriter backed by store.
func NewAnalyticsWriter(store storage.AnalyticsStore) *AnalyticsWriter {
	return &AnalyticsWriter{
		ch:    make(chan gateway.AnalyticsEvent, analyticsChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (w *AnalyticsWriter) Name() string { return "analytics_writer" }

// Record enqueues an analytics event. Never blocks; drops on a full channel.
func (w *AnalyticsWriter) Record(e gateway.AnalyticsEvent) {
	select {
	case w.ch <- e:
	default:
		slog.Warn("analytics event dropped, channel full")
	}
}

// Run processes events until ctx is cancelled, then drains what remains.
func (w *AnalyticsWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(analyticsFlushEvery)
	defer ticker.Stop()

	buf := make([]gateway.AnalyticsEvent, 0, analyticsBatchSize)

	for {
		select {
		case e := <-w.ch:
			buf = append(buf, e)
			if len(buf) >= analyticsBatchSize {
				w.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				w.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			w.drain(buf)
			return nil
		}
	}
}

func (w *AnalyticsWriter) drain(buf []gateway.AnalyticsEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), analyticsDrainTime)
	defer cancel()

	for {
		select {
		case e := <-w.ch:
			buf = append(buf, e)
			if len(buf) >= analyticsBatchSize {
				w.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				w.flush(ctx, buf)
			}
			return
		}
	}
}

func (w *AnalyticsWriter) flush(ctx context.Context, buf []gateway.AnalyticsEvent) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.AnalyticsEvent, len(buf))
	copy(batch, buf)

	// Assign time-ordered IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = newULID(batch[i].Timestamp)
		}
	}

	if err := w.store.Append(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "analytics flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

// newULID generates a ULID seeded at ts, so event IDs sort by creation time
// even across a batch written out of arrival order.
func newULID(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ulid.MustNew(uint64(ts.UnixMilli()), rand.Reader).String()
}
