package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/logger"
	"github.com/raaihank/reflex-layer/internal/metrics"
	"github.com/raaihank/reflex-layer/internal/pipeline"
)

const (
	flushTimeout    = 5 * time.Second
	dropLogInterval = 1000
)

// Writer batches pipeline records into an Inserter off the request path.
// Publish never blocks; records are dropped when the queue is full.
type Writer struct {
	inserter      Inserter
	queue         chan Event
	batchSize     int
	flushInterval time.Duration
	metrics       *metrics.Metrics
	logger        *logger.Logger

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
	batches atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewWriter creates a writer. Call Run to start flushing.
func NewWriter(cfg config.AuditConfig, inserter Inserter, m *metrics.Metrics, log *logger.Logger) *Writer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 10000
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &Writer{
		inserter:      inserter,
		queue:         make(chan Event, queueSize),
		batchSize:     batchSize,
		flushInterval: interval,
		metrics:       m,
		logger:        log.WithComponent("audit"),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Publish queues a record for the next batch
func (w *Writer) Publish(rec pipeline.Record) {
	select {
	case <-w.done:
		return
	default:
	}

	select {
	case w.queue <- toEvent(rec):
	default:
		n := w.dropped.Add(1)
		w.metrics.RecordAuditDropped()
		if n == 1 || n%dropLogInterval == 0 {
			w.logger.Warn("Audit queue full, dropping records",
				zap.Int64("dropped_total", n),
				zap.Int("queue_size", cap(w.queue)))
		}
	}
}

// Run flushes batches until ctx is cancelled or Close is called, then drains
// whatever is still queued.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.stopped)
	defer w.closeOnce.Do(func() { close(w.done) })

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, w.batchSize)
	for {
		select {
		case ev := <-w.queue:
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				batch = w.flush(batch)
			}

		case <-ticker.C:
			batch = w.flush(batch)

		case <-ctx.Done():
			w.drain(batch)
			return

		case <-w.done:
			w.drain(batch)
			return
		}
	}
}

func (w *Writer) drain(batch []Event) {
	for {
		select {
		case ev := <-w.queue:
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				batch = w.flush(batch)
			}
		default:
			w.flush(batch)
			return
		}
	}
}

// flush writes batch and returns it emptied for reuse
func (w *Writer) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	start := time.Now()
	inserted, err := w.inserter.InsertBatch(ctx, batch)
	w.batches.Add(1)
	if err != nil {
		w.failed.Add(int64(len(batch)))
		w.metrics.RecordStoreError("audit")
		w.logger.Error("Failed to write audit batch",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
	} else {
		w.written.Add(inserted)
		w.logger.Debug("Audit batch written",
			zap.Int64("inserted", inserted),
			zap.Duration("duration", time.Since(start)))
	}
	return batch[:0]
}

// Close stops accepting records and waits for the final flush
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.done) })
	<-w.stopped
}

// Stats returns writer counters
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
		Batches: w.batches.Load(),
	}
}

func toEvent(rec pipeline.Record) Event {
	ev := Event{
		RequestID:           rec.RequestID,
		Kind:                string(rec.Kind),
		Action:              string(rec.Action),
		RiskTier:            string(rec.RiskTier),
		PIITypes:            nonNil(rec.PIITypes),
		InjectionCategories: nonNil(rec.InjectionCategories),
		HighestSeverity:     rec.HighestSeverity.String(),
		PIICount:            rec.PIICount,
		InjectionCount:      rec.InjectionCount,
		CacheHit:            rec.CacheHit,
		ClientIPHash:        hashIdentifier(rec.IP),
		UserHash:            hashIdentifier(rec.UserID),
		Endpoint:            rec.Endpoint,
		LatencyMS:           float64(rec.Duration.Microseconds()) / 1000,
		CreatedAt:           rec.Timestamp,
	}
	if rec.RateLimit != nil {
		ev.RateLimitDimension = string(rec.RateLimit.Dimension)
	}
	return ev
}

func hashIdentifier(v string) string {
	if v == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:16])
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
