// Package audit persists ticket log entries off the request path.
package audit

import (
	"context"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/store"
	"qms/token-service/internal/telemetry"

	"github.com/rs/zerolog"
)

// Sink accepts log entries without blocking the caller.
type Sink interface {
	Append(entry models.LogEntry)
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Append(models.LogEntry) {}

type Config struct {
	BufferSize    int
	BatchSize     int
	MaxAttempts   int
	FlushInterval time.Duration
	RetryBackoff  time.Duration
}

type Writer struct {
	appender      store.LogAppender
	entries       chan models.LogEntry
	batchSize     int
	maxAttempts   int
	flushInterval time.Duration
	retryBackoff  time.Duration
	logger        zerolog.Logger
	metrics       *telemetry.Metrics
}

func NewWriter(appender store.LogAppender, cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics) *Writer {
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1024
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return &Writer{
		appender:      appender,
		entries:       make(chan models.LogEntry, buffer),
		batchSize:     batch,
		maxAttempts:   maxAttempts,
		flushInterval: interval,
		retryBackoff:  backoff,
		logger:        logger.With().Str("component", "audit").Logger(),
		metrics:       metrics,
	}
}

// Append enqueues entry. When the buffer is full the entry is dropped and
// counted; the ticket mutation it describes has already committed.
func (w *Writer) Append(entry models.LogEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case w.entries <- entry:
	default:
		w.metrics.AuditDropped()
		w.logger.Warn().Str("ticket_no", entry.TicketNo).Str("event", entry.Event).Msg("audit buffer full, entry dropped")
	}
}

// Run batches entries until ctx is done, then drains what is buffered.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]models.LogEntry, 0, w.batchSize)
	for {
		select {
		case <-ctx.Done():
			batch = w.drain(batch)
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flush(flushCtx, batch)
			cancel()
			return nil
		case entry := <-w.entries:
			batch = append(batch, entry)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *Writer) drain(batch []models.LogEntry) []models.LogEntry {
	for {
		select {
		case entry := <-w.entries:
			batch = append(batch, entry)
		default:
			return batch
		}
	}
}

func (w *Writer) flush(ctx context.Context, batch []models.LogEntry) {
	if len(batch) == 0 {
		return
	}
	var err error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if err = w.appender.AppendLogs(ctx, batch); err == nil {
			w.metrics.AuditWritten(len(batch))
			return
		}
		w.logger.Warn().Err(err).Int("attempt", attempt).Int("entries", len(batch)).Msg("audit write failed")
		if attempt == w.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			// Shutdown: one last attempt on a fresh deadline.
			retryCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			err = w.appender.AppendLogs(retryCtx, batch)
			cancel()
			if err == nil {
				w.metrics.AuditWritten(len(batch))
				return
			}
			attempt = w.maxAttempts
		case <-time.After(w.retryBackoff * time.Duration(attempt)):
		}
	}
	w.metrics.AuditFailed(len(batch))
	w.logger.Error().Err(err).Int("entries", len(batch)).Msg("audit entries lost")
}
