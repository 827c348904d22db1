// Package logger implements the gateway's non-blocking, batched audit log.
//
// Audit records are written to an internal buffered channel and flushed in
// batches by a background goroutine, so auditing never blocks the request
// path. If the channel fills up (> 10 000 records), new records are dropped
// and counted in DroppedRecords.
//
// Records carry only the origin fingerprint — never a raw client identity —
// and every free-text field is passed through the log-injection filter
// before it enters the channel.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/platewise/recipe-gateway/internal/sanitize"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// AuditRecord is one request's audit entry.
type AuditRecord struct {
	ID          uuid.UUID
	Fingerprint string // origin hash — raw identities are never retained
	Route       string
	Variant     string // text | url | image | "" for non-recipe routes
	ErrorKind   string // apierr kind label, "" on success
	Detail      string // sanitized internal message, "" on success
	Status      uint16
	LatencyMs   uint32
	Cached      bool
	CreatedAt   time.Time
}

// Sink receives flushed batches. Implementations must tolerate being called
// from a single background goroutine.
type Sink interface {
	WriteBatch(ctx context.Context, batch []AuditRecord) error
}

// Logger buffers audit records and flushes them to a Sink.
type Logger struct {
	ch        chan AuditRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// New creates a Logger flushing to sink. A nil sink falls back to slog.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = &SlogSink{Log: slogger}
	}

	l := &Logger{
		ch:      make(chan AuditRecord, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a record. Free-text fields are filtered here so nothing
// control-character-laden ever crosses the channel. Never blocks; drops
// under backpressure.
func (l *Logger) Log(rec AuditRecord) {
	rec.Detail = sanitize.LogSafe(rec.Detail)
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	select {
	case l.ch <- rec:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// DroppedRecords reports how many records were lost to backpressure.
func (l *Logger) DroppedRecords() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close flushes remaining records and stops the background goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]AuditRecord, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.WriteBatch(l.baseCtx, batch); err != nil {
			l.log.Error("audit flush failed",
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogSink writes each record as one structured log line. The default sink.
type SlogSink struct {
	Log *slog.Logger
}

// WriteBatch implements Sink.
func (s *SlogSink) WriteBatch(ctx context.Context, batch []AuditRecord) error {
	for _, r := range batch {
		s.Log.InfoContext(ctx, "audit",
			slog.String("id", r.ID.String()),
			slog.String("fingerprint", r.Fingerprint),
			slog.String("route", r.Route),
			slog.String("variant", r.Variant),
			slog.String("error_kind", r.ErrorKind),
			slog.String("detail", r.Detail),
			slog.Uint64("status", uint64(r.Status)),
			slog.Uint64("latency_ms", uint64(r.LatencyMs)),
			slog.Bool("cached", r.Cached),
			slog.Time("created_at", r.CreatedAt),
		)
	}
	return nil
}
