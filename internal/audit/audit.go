// Package audit provides an async, channel-buffered writer for the
// audit_log table so operator actions never block on a database
// round-trip.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pitwatch/sentinel/pkg/model"
)

const bufferSize = 256

// Store is the narrow persistence dependency Writer needs, satisfied by
// *internal/store.Store in production and a fake in tests.
type Store interface {
	InsertAuditLog(ctx context.Context, a model.AuditLog) error
}

// Writer buffers audit entries on a channel and flushes each one to the
// store as soon as the background loop picks it up, so Log never blocks
// the request path on a database round-trip.
type Writer struct {
	store   Store
	logger  *slog.Logger
	entries chan model.AuditLog
	wg      sync.WaitGroup
}

// NewWriter creates a Writer. Call Start to begin processing entries.
func NewWriter(st Store, logger *slog.Logger) *Writer {
	return &Writer{
		store:   st,
		logger:  logger,
		entries: make(chan model.AuditLog, bufferSize),
	}
}

// Start begins the background flush loop. It returns once the context is
// cancelled and every pending entry has been flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops accepting new entries and waits for the flush loop to drain.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an entry without blocking the caller. If the buffer is
// full the entry is dropped and a warning is logged — audit completeness
// is best-effort, not a correctness invariant of the request path.
func (w *Writer) Log(entry model.AuditLog) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry", "action", entry.Action)
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				return
			}
			w.write(entry)
		case <-ctx.Done():
			w.drain()
			return
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				return
			}
			w.write(entry)
		default:
			return
		}
	}
}

func (w *Writer) write(entry model.AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.InsertAuditLog(ctx, entry); err != nil {
		w.logger.Error("writing audit log entry", "error", err, "action", entry.Action)
	}
}
