package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/store"
	"go.uber.org/zap"
)

// Entry represents a structured audit event.
type Entry struct {
	UserID     *uuid.UUID
	Action     string
	Resource   string
	ResourceID string
	IPAddress  string
	UserAgent  string
	Context    map[string]any
	OccurredAt time.Time
}

// Logger persists audit entries asynchronously. Record never blocks and
// never fails the caller: entries are queued to a background writer, dropped
// (and counted) when the buffer is full, and write failures are logged and
// discarded. Primary flows must not depend on audit success.
type Logger struct {
	store   store.AuditStore
	logger  *zap.Logger
	queue   chan Entry
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// New constructs a Logger and starts its writer goroutine.
func New(auditStore store.AuditStore, logger *zap.Logger, bufferSize int) *Logger {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	l := &Logger{
		store:  auditStore,
		logger: logger,
		queue:  make(chan Entry, bufferSize),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Record queues an audit entry. Best effort: a full buffer drops the entry.
func (l *Logger) Record(_ context.Context, entry Entry) {
	if entry.Action == "" {
		return
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- entry:
	default:
		l.dropped.Add(1)
		l.logger.Warn("audit buffer full, entry dropped", zap.String("action", entry.Action))
	}
}

// Dropped returns the number of entries discarded due to back-pressure.
func (l *Logger) Dropped() uint64 {
	return l.dropped.Load()
}

// ListRecent retrieves most recent entries for debugging/ops.
func (l *Logger) ListRecent(ctx context.Context, limit int) ([]*store.AuditRecord, error) {
	return l.store.ListRecent(ctx, limit)
}

// Close drains the queue and stops the writer.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Logger) run() {
	defer l.wg.Done()
	for entry := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := l.store.Insert(ctx, &store.AuditRecord{
			UserID:     entry.UserID,
			Action:     entry.Action,
			Resource:   entry.Resource,
			ResourceID: entry.ResourceID,
			IPAddress:  entry.IPAddress,
			UserAgent:  entry.UserAgent,
			Context:    entry.Context,
			OccurredAt: entry.OccurredAt,
		})
		cancel()
		if err != nil {
			l.logger.Warn("failed to persist audit log", zap.String("action", entry.Action), zap.Error(err))
		}
	}
}
