package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/icp-miner/internal/db"
)

var auditColumns = []string{"id", "event", "level", "site_id", "profile_id", "payload", "created_at"}

// PostgresLogger buffers events and writes them to audit_log in batches.
type PostgresLogger struct {
	pool     db.Pool
	ch       chan Event
	done     chan struct{}
	interval time.Duration
	batch    int

	mu     sync.RWMutex
	closed bool
}

// NewPostgresLogger starts the flush goroutine. bufferSize <= 0 defaults to 256.
func NewPostgresLogger(pool db.Pool, bufferSize int) *PostgresLogger {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	l := &PostgresLogger{
		pool:     pool,
		ch:       make(chan Event, bufferSize),
		done:     make(chan struct{}),
		interval: 2 * time.Second,
		batch:    100,
	}
	go l.run()
	return l
}

// Log queues ev. A full buffer drops the event with a warning.
func (l *PostgresLogger) Log(_ context.Context, ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		zap.L().Warn("audit: logger closed, event dropped", zap.String("event", ev.Type))
		return
	}
	select {
	case l.ch <- ev:
	default:
		zap.L().Warn("audit: buffer full, event dropped",
			zap.String("event", ev.Type),
			zap.String("profile_id", ev.ProfileID),
		)
	}
}

// Close flushes queued events and stops the writer.
func (l *PostgresLogger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *PostgresLogger) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	pending := make([]Event, 0, l.batch)
	for {
		select {
		case ev, ok := <-l.ch:
			if !ok {
				l.flush(pending)
				return
			}
			pending = append(pending, ev)
			if len(pending) >= l.batch {
				l.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			l.flush(pending)
			pending = pending[:0]
		}
	}
}

func (l *PostgresLogger) flush(events []Event) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := l.write(ctx, events); err != nil {
		zap.L().Error("audit: write batch", zap.Int("events", len(events)), zap.Error(err))
	}
}

func (l *PostgresLogger) write(ctx context.Context, events []Event) error {
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		row, err := copyRow(ev)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	_, err := l.pool.CopyFrom(ctx, pgx.Identifier{"audit_log"}, auditColumns, pgx.CopyFromRows(rows))
	return eris.Wrap(err, "audit: copy into audit_log")
}

// copyRow lays an event out in auditColumns order. An unscoped event stores
// NULL site and profile ids.
func copyRow(ev Event) ([]any, error) {
	payload := []byte("{}")
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, eris.Wrapf(err, "audit: marshal payload for %s", ev.Type)
		}
		payload = b
	}
	return []any{ev.ID, ev.Type, ev.Level, nullIfEmpty(ev.SiteID), nullIfEmpty(ev.ProfileID), payload, ev.CreatedAt}, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
