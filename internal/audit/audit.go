// Package audit records append-only mining events. Logging is fire and
// forget: a failed write is logged and never reaches the caller.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Event types emitted by the mining engine.
const (
	EventStart      = "mining.start"
	EventHydrated   = "mining.hydrated"
	EventPageFailed = "mining.page_failed"
	EventComplete   = "mining.complete"
	EventRequeue    = "mining.requeue"
	EventFail       = "mining.fail"
	EventSuperseded = "mining.superseded"
)

// Levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event is one audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"event"`
	Level     string         `json:"level"`
	SiteID    string         `json:"site_id,omitempty"`
	ProfileID string         `json:"profile_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Logger accepts audit events.
type Logger interface {
	Log(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

// Log implements Logger.
func (Nop) Log(context.Context, Event) {}

// ZapLogger writes events to a zap logger. Used when no audit table is configured.
type ZapLogger struct {
	log *zap.Logger
}

// NewZapLogger returns a ZapLogger; a nil logger uses zap.L().
func NewZapLogger(log *zap.Logger) *ZapLogger {
	if log == nil {
		log = zap.L()
	}
	return &ZapLogger{log: log.Named("audit")}
}

// Log implements Logger.
func (z *ZapLogger) Log(_ context.Context, ev Event) {
	fields := []zap.Field{
		zap.String("event", ev.Type),
		zap.String("site_id", ev.SiteID),
		zap.String("profile_id", ev.ProfileID),
		zap.Any("payload", ev.Payload),
	}
	switch ev.Level {
	case LevelError:
		z.log.Error("audit", fields...)
	case LevelWarn:
		z.log.Warn("audit", fields...)
	default:
		z.log.Info("audit", fields...)
	}
}
