package logging

import (
	"context"
	"log/slog"

	"assetescrow/core/events"
)

// EventLog writes every committed event as one structured log line.
type EventLog struct {
	logger *slog.Logger
	level  slog.Level
}

func NewEventLog(logger *slog.Logger, level slog.Level) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{logger: logger, level: level}
}

// Emit implements events.Emitter.
func (l *EventLog) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	args := []any{slog.String("event", evt.EventType())}
	if rec, ok := evt.(*events.Record); ok {
		for _, key := range rec.Keys() {
			args = append(args, slog.String(key, rec.Attributes[key]))
		}
	}
	l.logger.Log(context.Background(), l.level, "escrow event", args...)
}
