package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/diagnosis/labbooking/pkg/events"
	"github.com/diagnosis/labbooking/pkg/logger"
)

// LogSink writes events to the structured application log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Write(ctx context.Context, e Event) error {
	l := s.Logger
	if l == nil {
		l = logger.WithContext(ctx)
	}

	level := slog.LevelInfo
	switch e.Severity {
	case SeverityHigh:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}

	l.LogAttrs(ctx, level, "audit",
		slog.String("audit_id", e.ID),
		slog.Time("timestamp", e.Timestamp),
		slog.String("actor_id", e.ActorID),
		slog.String("action", e.Action),
		slog.String("severity", string(e.Severity)),
		slog.String("outcome", string(e.Outcome)),
		slog.String("ip_address", e.IPAddress),
		slog.String("user_agent", e.UserAgent),
		slog.String("resource_type", e.ResourceType),
		slog.String("resource_id", e.ResourceID),
		slog.Any("details", e.Details),
	)
	return nil
}

// EventSink publishes events on the bus under audit.<category>.
type EventSink struct {
	Publisher events.Publisher
}

func (s EventSink) Write(ctx context.Context, e Event) error {
	return s.Publisher.Publish(ctx, events.AuditPrefix+e.Category(), e)
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
