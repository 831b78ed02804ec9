package notify

import (
	"context"

	"github.com/go-tick/caretaker/internal/event"
	"github.com/go-tick/caretaker/internal/logger"
)

// Log writes events as structured log lines. It never fails.
type Log struct {
	name string
	log  logger.Logger
}

func NewLog(name string, log logger.Logger) *Log {
	if name == "" {
		name = "log"
	}
	return &Log{name: name, log: log}
}

func (l *Log) Name() string { return l.name }

func (l *Log) Deliver(_ context.Context, ev event.Event) error {
	fields := []logger.Field{
		logger.String("event_id", ev.ID),
		logger.String("job", ev.JobName),
		logger.String("severity", string(ev.Severity)),
		logger.String("dedup_key", ev.DedupKey),
		logger.Time("first_seen_at", ev.FirstSeenAt),
	}

	switch ev.Severity {
	case event.SeverityCritical:
		l.log.Error(ev.Message, fields...)
	case event.SeverityWarning:
		l.log.Warn(ev.Message, fields...)
	default:
		l.log.Info(ev.Message, fields...)
	}
	return nil
}

var _ Channel = (*Log)(nil)
