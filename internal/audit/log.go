package audit

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/campuslib/ebook-delivery/internal/model"
)

// LogSink writes entries to the global zerolog logger.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Record(ctx context.Context, entry Entry) {
	logger := log.With().
		Str("audit", "download").
		Str("action", string(entry.Action)).
		Str("outcome", string(entry.Outcome)).
		Time("timestamp", entry.At).
		Logger()

	if entry.Actor != "" {
		logger = logger.With().Str("actor", entry.Actor).Logger()
	}
	if entry.EntityID != "" {
		logger = logger.With().Str("entity_type", entry.EntityType).Str("entity_id", entry.EntityID).Logger()
	}
	if entry.IP != "" {
		logger = logger.With().Str("ip", entry.IP).Logger()
	}

	event := logger.Info()
	if entry.Outcome != model.AuditOutcomeSuccess {
		event = logger.Warn()
	}
	for k, v := range entry.Details {
		event = addField(event, k, v)
	}
	event.Msg("audit event")
}

func addField(e *zerolog.Event, key string, value any) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	case []string:
		return e.Strs(key, v)
	default:
		return e.Interface(key, v)
	}
}
