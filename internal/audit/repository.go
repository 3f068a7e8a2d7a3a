package audit

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/repository"
)

// RepositorySink appends entries to the audit_log table.
type RepositorySink struct {
	repo repository.AuditLogRepository
}

func NewRepositorySink(repo repository.AuditLogRepository) *RepositorySink {
	return &RepositorySink{repo: repo}
}

func (s *RepositorySink) Record(ctx context.Context, entry Entry) {
	metadata := make(map[string]any, len(entry.Details)+1)
	for k, v := range entry.Details {
		metadata[k] = v
	}
	if entry.IP != "" {
		metadata["ip"] = entry.IP
	}

	raw, err := json.Marshal(metadata)
	if err != nil {
		log.Error().Err(err).Str("action", string(entry.Action)).Msg("Failed to encode audit metadata")
		raw = []byte("{}")
	}

	err = s.repo.Create(ctx, model.AuditEntry{
		Actor:      entry.Actor,
		Action:     string(entry.Action),
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Outcome:    entry.Outcome,
		Metadata:   raw,
		CreatedAt:  entry.At,
	})
	if err != nil {
		log.Error().Err(err).Str("action", string(entry.Action)).Msg("Failed to persist audit entry")
	}
}
