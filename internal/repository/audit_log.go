package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/campuslib/ebook-delivery/internal/model"
)

// AuditLogRepository appends to the audit_log table
type AuditLogRepository interface {
	Create(ctx context.Context, entry model.AuditEntry) error
	ListByEntity(ctx context.Context, entityType, entityID string) ([]model.AuditEntry, error)
}

type auditLogRepo struct {
	db *sqlx.DB
}

func NewAuditLogRepository(db *sqlx.DB) AuditLogRepository {
	return &auditLogRepo{db: db}
}

func (r *auditLogRepo) Create(ctx context.Context, entry model.AuditEntry) error {
	metadata := string(entry.Metadata)
	if metadata == "" {
		metadata = "{}"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, entity_type, entity_id, outcome, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.Actor, entry.Action, entry.EntityType, entry.EntityID, entry.Outcome, metadata, entry.CreatedAt)
	return err
}

func (r *auditLogRepo) ListByEntity(ctx context.Context, entityType, entityID string) ([]model.AuditEntry, error) {
	entries := []model.AuditEntry{}
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY id
	`, entityType, entityID)
	return entries, err
}
