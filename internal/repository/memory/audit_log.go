package memory

import (
	"context"
	"sync"

	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/repository"
)

var _ repository.AuditLogRepository = (*AuditLogRepository)(nil)

type AuditLogRepository struct {
	mu      sync.RWMutex
	entries []model.AuditEntry
}

func NewAuditLogRepository() *AuditLogRepository {
	return &AuditLogRepository{}
}

func (r *AuditLogRepository) Create(ctx context.Context, entry model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.ID = int64(len(r.entries) + 1)
	r.entries = append(r.entries, entry)
	return nil
}

func (r *AuditLogRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]model.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := []model.AuditEntry{}
	for _, e := range r.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
