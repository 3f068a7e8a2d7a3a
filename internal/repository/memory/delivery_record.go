package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/repository"
)

var _ repository.DeliveryRecordRepository = (*DeliveryRecordRepository)(nil)

type DeliveryRecordRepository struct {
	mu      sync.RWMutex
	records []model.DeliveryRecord
}

func NewDeliveryRecordRepository() *DeliveryRecordRepository {
	return &DeliveryRecordRepository{}
}

func (r *DeliveryRecordRepository) Create(ctx context.Context, params model.CreateDeliveryRecordParams) (*model.DeliveryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record := model.DeliveryRecord{
		ID:             uuid.NewString(),
		SessionID:      params.SessionID,
		ItemID:         params.ItemID,
		Recipient:      params.Recipient,
		ItemCount:      params.ItemCount,
		OmittedCount:   params.OmittedCount,
		Kind:           params.Kind,
		OriginIdentity: params.OriginIdentity,
		CreatedAt:      params.CreatedAt,
	}
	r.records = append(r.records, record)
	return &record, nil
}

func (r *DeliveryRecordRepository) ListBySession(ctx context.Context, sessionID string) ([]model.DeliveryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := []model.DeliveryRecord{}
	for _, rec := range r.records {
		if rec.SessionID == sessionID {
			records = append(records, rec)
		}
	}
	return records, nil
}
