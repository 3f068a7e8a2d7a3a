package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campuslib/ebook-delivery/internal/model"
)

// DeliveryRecordRepository is append-only: records are never updated or deleted.
type DeliveryRecordRepository interface {
	Create(ctx context.Context, params model.CreateDeliveryRecordParams) (*model.DeliveryRecord, error)
	ListBySession(ctx context.Context, sessionID string) ([]model.DeliveryRecord, error)
}

type deliveryRecordRepo struct {
	db *sqlx.DB
}

func NewDeliveryRecordRepository(db *sqlx.DB) DeliveryRecordRepository {
	return &deliveryRecordRepo{db: db}
}

func (r *deliveryRecordRepo) Create(ctx context.Context, params model.CreateDeliveryRecordParams) (*model.DeliveryRecord, error) {
	var record model.DeliveryRecord
	err := r.db.GetContext(ctx, &record, `
		INSERT INTO delivery_records (
			id, session_id, item_id, recipient, item_count, omitted_count, kind, origin_identity, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING *
	`, uuid.NewString(), params.SessionID, params.ItemID, params.Recipient, params.ItemCount,
		params.OmittedCount, params.Kind, params.OriginIdentity, params.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *deliveryRecordRepo) ListBySession(ctx context.Context, sessionID string) ([]model.DeliveryRecord, error) {
	records := []model.DeliveryRecord{}
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM delivery_records WHERE session_id = $1 ORDER BY created_at
	`, sessionID)
	return records, err
}
