package model

import (
	"time"
)

// DeliveryRecord is an append-only note that a delivery happened
type DeliveryRecord struct {
	ID             string       `db:"id" json:"id"`
	SessionID      string       `db:"session_id" json:"sessionId"`
	ItemID         *string      `db:"item_id" json:"itemId,omitempty"`
	Recipient      string       `db:"recipient" json:"recipient"`
	ItemCount      int          `db:"item_count" json:"itemCount"`
	OmittedCount   int          `db:"omitted_count" json:"omittedCount"`
	Kind           DeliveryKind `db:"kind" json:"kind"`
	OriginIdentity string       `db:"origin_identity" json:"originIdentity"`
	CreatedAt      time.Time    `db:"created_at" json:"createdAt"`
}

// CreateDeliveryRecordParams contains parameters for appending a delivery record
type CreateDeliveryRecordParams struct {
	SessionID      string
	ItemID         *string
	Recipient      string
	ItemCount      int
	OmittedCount   int
	Kind           DeliveryKind
	OriginIdentity string
	CreatedAt      time.Time
}
