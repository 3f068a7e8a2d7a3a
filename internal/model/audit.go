package model

import (
	"encoding/json"
	"time"
)

// AuditEntry is one row of the append-only audit log
type AuditEntry struct {
	ID         int64           `db:"id" json:"id"`
	Actor      string          `db:"actor" json:"actor"`
	Action     string          `db:"action" json:"action"`
	EntityType string          `db:"entity_type" json:"entityType"`
	EntityID   string          `db:"entity_id" json:"entityId"`
	Outcome    AuditOutcome    `db:"outcome" json:"outcome"`
	Metadata   json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
}
