package model

import (
	"time"
)

// CartEntry is one item reference held in a session-keyed cart
type CartEntry struct {
	SessionKey string    `db:"session_key" json:"sessionKey"`
	ItemID     string    `db:"item_id" json:"itemId"`
	AddedAt    time.Time `db:"added_at" json:"addedAt"`
	ExpiresAt  time.Time `db:"expires_at" json:"expiresAt"`
}

// AddCartEntryParams contains parameters for adding a cart entry
type AddCartEntryParams struct {
	SessionKey string
	ItemID     string
	MaxItems   int
	Now        time.Time
	TTL        time.Duration
}

// IsExpiredAt checks if the entry has expired at the given instant
func (e *CartEntry) IsExpiredAt(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

type CartAddStatus string

const (
	CartAddStatusAdded          CartAddStatus = "added"
	CartAddStatusAlreadyPresent CartAddStatus = "already_present"
)
