package model

import (
	"time"
)

// OTPChallenge is a one-time code bound to (recipient, purpose, reference)
type OTPChallenge struct {
	ID          string     `db:"id" json:"id"`
	Recipient   string     `db:"recipient" json:"recipient"`
	Code        string     `db:"code" json:"-"`
	Purpose     OTPPurpose `db:"purpose" json:"purpose"`
	ReferenceID string     `db:"reference_id" json:"referenceId"`
	IsUsed      bool       `db:"is_used" json:"isUsed"`
	ExpiresAt   time.Time  `db:"expires_at" json:"expiresAt"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
}

// ChallengeKey identifies the tuple a challenge is bound to
type ChallengeKey struct {
	Recipient   string
	Purpose     OTPPurpose
	ReferenceID string
}

// CreateChallengeParams contains parameters for issuing a challenge
type CreateChallengeParams struct {
	ChallengeKey
	Code      string
	Now       time.Time
	ExpiresAt time.Time
	// Throttle rejects the insert when the newest challenge for the key
	// was created less than Throttle ago.
	Throttle time.Duration
}

// IsExpiredAt checks if the challenge has expired at the given instant
func (c *OTPChallenge) IsExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
