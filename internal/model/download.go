package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotItem is one entry of a session's frozen cart contents
type SnapshotItem struct {
	ItemID string `json:"itemId"`
	Title  string `json:"title"`
}

// Snapshot is an ordered list of items stored as JSONB
type Snapshot []SnapshotItem

// Value implements driver.Valuer
func (s Snapshot) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner
func (s *Snapshot) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = Snapshot{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("snapshot: unsupported type %T", src)
	}
	return json.Unmarshal(raw, s)
}

// Contains reports whether itemID is part of the snapshot
func (s Snapshot) Contains(itemID string) bool {
	for _, item := range s {
		if item.ItemID == itemID {
			return true
		}
	}
	return false
}

func (s Snapshot) Titles() []string {
	titles := make([]string, len(s))
	for i, item := range s {
		titles[i] = item.Title
	}
	return titles
}

// DownloadSession is one download attempt: a frozen cart snapshot moving
// through the OTP and token stages.
type DownloadSession struct {
	ID             string         `db:"id" json:"id"`
	CartKey        *string        `db:"cart_key" json:"-"`
	Recipient      string         `db:"recipient" json:"recipient"`
	Purpose        OTPPurpose     `db:"purpose" json:"purpose"`
	Items          Snapshot       `db:"items" json:"items"`
	Status         DownloadStatus `db:"status" json:"status"`
	ChallengeID    *string        `db:"challenge_id" json:"-"`
	OTPVerified    bool           `db:"otp_verified" json:"otpVerified"`
	TokenHash      *string        `db:"token_hash" json:"-"`
	TokenExpiresAt *time.Time     `db:"token_expires_at" json:"tokenExpiresAt,omitempty"`
	TokenUsedAt    *time.Time     `db:"token_used_at" json:"-"`
	FailureReason  *string        `db:"failure_reason" json:"failureReason,omitempty"`
	OriginIP       string         `db:"origin_ip" json:"-"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
	ExpiresAt      time.Time      `db:"expires_at" json:"expiresAt"`
	DeliveredAt    *time.Time     `db:"delivered_at" json:"deliveredAt,omitempty"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updatedAt"`
}

// CreateDownloadSessionParams contains parameters for creating a session
type CreateDownloadSessionParams struct {
	ID        string
	CartKey   *string
	Recipient string
	Purpose   OTPPurpose
	Items     Snapshot
	OriginIP  string
	Now       time.Time
	ExpiresAt time.Time
}

// TransitionParams describes a conditional state change. The change only
// applies when the stored status still equals From.
type TransitionParams struct {
	ID             string
	From           DownloadStatus
	To             DownloadStatus
	Now            time.Time
	ChallengeID    *string
	OTPVerified    *bool
	TokenHash      *string
	TokenExpiresAt *time.Time
	FailureReason  *string
}

// Allowed reports whether the change moves the session forward. The only
// self-loop is otp_pending, taken when a code is re-sent.
func (p TransitionParams) Allowed() bool {
	if p.From == p.To {
		return p.From == DownloadStatusOTPPending
	}
	return p.From.CanTransition(p.To)
}

// ConsumeTokenParams spends a download token. Other open sessions of the
// same cart are failed with SiblingReason in the same step.
type ConsumeTokenParams struct {
	TokenHash     string
	SiblingReason string
	Now           time.Time
}

// IsExpiredAt checks whether the session deadline has passed
func (s *DownloadSession) IsExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TokenExpiredAt checks whether the issued token deadline has passed
func (s *DownloadSession) TokenExpiredAt(now time.Time) bool {
	return s.TokenExpiresAt == nil || !now.Before(*s.TokenExpiresAt)
}
