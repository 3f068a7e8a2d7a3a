package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to DownloadStatus
		want     bool
	}{
		{DownloadStatusInitiated, DownloadStatusOTPPending, true},
		{DownloadStatusOTPPending, DownloadStatusOTPVerified, true},
		{DownloadStatusOTPVerified, DownloadStatusTokenIssued, true},
		{DownloadStatusTokenIssued, DownloadStatusDelivered, true},
		{DownloadStatusOTPPending, DownloadStatusExpired, true},
		{DownloadStatusInitiated, DownloadStatusFailed, true},
		{DownloadStatusOTPPending, DownloadStatusTokenIssued, false},
		{DownloadStatusTokenIssued, DownloadStatusOTPPending, false},
		{DownloadStatusDelivered, DownloadStatusExpired, false},
		{DownloadStatusExpired, DownloadStatusOTPPending, false},
		{DownloadStatusFailed, DownloadStatusInitiated, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.want, tc.from.CanTransition(tc.to))
		})
	}
}

func TestTransitionParams_Allowed(t *testing.T) {
	assert.True(t, TransitionParams{From: DownloadStatusOTPPending, To: DownloadStatusOTPPending}.Allowed())
	assert.True(t, TransitionParams{From: DownloadStatusOTPVerified, To: DownloadStatusTokenIssued}.Allowed())
	assert.False(t, TransitionParams{From: DownloadStatusTokenIssued, To: DownloadStatusTokenIssued}.Allowed())
	assert.False(t, TransitionParams{From: DownloadStatusDelivered, To: DownloadStatusFailed}.Allowed())
	assert.False(t, TransitionParams{From: DownloadStatusInitiated, To: DownloadStatusOTPVerified}.Allowed())
}

func TestSnapshot_ScanValue(t *testing.T) {
	snap := Snapshot{{ItemID: "A", Title: "Algebra"}, {ItemID: "B", Title: "Biology"}}

	raw, err := snap.Value()
	require.NoError(t, err)

	var out Snapshot
	require.NoError(t, out.Scan(raw))
	assert.Equal(t, snap, out)
	assert.True(t, out.Contains("B"))
	assert.False(t, out.Contains("C"))

	var empty Snapshot
	require.NoError(t, empty.Scan(nil))
	assert.Empty(t, empty)
}

func TestDownloadSession_Expiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	session := &DownloadSession{ExpiresAt: now.Add(time.Hour)}

	assert.False(t, session.IsExpiredAt(now))
	assert.True(t, session.IsExpiredAt(now.Add(time.Hour)))
	assert.True(t, session.TokenExpiredAt(now))

	tokenExpiry := now.Add(10 * time.Minute)
	session.TokenExpiresAt = &tokenExpiry
	assert.False(t, session.TokenExpiredAt(now))
	assert.True(t, session.TokenExpiredAt(now.Add(11*time.Minute)))
}
