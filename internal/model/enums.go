package model

type DownloadStatus string

const (
	DownloadStatusInitiated   DownloadStatus = "initiated"
	DownloadStatusOTPPending  DownloadStatus = "otp_pending"
	DownloadStatusOTPVerified DownloadStatus = "otp_verified"
	DownloadStatusTokenIssued DownloadStatus = "token_issued"
	DownloadStatusDelivered   DownloadStatus = "delivered"
	DownloadStatusExpired     DownloadStatus = "expired"
	DownloadStatusFailed      DownloadStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s DownloadStatus) IsTerminal() bool {
	switch s {
	case DownloadStatusDelivered, DownloadStatusExpired, DownloadStatusFailed:
		return true
	default:
		return false
	}
}

var statusRank = map[DownloadStatus]int{
	DownloadStatusInitiated:   0,
	DownloadStatusOTPPending:  1,
	DownloadStatusOTPVerified: 2,
	DownloadStatusTokenIssued: 3,
	DownloadStatusDelivered:   4,
}

// CanTransition reports whether moving from s to next is a forward step.
// Expired is reachable from any non-terminal state, failed from any
// state before delivery.
func (s DownloadStatus) CanTransition(next DownloadStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case DownloadStatusExpired, DownloadStatusFailed:
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to == from+1
}

type OTPPurpose string

const (
	OTPPurposeItemDownload    OTPPurpose = "item_download"
	OTPPurposeSessionDownload OTPPurpose = "session_download"
	OTPPurposePrivileged      OTPPurpose = "privileged"
)

type DeliveryKind string

const (
	DeliveryKindSingle DeliveryKind = "single"
	DeliveryKindBundle DeliveryKind = "bundle"
)

type AuditOutcome string

const (
	AuditOutcomeSuccess AuditOutcome = "success"
	AuditOutcomeFailure AuditOutcome = "failure"
	AuditOutcomeDenied  AuditOutcome = "denied"
)
