package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/campuslib/ebook-delivery/internal/audit"
	"github.com/campuslib/ebook-delivery/internal/config"
	apperrors "github.com/campuslib/ebook-delivery/internal/errors"
	"github.com/campuslib/ebook-delivery/internal/metrics"
	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/notifier"
	"github.com/campuslib/ebook-delivery/internal/repository"
	"github.com/campuslib/ebook-delivery/internal/util"
)

// OTPPolicy bounds the lifetime and reissue rate of codes for one purpose.
type OTPPolicy struct {
	TTL      time.Duration
	Throttle time.Duration
}

var otpPolicies = map[model.OTPPurpose]OTPPolicy{
	model.OTPPurposeItemDownload:    {TTL: 10 * time.Minute, Throttle: 2 * time.Minute},
	model.OTPPurposeSessionDownload: {TTL: 10 * time.Minute, Throttle: 5 * time.Minute},
	model.OTPPurposePrivileged:      {TTL: 15 * time.Minute, Throttle: 5 * time.Minute},
}

func PolicyFor(purpose model.OTPPurpose) (OTPPolicy, bool) {
	p, ok := otpPolicies[purpose]
	return p, ok
}

type VerifyResult string

const (
	VerifyVerified VerifyResult = "verified"
	VerifyInvalid  VerifyResult = "invalid"
	VerifyExpired  VerifyResult = "expired"
)

type IssueParams struct {
	model.ChallengeKey
	// Titles are included in the message body.
	Titles []string
}

// OTPService issues and verifies one-time codes bound to
// (recipient, purpose, reference).
type OTPService struct {
	challenges repository.ChallengeRepository
	notifier   notifier.Notifier
	audit      audit.Sink
	clock      Clock
}

func NewOTPService(
	challenges repository.ChallengeRepository,
	n notifier.Notifier,
	sink audit.Sink,
	clock Clock,
) *OTPService {
	return &OTPService{challenges: challenges, notifier: n, audit: sink, clock: clock}
}

// Issue replaces any unused challenge for the tuple with a fresh code and
// sends it. When sending fails the new challenge is removed.
func (s *OTPService) Issue(ctx context.Context, params IssueParams) (*model.OTPChallenge, error) {
	policy, ok := PolicyFor(params.Purpose)
	if !ok {
		return nil, apperrors.InvalidInput("purpose", fmt.Sprintf("unknown purpose %q", params.Purpose))
	}

	code, err := util.GenerateOTPCode()
	if err != nil {
		return nil, apperrors.Internal("failed to generate verification code").WithCause(err)
	}

	now := s.clock.now()
	challenge, err := s.challenges.Supersede(ctx, model.CreateChallengeParams{
		ChallengeKey: params.ChallengeKey,
		Code:         code,
		Now:          now,
		ExpiresAt:    now.Add(policy.TTL),
		Throttle:     policy.Throttle,
	})
	var throttled *repository.ThrottledError
	if errors.As(err, &throttled) {
		s.record(ctx, params.ChallengeKey, audit.ActionOTPIssue, model.AuditOutcomeDenied, now,
			map[string]any{"reason": "throttled", "retryAfterMs": throttled.RetryAfter.Milliseconds()})
		return nil, apperrors.RateLimitExceeded(throttled.RetryAfter)
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, config.NotifierTimeout)
	defer cancel()

	err = s.notifier.Send(sendCtx, notifier.Message{
		Recipient: params.Recipient,
		Purpose:   params.Purpose,
		Code:      code,
		ExpiresAt: challenge.ExpiresAt,
		Titles:    params.Titles,
	})
	if err != nil {
		if delErr := s.challenges.Delete(ctx, challenge.ID); delErr != nil {
			log.Error().Err(delErr).Str("challengeId", challenge.ID).Msg("Failed to remove unsent challenge")
		}
		log.Error().
			Err(err).
			Str("recipient", params.Recipient).
			Str("purpose", string(params.Purpose)).
			Msg("verification code delivery failed")
		s.record(ctx, params.ChallengeKey, audit.ActionOTPIssue, model.AuditOutcomeFailure, now,
			map[string]any{"reason": "notifier_unreachable"})
		return nil, apperrors.External("notifier", err)
	}

	metrics.OTPIssuedTotal.WithLabelValues(string(params.Purpose)).Inc()
	log.Info().
		Str("challengeId", challenge.ID).
		Str("recipient", params.Recipient).
		Str("purpose", string(params.Purpose)).
		Str("code", util.MaskCode(code)).
		Time("expiresAt", challenge.ExpiresAt).
		Msg("verification code issued")
	s.record(ctx, params.ChallengeKey, audit.ActionOTPIssue, model.AuditOutcomeSuccess, now,
		map[string]any{"challengeId": challenge.ID})

	return challenge, nil
}

// Verify checks and consumes a code in one step. A code succeeds at most once.
func (s *OTPService) Verify(ctx context.Context, key model.ChallengeKey, code string) (VerifyResult, error) {
	now := s.clock.now()

	if !util.IsValidOTPCode(code) {
		s.recordVerify(ctx, key, VerifyInvalid, now)
		return VerifyInvalid, nil
	}

	consumed, err := s.challenges.ConsumeMatching(ctx, key, code, now)
	if err != nil {
		return "", apperrors.Database(err)
	}
	if consumed != nil {
		s.recordVerify(ctx, key, VerifyVerified, now)
		return VerifyVerified, nil
	}

	result := VerifyInvalid
	latest, err := s.challenges.FindLatest(ctx, key)
	if err != nil {
		return "", apperrors.Database(err)
	}
	if latest != nil && !latest.IsUsed && latest.IsExpiredAt(now) && util.ConstantTimeEqual(latest.Code, code) {
		result = VerifyExpired
	}

	s.recordVerify(ctx, key, result, now)
	return result, nil
}

func (s *OTPService) SweepExpired(ctx context.Context) (int64, error) {
	return s.challenges.DeleteExpired(ctx, s.clock.now())
}

func (s *OTPService) recordVerify(ctx context.Context, key model.ChallengeKey, result VerifyResult, now time.Time) {
	metrics.OTPVerificationsTotal.WithLabelValues(string(result)).Inc()

	outcome := model.AuditOutcomeSuccess
	if result != VerifyVerified {
		outcome = model.AuditOutcomeFailure
		log.Warn().
			Str("recipient", key.Recipient).
			Str("referenceId", key.ReferenceID).
			Str("result", string(result)).
			Msg("verification code rejected")
	}
	s.record(ctx, key, audit.ActionOTPVerify, outcome, now, map[string]any{"result": string(result)})
}

func (s *OTPService) record(ctx context.Context, key model.ChallengeKey, action audit.Action, outcome model.AuditOutcome, now time.Time, details map[string]any) {
	details["purpose"] = string(key.Purpose)
	s.audit.Record(ctx, audit.Entry{
		Actor:      key.Recipient,
		Action:     action,
		EntityType: audit.EntityDownloadSession,
		EntityID:   key.ReferenceID,
		Outcome:    outcome,
		Details:    details,
		At:         now,
	})
}
