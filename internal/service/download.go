package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/campuslib/ebook-delivery/internal/audit"
	apperrors "github.com/campuslib/ebook-delivery/internal/errors"
	"github.com/campuslib/ebook-delivery/internal/metrics"
	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/repository"
	"github.com/campuslib/ebook-delivery/internal/util"
)

const (
	failureReasonNotifier      = "notifier_unreachable"
	failureReasonOTPIssue      = "otp_issue_failed"
	failureReasonCartDelivered = "cart_delivered"
)

type DownloadConfig struct {
	AllowedDomains []string
	SessionTTL     time.Duration
	TokenTTL       time.Duration
}

type InitiateParams struct {
	SessionKey string
	Recipient  string
	OriginIP   string
}

type InitiateItemParams struct {
	ItemID    string
	Recipient string
	OriginIP  string
}

// IssuedToken carries the plaintext bearer token. It is returned exactly once.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
	Session   *model.DownloadSession
}

// DeliveryOutcome describes what a consumed token delivered.
type DeliveryOutcome struct {
	Kind         model.DeliveryKind
	ItemID       *string
	ItemCount    int
	OmittedCount int
}

// DownloadService drives a download session from cart snapshot to delivery:
// initiated, otp_pending, otp_verified, token_issued, delivered. Sessions
// whose deadline passed are moved to expired when next read.
type DownloadService struct {
	sessions repository.DownloadSessionRepository
	carts    repository.CartRepository
	catalog  repository.CatalogRepository
	records  repository.DeliveryRecordRepository
	otp      *OTPService
	audit    audit.Sink
	guard    *RateGuard
	cfg      DownloadConfig
	clock    Clock
}

func NewDownloadService(
	sessions repository.DownloadSessionRepository,
	carts repository.CartRepository,
	catalog repository.CatalogRepository,
	records repository.DeliveryRecordRepository,
	otp *OTPService,
	sink audit.Sink,
	cfg DownloadConfig,
	clock Clock,
) *DownloadService {
	return &DownloadService{
		sessions: sessions,
		carts:    carts,
		catalog:  catalog,
		records:  records,
		otp:      otp,
		audit:    sink,
		cfg:      cfg,
		clock:    clock,
	}
}

// WithRateGuard applies the otp_issue policy per recipient once a request
// has passed validation.
func (s *DownloadService) WithRateGuard(guard *RateGuard) *DownloadService {
	s.guard = guard
	return s
}

// Initiate snapshots the cart into a new session and sends a code to the
// recipient.
func (s *DownloadService) Initiate(ctx context.Context, params InitiateParams) (*model.DownloadSession, error) {
	if params.SessionKey == "" {
		return nil, apperrors.MissingRequired("sessionKey")
	}
	recipient, err := s.validateRecipient(ctx, params.Recipient, params.OriginIP)
	if err != nil {
		return nil, err
	}

	now := s.clock.now()
	entries, err := s.carts.List(ctx, params.SessionKey, now)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if len(entries) == 0 {
		s.rejectInitiate(ctx, recipient, params.OriginIP, "empty_cart")
		return nil, apperrors.ValidationError("Cart is empty")
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ItemID
	}
	items, err := s.catalog.FindByIDs(ctx, ids)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	titles := make(map[string]string, len(items))
	for _, item := range items {
		titles[item.ID] = item.Title
	}

	snapshot := make(model.Snapshot, len(entries))
	for i, e := range entries {
		title, ok := titles[e.ItemID]
		if !ok {
			title = e.ItemID
		}
		snapshot[i] = model.SnapshotItem{ItemID: e.ItemID, Title: title}
	}

	cartKey := params.SessionKey
	return s.start(ctx, &cartKey, recipient, model.OTPPurposeSessionDownload, snapshot, params.OriginIP)
}

// InitiateItem starts a session for a single catalog item without a cart.
func (s *DownloadService) InitiateItem(ctx context.Context, params InitiateItemParams) (*model.DownloadSession, error) {
	if params.ItemID == "" {
		return nil, apperrors.MissingRequired("itemId")
	}
	recipient, err := s.validateRecipient(ctx, params.Recipient, params.OriginIP)
	if err != nil {
		return nil, err
	}

	item, err := s.catalog.FindByID(ctx, params.ItemID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if item == nil {
		return nil, apperrors.ItemUnavailable(params.ItemID, "not_in_catalog")
	}

	snapshot := model.Snapshot{{ItemID: item.ID, Title: item.Title}}
	return s.start(ctx, nil, recipient, model.OTPPurposeItemDownload, snapshot, params.OriginIP)
}

func (s *DownloadService) start(
	ctx context.Context,
	cartKey *string,
	recipient string,
	purpose model.OTPPurpose,
	snapshot model.Snapshot,
	originIP string,
) (*model.DownloadSession, error) {
	if err := s.checkIssue(ctx, recipient); err != nil {
		return nil, err
	}

	now := s.clock.now()
	session, err := s.sessions.Create(ctx, model.CreateDownloadSessionParams{
		ID:        uuid.NewString(),
		CartKey:   cartKey,
		Recipient: recipient,
		Purpose:   purpose,
		Items:     snapshot,
		OriginIP:  originIP,
		Now:       now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	s.record(ctx, session, audit.ActionSessionInitiate, model.AuditOutcomeSuccess, originIP,
		map[string]any{"items": len(snapshot), "purpose": string(purpose)})

	challenge, err := s.otp.Issue(ctx, IssueParams{ChallengeKey: s.challengeKey(session), Titles: snapshot.Titles()})
	if err != nil {
		reason := failureReasonOTPIssue
		if apperrors.Is(err, apperrors.ErrCodeExternal) {
			reason = failureReasonNotifier
		}
		s.fail(ctx, session, reason)
		return nil, err
	}

	pending, err := s.sessions.Transition(ctx, model.TransitionParams{
		ID:          session.ID,
		From:        model.DownloadStatusInitiated,
		To:          model.DownloadStatusOTPPending,
		Now:         s.clock.now(),
		ChallengeID: &challenge.ID,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if pending == nil {
		return nil, apperrors.InvalidState("Download session changed during initiation")
	}

	log.Info().
		Str("sessionId", pending.ID).
		Str("recipient", recipient).
		Int("items", len(snapshot)).
		Time("expiresAt", pending.ExpiresAt).
		Msg("download session initiated")
	return pending, nil
}

// ResendCode issues a fresh code for a session still waiting for one,
// subject to the engine's throttle.
func (s *DownloadService) ResendCode(ctx context.Context, sessionID string) (*model.DownloadSession, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == model.DownloadStatusExpired {
		return nil, apperrors.SessionExpired()
	}
	if session.Status != model.DownloadStatusOTPPending {
		return nil, apperrors.InvalidState("A new code can only be requested while verification is pending")
	}
	if err := s.checkIssue(ctx, session.Recipient); err != nil {
		return nil, err
	}

	challenge, err := s.otp.Issue(ctx, IssueParams{ChallengeKey: s.challengeKey(session), Titles: session.Items.Titles()})
	if err != nil {
		return nil, err
	}

	updated, err := s.sessions.Transition(ctx, model.TransitionParams{
		ID:          session.ID,
		From:        model.DownloadStatusOTPPending,
		To:          model.DownloadStatusOTPPending,
		Now:         s.clock.now(),
		ChallengeID: &challenge.ID,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if updated == nil {
		return nil, apperrors.InvalidState("Download session changed during resend")
	}
	return updated, nil
}

// SubmitCode verifies the code and, on success, issues the download token.
// A wrong code leaves the session in otp_pending.
func (s *DownloadService) SubmitCode(ctx context.Context, sessionID, code string) (*IssuedToken, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == model.DownloadStatusExpired {
		return nil, apperrors.SessionExpired()
	}
	if session.Status != model.DownloadStatusOTPPending {
		return nil, apperrors.InvalidState("Download session is not awaiting verification")
	}

	result, err := s.otp.Verify(ctx, s.challengeKey(session), code)
	if err != nil {
		return nil, err
	}
	switch result {
	case VerifyInvalid:
		return nil, apperrors.ChallengeMismatch()
	case VerifyExpired:
		return nil, apperrors.ChallengeExpired()
	}

	verified := true
	session, err = s.sessions.Transition(ctx, model.TransitionParams{
		ID:          session.ID,
		From:        model.DownloadStatusOTPPending,
		To:          model.DownloadStatusOTPVerified,
		Now:         s.clock.now(),
		OTPVerified: &verified,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.InvalidState("Download session changed during verification")
	}

	token, err := util.GenerateToken()
	if err != nil {
		return nil, apperrors.Internal("failed to generate download token").WithCause(err)
	}
	tokenHash := util.HashToken(token)
	now := s.clock.now()
	tokenExpiresAt := now.Add(s.cfg.TokenTTL)

	session, err = s.sessions.Transition(ctx, model.TransitionParams{
		ID:             session.ID,
		From:           model.DownloadStatusOTPVerified,
		To:             model.DownloadStatusTokenIssued,
		Now:            now,
		TokenHash:      &tokenHash,
		TokenExpiresAt: &tokenExpiresAt,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.InvalidState("Download session changed during token issue")
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("token", util.TokenPrefix(token)).
		Time("expiresAt", tokenExpiresAt).
		Msg("download token issued")
	s.record(ctx, session, audit.ActionTokenIssue, model.AuditOutcomeSuccess, "",
		map[string]any{"tokenExpiresAt": tokenExpiresAt.Format(time.RFC3339)})

	return &IssuedToken{Token: token, ExpiresAt: tokenExpiresAt, Session: session}, nil
}

// Status returns the session after applying lazy expiry.
func (s *DownloadService) Status(ctx context.Context, sessionID string) (*model.DownloadSession, error) {
	return s.load(ctx, sessionID)
}

// Authorize checks that token may start a delivery without consuming it.
func (s *DownloadService) Authorize(ctx context.Context, token, originIP string) (*model.DownloadSession, error) {
	if token == "" {
		return nil, apperrors.InvalidToken("Download token is required")
	}

	session, err := s.sessions.FindByTokenHash(ctx, util.HashToken(token))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.InvalidToken("Unknown download token")
	}
	if err := s.tokenError(ctx, session, originIP); err != nil {
		return nil, err
	}
	return session, nil
}

// Consume atomically moves the session to delivered and fails the other
// open sessions of its cart. Exactly one caller per token, and one session
// per cart, succeeds; the rest get TokenAlreadyUsed or InvalidToken. On
// success the originating cart is cleared and a delivery record appended.
func (s *DownloadService) Consume(ctx context.Context, session *model.DownloadSession, originIP string, outcome DeliveryOutcome) (*model.DownloadSession, error) {
	if session.TokenHash == nil {
		return nil, apperrors.InvalidToken("Download session has no token")
	}

	now := s.clock.now()
	delivered, closed, err := s.sessions.ConsumeToken(ctx, model.ConsumeTokenParams{
		TokenHash:     *session.TokenHash,
		SiblingReason: failureReasonCartDelivered,
		Now:           now,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if delivered == nil {
		current, err := s.sessions.FindByTokenHash(ctx, *session.TokenHash)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if current == nil {
			return nil, apperrors.InvalidToken("Unknown download token")
		}
		if err := s.tokenError(ctx, current, originIP); err != nil {
			return nil, err
		}
		return nil, apperrors.TokenAlreadyUsed()
	}

	// The token is spent. Follow-up writes must finish even if the client
	// goes away.
	ctx = context.WithoutCancel(ctx)

	if delivered.CartKey != nil {
		if _, err := s.carts.Clear(ctx, *delivered.CartKey); err != nil {
			log.Error().Err(err).Str("sessionId", delivered.ID).Msg("Failed to clear delivered cart")
		}
	}
	if closed > 0 {
		log.Info().Str("sessionId", delivered.ID).Int64("closed", closed).Msg("closed sibling sessions of delivered cart")
	}

	if _, err := s.records.Create(ctx, model.CreateDeliveryRecordParams{
		SessionID:      delivered.ID,
		ItemID:         outcome.ItemID,
		Recipient:      delivered.Recipient,
		ItemCount:      outcome.ItemCount,
		OmittedCount:   outcome.OmittedCount,
		Kind:           outcome.Kind,
		OriginIdentity: originIP,
		CreatedAt:      now,
	}); err != nil {
		log.Error().Err(err).Str("sessionId", delivered.ID).Msg("Failed to append delivery record")
	}

	metrics.DownloadsTotal.WithLabelValues(string(outcome.Kind)).Inc()
	log.Info().
		Str("sessionId", delivered.ID).
		Str("kind", string(outcome.Kind)).
		Int("items", outcome.ItemCount).
		Int("omitted", outcome.OmittedCount).
		Msg("download delivered")
	s.record(ctx, delivered, audit.ActionDeliver, model.AuditOutcomeSuccess, originIP, map[string]any{
		"kind":    string(outcome.Kind),
		"items":   outcome.ItemCount,
		"omitted": outcome.OmittedCount,
	})

	return delivered, nil
}

// SweepExpired marks stale sessions expired.
func (s *DownloadService) SweepExpired(ctx context.Context) (int64, error) {
	return s.sessions.MarkExpired(ctx, s.clock.now())
}

// PurgeTerminal deletes terminal sessions last updated before now-retention.
func (s *DownloadService) PurgeTerminal(ctx context.Context, retention time.Duration) (int64, error) {
	return s.sessions.DeleteTerminalBefore(ctx, s.clock.now().Add(-retention))
}

// tokenError classifies why session cannot be delivered, or returns nil
// when its token is live.
func (s *DownloadService) tokenError(ctx context.Context, session *model.DownloadSession, originIP string) error {
	if session.Status == model.DownloadStatusDelivered || session.TokenUsedAt != nil {
		metrics.TokenReuseTotal.Inc()
		log.Warn().
			Str("sessionId", session.ID).
			Str("recipient", session.Recipient).
			Str("ip", originIP).
			Msg("download token reuse attempt")
		s.record(ctx, session, audit.ActionTokenReuse, model.AuditOutcomeDenied, originIP, nil)
		return apperrors.TokenAlreadyUsed()
	}

	session, err := s.expireIfStale(ctx, session)
	if err != nil {
		return err
	}

	switch session.Status {
	case model.DownloadStatusTokenIssued:
		return nil
	case model.DownloadStatusExpired:
		return apperrors.TokenExpired()
	case model.DownloadStatusDelivered:
		return apperrors.TokenAlreadyUsed()
	default:
		return apperrors.InvalidToken("Download session is no longer valid")
	}
}

func (s *DownloadService) checkIssue(ctx context.Context, recipient string) error {
	if s.guard == nil {
		return nil
	}
	return s.guard.Check(ctx, recipient, RateActionOTPIssue)
}

func (s *DownloadService) load(ctx context.Context, sessionID string) (*model.DownloadSession, error) {
	if sessionID == "" {
		return nil, apperrors.MissingRequired("downloadSessionId")
	}
	if !util.IsValidUUID(sessionID) {
		return nil, apperrors.NotFound("Download session")
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Download session")
	}
	return s.expireIfStale(ctx, session)
}

// expireIfStale moves a session past its deadline, or holding a lapsed
// token, to expired.
func (s *DownloadService) expireIfStale(ctx context.Context, session *model.DownloadSession) (*model.DownloadSession, error) {
	if session.Status.IsTerminal() {
		return session, nil
	}

	now := s.clock.now()
	tokenLapsed := session.Status == model.DownloadStatusTokenIssued && session.TokenExpiredAt(now)
	if !session.IsExpiredAt(now) && !tokenLapsed {
		return session, nil
	}

	expired, err := s.sessions.Transition(ctx, model.TransitionParams{
		ID:   session.ID,
		From: session.Status,
		To:   model.DownloadStatusExpired,
		Now:  now,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if expired == nil {
		current, err := s.sessions.FindByID(ctx, session.ID)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if current == nil {
			return nil, apperrors.NotFound("Download session")
		}
		return current, nil
	}

	s.record(ctx, expired, audit.ActionSessionExpire, model.AuditOutcomeFailure, "",
		map[string]any{"from": string(session.Status)})
	return expired, nil
}

func (s *DownloadService) fail(ctx context.Context, session *model.DownloadSession, reason string) {
	ctx = context.WithoutCancel(ctx)
	failed, err := s.sessions.Transition(ctx, model.TransitionParams{
		ID:            session.ID,
		From:          session.Status,
		To:            model.DownloadStatusFailed,
		Now:           s.clock.now(),
		FailureReason: &reason,
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("Failed to mark download session failed")
		return
	}
	if failed != nil {
		s.record(ctx, failed, audit.ActionSessionFail, model.AuditOutcomeFailure, "", map[string]any{"reason": reason})
	}
}

func (s *DownloadService) validateRecipient(ctx context.Context, raw, originIP string) (string, error) {
	recipient := util.NormalizeEmail(raw)
	if recipient == "" {
		return "", apperrors.MissingRequired("recipient")
	}
	if !util.IsValidEmail(recipient) {
		s.rejectInitiate(ctx, recipient, originIP, "invalid_recipient")
		return "", apperrors.ValidationError("Recipient must be a valid email address")
	}
	if !util.IsAllowedDomain(recipient, s.cfg.AllowedDomains) {
		s.rejectInitiate(ctx, recipient, originIP, "recipient_domain_not_allowed")
		return "", apperrors.ValidationError("Recipient must use an institutional email address")
	}
	return recipient, nil
}

func (s *DownloadService) rejectInitiate(ctx context.Context, recipient, originIP, reason string) {
	s.audit.Record(ctx, audit.Entry{
		Actor:      recipient,
		Action:     audit.ActionSessionInitiate,
		EntityType: audit.EntityDownloadSession,
		Outcome:    model.AuditOutcomeFailure,
		IP:         originIP,
		Details:    map[string]any{"reason": reason},
		At:         s.clock.now(),
	})
}

func (s *DownloadService) challengeKey(session *model.DownloadSession) model.ChallengeKey {
	return model.ChallengeKey{
		Recipient:   session.Recipient,
		Purpose:     session.Purpose,
		ReferenceID: session.ID,
	}
}

func (s *DownloadService) record(ctx context.Context, session *model.DownloadSession, action audit.Action, outcome model.AuditOutcome, ip string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["status"] = string(session.Status)
	s.audit.Record(ctx, audit.Entry{
		Actor:      session.Recipient,
		Action:     action,
		EntityType: audit.EntityDownloadSession,
		EntityID:   session.ID,
		Outcome:    outcome,
		IP:         ip,
		Details:    details,
		At:         s.clock.now(),
	})
}
