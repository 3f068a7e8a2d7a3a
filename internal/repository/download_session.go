package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/campuslib/ebook-delivery/internal/database"
	"github.com/campuslib/ebook-delivery/internal/model"
)

// DownloadSessionRepository persists download sessions. Every state change
// is a conditional update so concurrent callers cannot both win.
type DownloadSessionRepository interface {
	Create(ctx context.Context, params model.CreateDownloadSessionParams) (*model.DownloadSession, error)
	FindByID(ctx context.Context, id string) (*model.DownloadSession, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.DownloadSession, error)
	// Transition applies params only when the stored status equals
	// params.From. Returns nil when the condition did not hold.
	Transition(ctx context.Context, params model.TransitionParams) (*model.DownloadSession, error)
	// ConsumeToken moves a token_issued session with a live, unused token to
	// delivered and, in the same step, fails every other open session of its
	// cart. Returns a nil session when the token could not be consumed,
	// along with the number of sessions closed.
	ConsumeToken(ctx context.Context, params model.ConsumeTokenParams) (*model.DownloadSession, int64, error)
	MarkExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type downloadSessionRepo struct {
	db *database.DB
}

func NewDownloadSessionRepository(db *database.DB) DownloadSessionRepository {
	return &downloadSessionRepo{db: db}
}

func (r *downloadSessionRepo) Create(ctx context.Context, params model.CreateDownloadSessionParams) (*model.DownloadSession, error) {
	var session model.DownloadSession
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO download_sessions (
			id, cart_key, recipient, purpose, items, status, origin_ip,
			created_at, expires_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $8)
		RETURNING *
	`, params.ID, params.CartKey, params.Recipient, params.Purpose, params.Items,
		model.DownloadStatusInitiated, params.OriginIP, params.Now, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *downloadSessionRepo) FindByID(ctx context.Context, id string) (*model.DownloadSession, error) {
	var session model.DownloadSession
	err := r.db.GetContext(ctx, &session, `SELECT * FROM download_sessions WHERE id = $1`, id)
	return HandleNotFound(&session, err)
}

func (r *downloadSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.DownloadSession, error) {
	var session model.DownloadSession
	err := r.db.GetContext(ctx, &session, `SELECT * FROM download_sessions WHERE token_hash = $1`, tokenHash)
	return HandleNotFound(&session, err)
}

func (r *downloadSessionRepo) Transition(ctx context.Context, params model.TransitionParams) (*model.DownloadSession, error) {
	if err := CheckTransition(params); err != nil {
		return nil, err
	}

	var session model.DownloadSession
	err := r.db.GetContext(ctx, &session, `
		UPDATE download_sessions
		SET status = $3,
		    challenge_id = COALESCE($4, challenge_id),
		    otp_verified = COALESCE($5, otp_verified),
		    token_hash = COALESCE($6, token_hash),
		    token_expires_at = COALESCE($7, token_expires_at),
		    failure_reason = COALESCE($8, failure_reason),
		    updated_at = $9
		WHERE id = $1 AND status = $2
		RETURNING *
	`, params.ID, params.From, params.To, params.ChallengeID, params.OTPVerified,
		params.TokenHash, params.TokenExpiresAt, params.FailureReason, params.Now)
	return HandleNotFound(&session, err)
}

func (r *downloadSessionRepo) ConsumeToken(ctx context.Context, params model.ConsumeTokenParams) (*model.DownloadSession, int64, error) {
	var (
		session  model.DownloadSession
		consumed bool
		closed   int64
	)

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		consumed, closed = false, 0

		var cartKey sql.NullString
		err := tx.GetContext(ctx, &cartKey, `SELECT cart_key FROM download_sessions WHERE token_hash = $1`, params.TokenHash)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find token session: %w", err)
		}

		// One delivery per cart: sessions of the same cart consume in turn.
		if cartKey.Valid {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('delivery:' || $1::text))`, cartKey.String); err != nil {
				return fmt.Errorf("lock cart delivery: %w", err)
			}
		}

		err = tx.GetContext(ctx, &session, `
			UPDATE download_sessions
			SET status = 'delivered', token_used_at = $2, delivered_at = $2, updated_at = $2
			WHERE token_hash = $1
			  AND status = 'token_issued'
			  AND token_used_at IS NULL
			  AND token_expires_at > $2
			  AND expires_at > $2
			RETURNING *
		`, params.TokenHash, params.Now)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("consume token: %w", err)
		}
		consumed = true

		if !cartKey.Valid {
			return nil
		}
		closed, err = rowsAffected(tx.ExecContext(ctx, `
			UPDATE download_sessions
			SET status = 'failed', failure_reason = $3, updated_at = $4
			WHERE cart_key = $1 AND id <> $2
			  AND status IN ('initiated', 'otp_pending', 'otp_verified', 'token_issued')
		`, cartKey.String, session.ID, params.SiblingReason, params.Now))
		if err != nil {
			return fmt.Errorf("fail sibling sessions: %w", err)
		}
		return nil
	})
	if err != nil || !consumed {
		return nil, 0, err
	}
	return &session, closed, nil
}

func (r *downloadSessionRepo) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, `
		UPDATE download_sessions
		SET status = 'expired', updated_at = $1
		WHERE status IN ('initiated', 'otp_pending', 'otp_verified', 'token_issued')
		  AND (expires_at <= $1 OR (status = 'token_issued' AND token_expires_at <= $1))
	`, now))
}

func (r *downloadSessionRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, `
		DELETE FROM download_sessions
		WHERE status IN ('delivered', 'expired', 'failed') AND updated_at < $1
	`, cutoff))
}
